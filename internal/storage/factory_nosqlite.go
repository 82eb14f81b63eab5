//go:build !sqlite

package storage

import "errors"

func newSQLiteStore(_ string) (Store, error) {
	return nil, errors.New("sqlite store needs a build with -tags sqlite; use --store memory or badger")
}

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	logger.Debug("hidden")
	logger.WithField("generation", 3).Info("generation evaluated")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "generation=3")
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.WithField("genome_id", "g1").Debug("phase change")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "g1", entry["genome_id"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "warning", File: path}, &buf)
	require.NoError(t, err)

	logger.Info("skipped")
	logger.Warn("genome evaluation failed")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "genome evaluation failed"))
	assert.NotContains(t, string(data), "skipped")
	assert.Contains(t, buf.String(), "genome evaluation failed")
}

func TestNewRejectsUnknownOptions(t *testing.T) {
	_, _, err := New(Options{Level: "loud"}, nil)
	require.Error(t, err)
	_, _, err = New(Options{Format: "xml"}, nil)
	require.Error(t, err)
}

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"archsearch/internal/logging"
	"archsearch/internal/storage"
	"archsearch/pkg/archsearch"
)

const envPrefix = "ARCHSEARCH"

type app struct {
	v *viper.Viper
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:           "archsearchctl",
		Short:         "Evolve convolutional network architectures with a genetic search",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.readConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "YAML config file")
	flags.String("store", storage.KindBadger, "store backend: memory|badger|sqlite")
	flags.String("store-path", "archsearch-data", "badger directory or sqlite file")
	flags.String("artifacts-dir", "runs", "run artifact directory")
	flags.String("exports-dir", "exports", "default export directory")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", logging.FormatText, "log format: text|json")
	flags.String("log-file", "", "also write logs to this file, rotated by size")
	a.bindFlags(flags, "config", "store", "store-path", "artifacts-dir", "exports-dir", "log-level", "log-format", "log-file")

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.newRunCommand(),
		a.newConfigCommand(),
		a.newRunsCommand(),
		a.newFitnessCommand(),
		a.newDiagnosticsCommand(),
		a.newTopCommand(),
		a.newLineageCommand(),
		a.newPopulationCommand(),
		a.newExportCommand(),
	)
	return root
}

// bindFlags binds each named flag to the viper key with dashes replaced by
// underscores, the spelling used in config files.
func (a *app) bindFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		key := strings.ReplaceAll(name, "-", "_")
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func (a *app) readConfig() error {
	path := a.v.GetString("config")
	if path == "" {
		return nil
	}
	a.v.SetConfigFile(path)
	a.v.SetConfigType("yaml")
	if err := a.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func (a *app) newLogger(stderr io.Writer) (*logrus.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Level:  a.v.GetString("log_level"),
		Format: a.v.GetString("log_format"),
		File:   a.v.GetString("log_file"),
	}, stderr)
}

// newClient opens the configured store. Callers close both the client and
// the log closer.
func (a *app) newClient(cmd *cobra.Command, metricsAddr string) (*archsearch.Client, io.Closer, error) {
	logger, closer, err := a.newLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	client, err := archsearch.New(archsearch.Options{
		StoreKind:    a.v.GetString("store"),
		StorePath:    a.v.GetString("store_path"),
		ArtifactsDir: a.v.GetString("artifacts_dir"),
		ExportsDir:   a.v.GetString("exports_dir"),
		Logger:       logger,
		MetricsAddr:  metricsAddr,
	})
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return client, closer, nil
}

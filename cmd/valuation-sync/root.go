package main

import (
	"fmt"
	"io"
	"log"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/config"
)

var version = "dev"

type rootOptions struct {
	configFile string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: config.New()}
	rootCmd := &cobra.Command{
		Use:           "valuation-sync",
		Short:         "Keep valuation sessions in sync with the valuation engine",
		Long:          "valuation-sync opens a valuation session, caches it locally, reconciles it with the engine in the background and streams the conversational data collection.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default ./valuation.toml if present)")
	flags.String("storage", "", "local cache storage DSN (memory://, file://, sqlite://, postgres://)")
	flags.String("engine-url", "", "valuation engine base URL")
	flags.String("engine-token", "", "bearer token for the valuation engine")
	flags.Int("verbosity", 0, "log verbosity")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(opts),
		newCacheCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	if err := config.BindFlags(o.v, cmd.Flags()); err != nil {
		return config.Config{}, err
	}
	return config.Load(o.v, o.configFile)
}

func newLogger(w io.Writer, verbosity int) logr.Logger {
	stdr.SetVerbosity(verbosity)
	return stdr.New(log.New(w, "", log.LstdFlags))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

// Command replog runs a primary or follower node of the replicated log, or
// talks to one over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"replog/internal/config"
	"replog/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "replog",
		Short:        "Single-leader replicated log",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Path to a config file (yaml, json or toml).")

	root.AddCommand(
		newPrimaryCommand(),
		newFollowerCommand(),
		newWriteCommand(),
		newListCommand(),
		newFaultCommand(),
	)
	return root
}

// bindViper returns a viper instance reading cmd's flags, REPLOG_* variables
// and the --config file.
func bindViper(cmd *cobra.Command, fs *pflag.FlagSet) (*viper.Viper, error) {
	v := config.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if err := config.ReadFile(v, path); err != nil {
		return nil, err
	}
	return v, nil
}

func newLogger(cfg logger.Config) (*zap.Logger, error) {
	log, err := logger.New(os.Stderr, cfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}

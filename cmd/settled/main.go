package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"PerpSettlement/internal/config"
	"PerpSettlement/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Command().ExecuteContext(ctx); err != nil {
		logger := observability.NewLogger("settled")
		logger.Error().Err(err).Msg("exit")
		stop()
		os.Exit(1)
	}
}

// Command is the settled root command.
func Command() *cobra.Command {
	v := config.New()
	var configFile string

	c := &cobra.Command{
		Use:           "settled",
		Short:         "Settlement core of the perp venue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := c.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, toml or json); SETTLE_* variables override it")
	flags.String("log-level", config.DefaultConfig().LogLevel, "log level")
	flags.String("postgres-url", "", "event log database; empty disables persistence")
	v.BindPFlag("log_level", flags.Lookup("log-level"))
	v.BindPFlag("postgres.url", flags.Lookup("postgres-url"))

	load := func() (config.Config, error) {
		return config.Load(v, configFile)
	}
	c.AddCommand(serveCommand(load), migrateCommand(load))
	return c
}

type loader func() (config.Config, error)

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fedstate/internal/config"
	"fedstate/internal/logger"
	"fedstate/internal/server"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fedstate-server:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		envFile string
	)
	cmd := &cobra.Command{
		Use:           "fedstate-server",
		Short:         "Federation state store server",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg.Log.ServiceName = "fedstate-server"
			cfg.Log.Version = version
			log := logger.Init(cfg.Log)
			defer func() { _ = log.Sync() }()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			srv, err := server.New(ctx, cfg, log)
			if err != nil {
				log.Error("startup failed", zap.Error(err))
				return err
			}
			log.Info("fedstate server starting",
				zap.String("driver", cfg.Store.Driver),
				zap.String("http", cfg.HTTP.Addr),
				zap.Bool("reaper", cfg.Reaper.Enabled))
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", os.Getenv("FEDSTATE_CONFIG"), "path to the YAML config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config, if present")
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

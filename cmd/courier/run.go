package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/courier"
	"github.com/outofforest/courier/config"
	"github.com/outofforest/courier/exception"
	"github.com/outofforest/courier/store"
	"github.com/outofforest/logger"
)

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run messaging engine",
		Long: `Run messaging engine configured by YAML file.

Example:
  courier run --config ./courier.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logConfig := logger.DefaultConfig
	logConfig.Format = logger.Format(cfg.Log.Format)
	log := logger.New(logConfig)
	defer func() {
		_ = log.Sync()
	}()
	ctx = logger.WithLogger(ctx, log)

	engineConfig, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	e, err := courier.NewEngine(engineConfig, courier.Deps{
		Store:  s,
		Router: exception.NewStoreRouter(s, cfg.ExceptionDestination),
	})
	if err != nil {
		return err
	}

	var ls net.Listener
	if cfg.Listen != "" {
		ls, err = net.Listen("tcp", cfg.Listen)
		if err != nil {
			return errors.WithStack(err)
		}
		defer ls.Close()
	}

	log.Info("Starting engine", zap.Stringer("engineID", e.ID()), zap.String("name", engineConfig.Name),
		zap.String("listen", cfg.Listen))

	err = e.Run(ctx, ls)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"abengine/internal/db"
	"abengine/internal/experiment"
	"abengine/internal/http/handlers"
	"abengine/internal/stream"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	gdb, err := a.database()
	if err != nil {
		return err
	}

	admin, err := db.EnsureBootstrapAdmin(ctx, gdb, a.cfg)
	if err != nil {
		return fmt.Errorf("ensure bootstrap admin: %w", err)
	}
	if err := db.EnsureBootstrapAPIKey(ctx, gdb, a.cfg, admin); err != nil {
		a.logger.Warn("failed to ensure bootstrap API key", zap.Error(err))
	} else if a.cfg.ClientAPIKey != "" {
		a.logger.Info("client API key configured", zap.String("owner", admin.Username))
	}

	var opts []experiment.Option
	if len(a.cfg.KafkaBrokers) > 0 {
		pub, err := stream.NewPublisher(stream.Config{
			Brokers: a.cfg.KafkaBrokers,
			Topic:   a.cfg.KafkaTopic,
			Logger:  a.logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := pub.Close(); err != nil {
				a.logger.Warn("close publisher", zap.Error(err))
			}
		}()
		opts = append(opts, experiment.WithPublisher(pub))
		a.logger.Info("publishing notifications",
			zap.Strings("brokers", a.cfg.KafkaBrokers), zap.String("topic", a.cfg.KafkaTopic))
	}

	svc, err := a.service(opts...)
	if err != nil {
		return err
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	workers := []<-chan struct{}{
		db.StartRetentionWorker(workerCtx, svc, a.cfg.RetentionDays, a.logger),
	}
	if a.cfg.Aggregation {
		workers = append(workers, db.StartAggregationWorker(workerCtx, gdb, a.logger))
	}

	server := &fasthttp.Server{
		Handler: handlers.NewRouter(svc, gdb, a.cfg, a.logger),
		Name:    "abengine",
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("abengine listening", zap.String("addr", a.cfg.ListenAddr))
		errCh <- server.ListenAndServe(a.cfg.ListenAddr)
	}()

	select {
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("shutting down")
		err = server.Shutdown()
	}

	cancelWorkers()
	for _, done := range workers {
		<-done
	}
	return err
}

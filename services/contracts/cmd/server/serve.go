package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jquan18/Civitas-sub001/pkg/httpx"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/api"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/config"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/contractsync"
)

func serveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled sync loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(true)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().Int(config.KeyServicePort, 8085, "HTTP listen port")
	cmd.Flags().String(config.KeyStoreDriver, config.DriverPostgres, "contract store (postgres, sqlite)")
	cmd.Flags().Duration(config.KeySyncInterval, contractsync.DefaultInterval, "interval between scheduled syncs")
	cmd.Flags().Bool(config.KeySyncOnStart, true, "run a sync immediately on startup")
	for _, key := range []string{config.KeyServicePort, config.KeyStoreDriver, config.KeySyncInterval, config.KeySyncOnStart} {
		if err := a.v.BindPFlag(key, cmd.Flags().Lookup(key)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	stack, err := buildSyncStack(ctx, cfg, st, log)
	if err != nil {
		return err
	}
	defer stack.Close()

	opts := api.Options{
		DefaultChainID:    cfg.DefaultChainID,
		SyncLimiter:       httpx.NewFixedWindowLimiter(cfg.ManualSyncRatePerMinute, time.Minute),
		TrustForwardedFor: cfg.TrustForwardedFor,
		Log:               log,
	}
	if stack.metrics != nil {
		opts.Metrics = promhttp.HandlerFor(stack.metrics.Registry, promhttp.HandlerOpts{})
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServicePort),
		Handler:           api.New(st, stack.syncer, stack.registry, opts).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	scheduler := contractsync.NewScheduler(stack.orchestrator, cfg.SyncInterval, cfg.SyncOnStart, log, stack.metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("Contracts service listening", zap.String("addr", srv.Addr), zap.Int64s("chains", stack.chain.Chains()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	log.Info("Contracts service stopped")
	return err
}

package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jquan18/Civitas-sub001/pkg/chain"
	"github.com/jquan18/Civitas-sub001/pkg/db"
	"github.com/jquan18/Civitas-sub001/pkg/statereader"
	"github.com/jquan18/Civitas-sub001/pkg/templates"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/api"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/config"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/contractsync"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/eventsclient"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/store"
)

type contractStore interface {
	api.ContractStore
	contractsync.Store
}

// openStore returns the configured store and a func releasing it.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (contractStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		st, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Using SQLite contract store", zap.String("path", cfg.SQLitePath))
		return st, func() { _ = st.Close() }, nil
	case config.DriverPostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, err
		}
		return store.New(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

type syncStack struct {
	registry     *templates.Registry
	chain        *chain.Client
	syncer       *contractsync.Syncer
	orchestrator *contractsync.Orchestrator
	metrics      *contractsync.Metrics
}

func (s *syncStack) Close() { s.chain.Close() }

func buildSyncStack(ctx context.Context, cfg config.Config, st contractsync.Store, log *zap.Logger) (*syncStack, error) {
	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.ChainRPCURLs) == 0 {
		log.Warn("No chain RPC endpoints configured, every state read will fail")
	}
	client, err := chain.Dial(ctx, cfg.ChainRPCURLs, log)
	if err != nil {
		return nil, err
	}
	var metrics *contractsync.Metrics
	if cfg.MetricsEnabled {
		metrics = contractsync.NewMetrics()
	}
	reader := statereader.New(reg, client, log, statereader.WithFieldTimeout(cfg.FieldReadTimeout))
	opts := []contractsync.Option{contractsync.WithMetrics(metrics)}
	if cfg.EventsSyncURL != "" {
		opts = append(opts, contractsync.WithEventSyncer(eventsclient.New(cfg.EventsSyncURL)))
	}
	syncer := contractsync.NewSyncer(st, reader, reg, log, opts...)
	return &syncStack{
		registry:     reg,
		chain:        client,
		syncer:       syncer,
		orchestrator: contractsync.NewOrchestrator(st, syncer, log, metrics, cfg.SyncConcurrency),
		metrics:      metrics,
	}, nil
}

package contractsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jquan18/Civitas-sub001/services/contracts/internal/store"
)

const DefaultConcurrency = 8

// ContractSyncer refreshes one record.
type ContractSyncer interface {
	SyncContract(ctx context.Context, c store.Contract) (store.Contract, error)
}

type ActiveLister interface {
	ListByState(ctx context.Context, state int) ([]store.Contract, error)
}

type RunResult struct {
	Candidates int
	Succeeded  int
	Failed     int
	Duration   time.Duration
	// Err aggregates every per-contract failure, or holds the listing error
	// when the run could not start.
	Err error
}

type Orchestrator struct {
	lister      ActiveLister
	syncer      ContractSyncer
	log         *zap.Logger
	metrics     *Metrics
	concurrency int
}

func NewOrchestrator(lister ActiveLister, syncer ContractSyncer, log *zap.Logger, metrics *Metrics, concurrency int) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Orchestrator{lister: lister, syncer: syncer, log: log, metrics: metrics, concurrency: concurrency}
}

// RunScheduledSync syncs every active contract once. A failing contract never
// prevents the others from being attempted, and the call itself never panics.
func (o *Orchestrator) RunScheduledSync(ctx context.Context) RunResult {
	start := time.Now()
	candidates, err := o.lister.ListByState(ctx, store.StateActive)
	if err != nil {
		o.log.Error("Catastrophic failure listing active contracts for sync", zap.Error(err))
		res := RunResult{Duration: time.Since(start), Err: fmt.Errorf("list active contracts: %w", err)}
		o.metrics.ObserveRun(runResultFailed, res.Duration, start)
		return res
	}
	if len(candidates) == 0 {
		o.log.Debug("No active contracts to sync")
		res := RunResult{Duration: time.Since(start)}
		o.metrics.ObserveRun(runResultEmpty, res.Duration, start)
		return res
	}

	res := RunResult{Candidates: len(candidates)}
	var mu sync.Mutex
	eg := errgroup.Group{}
	eg.SetLimit(o.concurrency)
	for _, c := range candidates {
		eg.Go(func() error {
			err := o.syncOne(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.Err = multierr.Append(res.Err, fmt.Errorf("%s: %w", c.ContractAddress, err))
				o.log.Error(
					"Failed to sync contract",
					zap.String("contract_address", c.ContractAddress),
					zap.String("template_id", c.TemplateID),
					zap.Int64("chain_id", c.ChainID),
					zap.Error(err),
				)
				return nil
			}
			res.Succeeded++
			return nil
		})
	}
	_ = eg.Wait()
	res.Duration = time.Since(start)

	o.log.Info(
		"Scheduled contract sync finished",
		zap.Int("candidates", res.Candidates),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", res.Duration),
	)
	result := runResultSuccess
	switch {
	case res.Succeeded == 0:
		result = runResultFailed
	case res.Failed > 0:
		result = runResultPartial
	}
	o.metrics.ObserveRun(result, res.Duration, start)
	return res
}

func (o *Orchestrator) syncOne(ctx context.Context, c store.Contract) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during sync: %v", p)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = o.syncer.SyncContract(ctx, c)
	return err
}

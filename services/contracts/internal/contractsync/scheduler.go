package contractsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const DefaultInterval = 5 * time.Minute

type Runner interface {
	RunScheduledSync(ctx context.Context) RunResult
}

// Scheduler runs the sync on a fixed interval. A tick that fires while the
// previous run is still going is skipped.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	runOnStart bool
	log        *zap.Logger
	metrics    *Metrics

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewScheduler(runner Runner, interval time.Duration, runOnStart bool, log *zap.Logger, metrics *Metrics) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{runner: runner, interval: interval, runOnStart: runOnStart, log: log, metrics: metrics}
}

// Run blocks until ctx is cancelled, then waits for an in-flight run to return.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("Contract sync scheduler started",
		zap.Duration("interval", s.interval),
		zap.Bool("run_on_start", s.runOnStart),
	)
	if s.runOnStart {
		s.trigger(ctx)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("Contract sync scheduler stopped")
			return
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("Previous contract sync still running, skipping this tick")
		s.metrics.IncSkippedRun()
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.runner.RunScheduledSync(ctx)
	}()
	return true
}

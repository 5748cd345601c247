// Package contractsync keeps stored contract records in step with the chain.
//
// A Syncer refreshes one record, the Orchestrator refreshes every active record
// in one bounded fan-out, and the Scheduler drives the Orchestrator on a fixed
// interval.
package contractsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jquan18/Civitas-sub001/pkg/canonhash"
	"github.com/jquan18/Civitas-sub001/pkg/chain"
	"github.com/jquan18/Civitas-sub001/pkg/statereader"
	"github.com/jquan18/Civitas-sub001/pkg/templates"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/store"
)

var (
	ErrUnknownTemplate = errors.New("unknown template")
	ErrSyncFailed      = errors.New("contract state sync failed")
)

type Store interface {
	GetByAddress(ctx context.Context, address string) (store.Contract, error)
	ListByState(ctx context.Context, state int) ([]store.Contract, error)
	Update(ctx context.Context, address string, p store.Patch) (store.Contract, error)
}

type StateReader interface {
	ReadState(ctx context.Context, chainID int64, address common.Address, templateID string) (statereader.Snapshot, error)
}

type TemplateResolver interface {
	Lookup(id string) (*templates.Definition, bool)
}

// EventSyncer backfills the event log of a contract after its state sync.
type EventSyncer interface {
	SyncEvents(ctx context.Context, c store.Contract) error
}

type SyncState string

const (
	SyncStateSynced  SyncState = "synced"
	SyncStateSkipped SyncState = "skipped"
	SyncStateFailed  SyncState = "failed"
)

type EventsState string

const (
	EventsSynced  EventsState = "synced"
	EventsFailed  EventsState = "failed"
	EventsSkipped EventsState = "skipped"
)

// ManualSyncResult reports both halves of a manual sync. Events never turns a
// successful state sync into a failure.
type ManualSyncResult struct {
	Contract store.Contract
	State    SyncState
	Events   EventsState
}

// DefaultSyncTimeout bounds one shared read-and-write of a contract.
const DefaultSyncTimeout = 2 * time.Minute

type Syncer struct {
	store     Store
	reader    StateReader
	templates TemplateResolver
	events    EventSyncer
	log       *zap.Logger
	metrics   *Metrics
	now       func() time.Time
	timeout   time.Duration
	inflight  singleflight.Group
}

type Option func(*Syncer)

// WithEventSyncer enables the best-effort event sync after a manual sync.
func WithEventSyncer(e EventSyncer) Option {
	return func(s *Syncer) { s.events = e }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithSyncTimeout bounds the shared work of one SyncContract. Zero disables it.
func WithSyncTimeout(d time.Duration) Option {
	return func(s *Syncer) { s.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

func NewSyncer(st Store, reader StateReader, resolver TemplateResolver, log *zap.Logger, opts ...Option) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Syncer{store: st, reader: reader, templates: resolver, log: log, now: time.Now, timeout: DefaultSyncTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncContract reads the current state of c and writes it back with a fresh
// last_synced_at. Concurrent calls for the same address share one read and
// one write. The shared work is detached from every caller's cancellation, so
// a caller that gives up only abandons its own wait.
func (s *Syncer) SyncContract(ctx context.Context, c store.Contract) (store.Contract, error) {
	ch := s.inflight.DoChan(c.ContractAddress, func() (any, error) {
		shared := context.WithoutCancel(ctx)
		if s.timeout > 0 {
			var cancel context.CancelFunc
			shared, cancel = context.WithTimeout(shared, s.timeout)
			defer cancel()
		}
		return s.sync(shared, c)
	})
	select {
	case <-ctx.Done():
		return store.Contract{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return store.Contract{}, res.Err
		}
		return res.Val.(store.Contract), nil
	}
}

func (s *Syncer) sync(ctx context.Context, c store.Contract) (store.Contract, error) {
	def, ok := s.templates.Lookup(c.TemplateID)
	if !ok {
		s.metrics.IncContractSync(c.TemplateID, syncResultFailure)
		return store.Contract{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, c.TemplateID)
	}
	snapshot, err := s.reader.ReadState(ctx, c.ChainID, common.HexToAddress(c.ContractAddress), def.ID)
	if err != nil {
		s.metrics.IncContractSync(def.ID, syncResultFailure)
		return store.Contract{}, fmt.Errorf("read state: %w", err)
	}

	now := s.now().UTC()
	patch := store.Patch{OnChainState: snapshot, LastSyncedAt: &now}
	if c.State != store.StateCompleted && def.IsTerminal(snapshot) {
		completed := store.StateCompleted
		patch.State = &completed
	}
	updated, err := s.store.Update(ctx, c.ContractAddress, patch)
	if err != nil {
		s.metrics.IncContractSync(def.ID, syncResultFailure)
		return store.Contract{}, fmt.Errorf("store snapshot: %w", err)
	}
	s.metrics.IncContractSync(def.ID, syncResultSuccess)
	if n := snapshot.Nulls(); n > 0 {
		s.log.Debug("Contract synced with unreadable state fields",
			zap.String("contract_address", c.ContractAddress),
			zap.Int("null_fields", n),
		)
	}
	if c.OnChainState != nil && canonhash.Equal(c.OnChainState, updated.OnChainState) {
		s.log.Debug("Contract state unchanged", zap.String("contract_address", c.ContractAddress))
	}
	if patch.State != nil {
		s.log.Info("Contract reached terminal state",
			zap.String("contract_address", c.ContractAddress),
			zap.String("template_id", def.ID),
		)
	}
	return updated, nil
}

// TriggerSync is the manual, user-initiated sync of one contract.
//
// A record whose template can no longer be resolved is returned unchanged with
// State skipped. A failed state sync returns an error wrapping ErrSyncFailed.
// Event sync runs only after a successful state sync, and its failure is
// reported in the result.
func (s *Syncer) TriggerSync(ctx context.Context, address string) (ManualSyncResult, error) {
	normalized, err := chain.NormalizeAddress(address)
	if err != nil {
		return ManualSyncResult{}, err
	}
	rec, err := s.store.GetByAddress(ctx, normalized)
	if err != nil {
		return ManualSyncResult{}, err
	}

	log := s.log.With(
		zap.String("contract_address", rec.ContractAddress),
		zap.String("template_id", rec.TemplateID),
		zap.Int64("chain_id", rec.ChainID),
	)
	if _, ok := s.templates.Lookup(rec.TemplateID); !ok {
		log.Warn("Skipping state sync for contract with unknown template")
		s.metrics.IncManualSync(SyncStateSkipped, EventsSkipped)
		return ManualSyncResult{Contract: rec, State: SyncStateSkipped, Events: EventsSkipped}, nil
	}

	updated, err := s.SyncContract(ctx, rec)
	if err != nil {
		log.Error("Manual contract sync failed", zap.Error(err))
		s.metrics.IncManualSync(SyncStateFailed, EventsSkipped)
		return ManualSyncResult{}, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	res := ManualSyncResult{Contract: updated, State: SyncStateSynced, Events: EventsSkipped}
	if s.events != nil {
		if err := s.events.SyncEvents(ctx, updated); err != nil {
			log.Warn("Event sync failed after manual state sync", zap.Error(err))
			res.Events = EventsFailed
		} else {
			res.Events = EventsSynced
		}
	}
	s.metrics.IncManualSync(res.State, res.Events)
	return res, nil
}

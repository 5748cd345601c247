package contractsync

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jquan18/Civitas-sub001/pkg/statereader"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/store"
)

const (
	addrA = "0x1111111111111111111111111111111111111111"
	addrB = "0x2222222222222222222222222222222222222222"
	addrC = "0x3333333333333333333333333333333333333333"
)

type fakeStore struct {
	mu        sync.Mutex
	records   map[string]store.Contract
	listErr   error
	updateErr error
	updates   int
}

func newFakeStore(records ...store.Contract) *fakeStore {
	s := &fakeStore{records: map[string]store.Contract{}}
	for _, r := range records {
		s.records[r.ContractAddress] = r
	}
	return s
}

func (s *fakeStore) GetByAddress(ctx context.Context, address string) (store.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.records[address]
	if !ok {
		return store.Contract{}, store.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) ListByState(ctx context.Context, state int) ([]store.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := []store.Contract{}
	for _, c := range s.records {
		if c.State == state {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractAddress < out[j].ContractAddress })
	return out, nil
}

func (s *fakeStore) Update(ctx context.Context, address string, p store.Patch) (store.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if s.updateErr != nil {
		return store.Contract{}, s.updateErr
	}
	c, ok := s.records[address]
	if !ok {
		return store.Contract{}, store.ErrNotFound
	}
	if p.OnChainState != nil {
		c.OnChainState = p.OnChainState
	}
	if p.LastSyncedAt != nil {
		ts := *p.LastSyncedAt
		c.LastSyncedAt = &ts
	}
	if p.State != nil {
		c.State = *p.State
	}
	s.records[address] = c
	return c, nil
}

func (s *fakeStore) get(address string) store.Contract {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[address]
}

type fakeReader struct {
	mu       sync.Mutex
	snapshot statereader.Snapshot
	failFor  map[string]bool
	calls    int
	started  chan struct{}
	release  chan struct{}
}

func (r *fakeReader) ReadState(ctx context.Context, chainID int64, address common.Address, templateID string) (statereader.Snapshot, error) {
	r.mu.Lock()
	r.calls++
	started := r.started
	r.started = nil
	r.mu.Unlock()
	if started != nil {
		close(started)
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	key := "0x" + common.Bytes2Hex(address.Bytes())
	if r.failFor[key] {
		return nil, errors.New("rpc unavailable")
	}
	out := statereader.Snapshot{}
	for k, v := range r.snapshot {
		out[k] = v
	}
	return out, nil
}

func (r *fakeReader) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeEvents struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (e *fakeEvents) SyncEvents(ctx context.Context, c store.Contract) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c.ContractAddress)
	return e.err
}

func rentVault(address string) store.Contract {
	return store.Contract{
		ContractAddress: address,
		TemplateID:      "rent_vault",
		CreatorAddress:  "0x9999999999999999999999999999999999999999",
		ChainID:         84532,
		State:           store.StateActive,
	}
}

func rentVaultSnapshot(withdrawn bool) statereader.Snapshot {
	return statereader.Snapshot{
		"recipient":      "0x70997970c51812dc3a010c7d01b50e0d17dc79c8",
		"rentAmount":     "1500000000",
		"dueDate":        "1767225600",
		"totalDeposited": "0",
		"withdrawn":      withdrawn,
	}
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

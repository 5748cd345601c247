package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/jquan18/Civitas-sub001/pkg/httpx"
	"github.com/jquan18/Civitas-sub001/pkg/statereader"
	"github.com/jquan18/Civitas-sub001/pkg/templates"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/contractsync"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/store"
)

const (
	vaultAddr   = "0x5fbdb2315678afecb367f032d93f642f64180aa3"
	creatorAddr = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
)

type fakeStore struct {
	mu        sync.Mutex
	records   map[string]store.Contract
	createErr error
	updates   int
}

func newFakeStore(records ...store.Contract) *fakeStore {
	s := &fakeStore{records: map[string]store.Contract{}}
	for _, r := range records {
		s.records[r.ContractAddress] = r
	}
	return s
}

func (s *fakeStore) Create(ctx context.Context, c store.Contract) (store.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return store.Contract{}, s.createErr
	}
	if _, ok := s.records[c.ContractAddress]; ok {
		return store.Contract{}, store.ErrAlreadyExists
	}
	if len(c.Config) == 0 {
		c.Config = json.RawMessage(`{}`)
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.CreatedAt, c.UpdatedAt = now, now
	s.records[c.ContractAddress] = c
	return c, nil
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

func (s *fakeStore) ListByCreator(ctx context.Context, creator string) ([]store.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []store.Contract{}
	for _, c := range s.records {
		if c.CreatorAddress == creator {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractAddress < out[j].ContractAddress })
	return out, nil
}

func (s *fakeStore) ListByState(ctx context.Context, state int) ([]store.Contract, error) {
	return nil, errors.New("not used")
}

func (s *fakeStore) Update(ctx context.Context, address string, p store.Patch) (store.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	c, ok := s.records[address]
	if !ok {
		return store.Contract{}, store.ErrNotFound
	}
	if p.OnChainState != nil {
		c.OnChainState = p.OnChainState
	}
	if p.LastSyncedAt != nil {
		c.LastSyncedAt = p.LastSyncedAt
	}
	if p.State != nil {
		c.State = *p.State
	}
	s.records[address] = c
	return c, nil
}

type fakeSyncer struct {
	res   contractsync.ManualSyncResult
	err   error
	calls int
}

func (f *fakeSyncer) TriggerSync(ctx context.Context, address string) (contractsync.ManualSyncResult, error) {
	f.calls++
	return f.res, f.err
}

type noReads struct{ calls int }

func (n *noReads) ReadState(ctx context.Context, chainID int64, address common.Address, templateID string) (statereader.Snapshot, error) {
	n.calls++
	return nil, errors.New("unexpected chain read")
}

type fakeEvents struct{ err error }

func (f fakeEvents) SyncEvents(ctx context.Context, c store.Contract) error { return f.err }

func newHandler(st *fakeStore, syncer ManualSyncer) *Handler {
	return New(st, syncer, templates.MustDefault(), Options{DefaultChainID: 84532})
}

func withChiParams(req *http.Request, kv ...string) *http.Request {
	rc := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rc.URLParams.Add(kv[i], kv[i+1])
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v body=%s", err, rr.Body.String())
	}
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rr)
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func activeVault() store.Contract {
	return store.Contract{
		ContractAddress: vaultAddr,
		TemplateID:      "rent_vault",
		CreatorAddress:  creatorAddr,
		ChainID:         84532,
		Config:          json.RawMessage(`{"rentAmount":"1500"}`),
	}
}

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	newHandler(newFakeStore(), &fakeSyncer{}).Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestListTemplates(t *testing.T) {
	rr := httptest.NewRecorder()
	newHandler(newFakeStore(), &fakeSyncer{}).ListTemplates(rr, httptest.NewRequest(http.MethodGet, "/templates", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	list, _ := body["templates"].([]any)
	if len(list) != 3 {
		t.Fatalf("expected 3 templates, got %d", len(list))
	}
	first, _ := list[0].(map[string]any)
	if first["id"] != "group_buy_escrow" {
		t.Fatalf("expected templates ordered by id, got %v", first["id"])
	}
}

func TestCreateContract(t *testing.T) {
	st := newFakeStore()
	h := newHandler(st, &fakeSyncer{})
	body := `{"template_id":"RentVault","contract_address":"0x5FbDB2315678afecb367f032d93F642f64180aa3","creator_address":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8","config":{"rentAmount":"1500"},"basename":"alice.base.eth"}`
	rr := httptest.NewRecorder()
	h.CreateContract(rr, httptest.NewRequest(http.MethodPost, "/contracts", strings.NewReader(body)))
	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	rec, ok := st.records[vaultAddr]
	if !ok {
		t.Fatalf("expected record keyed by lowercase address, got %v", st.records)
	}
	if rec.TemplateID != "rent_vault" || rec.CreatorAddress != creatorAddr || rec.ChainID != 84532 {
		t.Fatalf("unexpected stored record: %+v", rec)
	}
	if rec.Basename == nil || *rec.Basename != "alice.base.eth" {
		t.Fatalf("expected basename stored")
	}
	contract, _ := decodeBody(t, rr)["contract"].(map[string]any)
	if contract["state"] != float64(0) || contract["on_chain_state"] != nil || contract["last_synced_at"] != nil {
		t.Fatalf("expected fresh active record, got %v", contract)
	}
}

func TestCreateContractErrors(t *testing.T) {
	valid := func(mut func(m map[string]any)) string {
		m := map[string]any{
			"template_id":      "rent_vault",
			"contract_address": vaultAddr,
			"creator_address":  creatorAddr,
			"config":           map[string]any{},
		}
		mut(m)
		b, _ := json.Marshal(m)
		return string(b)
	}
	for _, tc := range []struct {
		name     string
		body     string
		existing bool
		status   int
		code     string
	}{
		{name: "bad json", body: `{"template_id":`, status: 400, code: "BAD_JSON"},
		{name: "missing template", body: valid(func(m map[string]any) { delete(m, "template_id") }), status: 400, code: "BAD_REQUEST"},
		{name: "bad contract address", body: valid(func(m map[string]any) { m["contract_address"] = "0x1234" }), status: 400, code: "BAD_REQUEST"},
		{name: "missing creator", body: valid(func(m map[string]any) { delete(m, "creator_address") }), status: 400, code: "BAD_REQUEST"},
		{name: "config not object", body: valid(func(m map[string]any) { m["config"] = []int{1} }), status: 400, code: "BAD_REQUEST"},
		{name: "negative chain", body: valid(func(m map[string]any) { m["chain_id"] = -1 }), status: 400, code: "BAD_REQUEST"},
		{name: "unknown template", body: valid(func(m map[string]any) { m["template_id"] = "unicorn_vault" }), status: 422, code: "UNKNOWN_TEMPLATE"},
		{name: "duplicate", body: valid(func(m map[string]any) {}), existing: true, status: 409, code: "ALREADY_EXISTS"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			if tc.existing {
				st = newFakeStore(activeVault())
			}
			rr := httptest.NewRecorder()
			newHandler(st, &fakeSyncer{}).CreateContract(rr, httptest.NewRequest(http.MethodPost, "/contracts", strings.NewReader(tc.body)))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d body=%s", tc.status, rr.Code, rr.Body.String())
			}
			if code := errorCode(t, rr); code != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, code)
			}
		})
	}
}

func TestCreateContractIgnoresExtraKeys(t *testing.T) {
	st := newFakeStore()
	body := `{"template_id":"rent_vault","contract_address":"` + vaultAddr + `","creator_address":"` + creatorAddr + `","config":{},"ui_draft_id":"d-42","deployed_tx":"0xabc"}`
	rr := httptest.NewRecorder()
	newHandler(st, &fakeSyncer{}).CreateContract(rr, httptest.NewRequest(http.MethodPost, "/contracts", strings.NewReader(body)))
	if rr.Code != 201 {
		t.Fatalf("expected 201 with extra keys, got %d body=%s", rr.Code, rr.Body.String())
	}
	if _, ok := st.records[vaultAddr]; !ok {
		t.Fatalf("expected contract stored")
	}
}

func TestListContracts(t *testing.T) {
	other := activeVault()
	other.ContractAddress = "0x1111111111111111111111111111111111111111"
	other.CreatorAddress = "0x2222222222222222222222222222222222222222"
	h := newHandler(newFakeStore(activeVault(), other), &fakeSyncer{})

	rr := httptest.NewRecorder()
	h.ListContracts(rr, httptest.NewRequest(http.MethodGet, "/contracts?user_address=0x70997970C51812dc3A010C7d01b50e0d17dc79C8", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	list, _ := decodeBody(t, rr)["contracts"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected 1 contract, got %d", len(list))
	}

	rr = httptest.NewRecorder()
	h.ListContracts(rr, httptest.NewRequest(http.MethodGet, "/contracts", nil))
	if rr.Code != 400 {
		t.Fatalf("expected 400 without user_address, got %d", rr.Code)
	}
}

func TestListContractsEmptyIsArray(t *testing.T) {
	rr := httptest.NewRecorder()
	newHandler(newFakeStore(), &fakeSyncer{}).ListContracts(rr, httptest.NewRequest(http.MethodGet, "/contracts?user_address="+creatorAddr, nil))
	if !strings.Contains(rr.Body.String(), `"contracts":[]`) {
		t.Fatalf("expected empty array, got %s", rr.Body.String())
	}
}

func TestGetContract(t *testing.T) {
	h := newHandler(newFakeStore(activeVault()), &fakeSyncer{})

	rr := httptest.NewRecorder()
	h.GetContract(rr, withChiParams(httptest.NewRequest(http.MethodGet, "/contracts/x", nil), "address", strings.ToUpper(vaultAddr[2:])))
	if rr.Code != 400 {
		t.Fatalf("expected 400 for unprefixed address, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.GetContract(rr, withChiParams(httptest.NewRequest(http.MethodGet, "/contracts/x", nil), "address", "0x1111111111111111111111111111111111111111"))
	if rr.Code != 404 || errorCode(t, rr) != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.GetContract(rr, withChiParams(httptest.NewRequest(http.MethodGet, "/contracts/x", nil), "address", "0x5FbDB2315678afecb367f032d93F642f64180aa3"))
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestGetContractReturnsStoredSnapshot(t *testing.T) {
	snapshot := map[string]any{
		"recipient":      creatorAddr,
		"rentAmount":     "1500000000",
		"dueDate":        "1767225600",
		"totalDeposited": "1000000000000000000000",
		"withdrawn":      nil,
	}
	rec := activeVault()
	synced := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rec.OnChainState = snapshot
	rec.LastSyncedAt = &synced

	rr := httptest.NewRecorder()
	newHandler(newFakeStore(rec), &fakeSyncer{}).Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/contracts/"+vaultAddr, nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Contract struct {
			OnChainState json.RawMessage `json:"on_chain_state"`
		} `json:"contract"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want, _ := json.Marshal(snapshot)
	var gotV, wantV any
	_ = json.Unmarshal(resp.Contract.OnChainState, &gotV)
	_ = json.Unmarshal(want, &wantV)
	gotB, _ := json.Marshal(gotV)
	wantB, _ := json.Marshal(wantV)
	if !bytes.Equal(gotB, wantB) {
		t.Fatalf("snapshot mismatch:\n got %s\nwant %s", gotB, wantB)
	}
}

func TestSyncContractUnknownTemplateIsSkipped(t *testing.T) {
	rec := activeVault()
	rec.TemplateID = "retired_template"
	st := newFakeStore(rec)
	reads := &noReads{}
	syncer := contractsync.NewSyncer(st, reads, templates.MustDefault(), nil, contractsync.WithEventSyncer(fakeEvents{}))
	h := newHandler(st, syncer)

	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPatch, "/contracts/"+vaultAddr+"/sync", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	syncInfo, _ := body["sync"].(map[string]any)
	if syncInfo["state"] != "skipped" || syncInfo["events"] != "skipped" {
		t.Fatalf("expected skipped sync, got %v", syncInfo)
	}
	contract, _ := body["contract"].(map[string]any)
	if contract["template_id"] != "retired_template" || contract["last_synced_at"] != nil {
		t.Fatalf("expected unchanged record, got %v", contract)
	}
	if reads.calls != 0 || st.updates != 0 {
		t.Fatalf("expected no reads or writes")
	}
}

func TestSyncContractResponses(t *testing.T) {
	synced := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	refreshed := activeVault()
	refreshed.LastSyncedAt = &synced
	refreshed.OnChainState = map[string]any{"withdrawn": false}

	for _, tc := range []struct {
		name   string
		syncer *fakeSyncer
		status int
		code   string
		events string
	}{
		{
			name:   "synced",
			syncer: &fakeSyncer{res: contractsync.ManualSyncResult{Contract: refreshed, State: contractsync.SyncStateSynced, Events: contractsync.EventsSynced}},
			status: 200, events: "synced",
		},
		{
			name:   "event sync failed",
			syncer: &fakeSyncer{res: contractsync.ManualSyncResult{Contract: refreshed, State: contractsync.SyncStateSynced, Events: contractsync.EventsFailed}},
			status: 200, events: "failed",
		},
		{
			name:   "state sync failed",
			syncer: &fakeSyncer{err: errors.Join(contractsync.ErrSyncFailed, errors.New("dial tcp 10.0.0.1:8545: connection refused"))},
			status: 502, code: "SYNC_FAILED",
		},
		{name: "not found", syncer: &fakeSyncer{err: store.ErrNotFound}, status: 404, code: "NOT_FOUND"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := withChiParams(httptest.NewRequest(http.MethodPatch, "/contracts/x/sync", nil), "address", vaultAddr)
			newHandler(newFakeStore(), tc.syncer).SyncContract(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d body=%s", tc.status, rr.Code, rr.Body.String())
			}
			if tc.code != "" {
				if code := errorCode(t, rr); code != tc.code {
					t.Fatalf("expected %s, got %s", tc.code, code)
				}
				if strings.Contains(rr.Body.String(), "connection refused") {
					t.Fatalf("raw chain error leaked: %s", rr.Body.String())
				}
				return
			}
			syncInfo, _ := decodeBody(t, rr)["sync"].(map[string]any)
			if syncInfo["state"] != "synced" || syncInfo["events"] != tc.events {
				t.Fatalf("unexpected sync info: %v", syncInfo)
			}
		})
	}
}

func TestSyncContractRateLimited(t *testing.T) {
	syncer := &fakeSyncer{res: contractsync.ManualSyncResult{Contract: activeVault(), State: contractsync.SyncStateSynced, Events: contractsync.EventsSkipped}}
	h := New(newFakeStore(), syncer, templates.MustDefault(), Options{
		DefaultChainID: 84532,
		SyncLimiter:    httpx.NewFixedWindowLimiter(2, time.Minute),
	})
	routes := h.Routes()

	codes := []int{}
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPatch, "/contracts/"+vaultAddr+"/sync", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		rr := httptest.NewRecorder()
		routes.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != 429 {
		t.Fatalf("expected 200,200,429 got %v", codes)
	}
	if syncer.calls != 2 {
		t.Fatalf("expected limited request not to reach the syncer, got %d calls", syncer.calls)
	}

	req := httptest.NewRequest(http.MethodPatch, "/contracts/"+vaultAddr+"/sync", nil)
	req.RemoteAddr = "198.51.100.9:5000"
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected other client to be allowed, got %d", rr.Code)
	}
}

func TestMetricsMounted(t *testing.T) {
	h := New(newFakeStore(), &fakeSyncer{}, templates.MustDefault(), Options{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) }),
	})
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != 200 || rr.Body.String() != "ok" {
		t.Fatalf("expected metrics handler, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestGetContractETag(t *testing.T) {
	routes := newHandler(newFakeStore(activeVault()), &fakeSyncer{}).Routes()

	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/contracts/"+vaultAddr, nil))
	etag := rr.Header().Get("ETag")
	if rr.Code != 200 || !strings.HasPrefix(etag, `"sha256:`) {
		t.Fatalf("expected 200 with etag, got %d %q", rr.Code, etag)
	}

	req := httptest.NewRequest(http.MethodGet, "/contracts/"+vaultAddr, nil)
	req.Header.Set("If-None-Match", etag)
	rr = httptest.NewRecorder()
	routes.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotModified || rr.Body.Len() != 0 {
		t.Fatalf("expected 304 with empty body, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestSyncContractRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	syncer := &fakeSyncer{res: contractsync.ManualSyncResult{Contract: activeVault(), State: contractsync.SyncStateSynced, Events: contractsync.EventsSkipped}}
	routes := New(newFakeStore(), syncer, templates.MustDefault(), Options{
		SyncLimiter: httpx.NewFixedWindowLimiter(1, time.Minute),
	}).Routes()

	codes := []int{}
	for _, xff := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		req := httptest.NewRequest(http.MethodPatch, "/contracts/"+vaultAddr+"/sync", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		req.Header.Set("X-Forwarded-For", xff)
		rr := httptest.NewRecorder()
		routes.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != 200 || codes[1] != 429 || codes[2] != 429 {
		t.Fatalf("expected rotating X-Forwarded-For to stay limited, got %v", codes)
	}
}

func TestSyncContractRateLimitTrustsForwardedForBehindProxy(t *testing.T) {
	syncer := &fakeSyncer{res: contractsync.ManualSyncResult{Contract: activeVault(), State: contractsync.SyncStateSynced, Events: contractsync.EventsSkipped}}
	routes := New(newFakeStore(), syncer, templates.MustDefault(), Options{
		SyncLimiter:       httpx.NewFixedWindowLimiter(1, time.Minute),
		TrustForwardedFor: true,
	}).Routes()

	for _, xff := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest(http.MethodPatch, "/contracts/"+vaultAddr+"/sync", nil)
		req.RemoteAddr = "10.0.0.254:443"
		req.Header.Set("X-Forwarded-For", xff)
		rr := httptest.NewRecorder()
		routes.ServeHTTP(rr, req)
		if rr.Code != 200 {
			t.Fatalf("expected distinct forwarded clients allowed, got %d for %s", rr.Code, xff)
		}
	}
}

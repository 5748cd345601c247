// Package api exposes contract registration, lookup and manual sync over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jquan18/Civitas-sub001/pkg/canonhash"
	"github.com/jquan18/Civitas-sub001/pkg/chain"
	"github.com/jquan18/Civitas-sub001/pkg/httpx"
	"github.com/jquan18/Civitas-sub001/pkg/templates"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/contractsync"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/store"
)

type ContractStore interface {
	Create(ctx context.Context, c store.Contract) (store.Contract, error)
	GetByAddress(ctx context.Context, address string) (store.Contract, error)
	ListByCreator(ctx context.Context, creator string) ([]store.Contract, error)
}

type ManualSyncer interface {
	TriggerSync(ctx context.Context, address string) (contractsync.ManualSyncResult, error)
}

type TemplateCatalog interface {
	Lookup(id string) (*templates.Definition, bool)
	List() []*templates.Definition
}

type Options struct {
	DefaultChainID int64
	// SyncLimiter bounds manual sync requests per client IP. Nil disables it.
	SyncLimiter *httpx.FixedWindowLimiter
	// TrustForwardedFor keys the limiter on X-Forwarded-For. Set it only
	// behind a proxy that overwrites that header.
	TrustForwardedFor bool
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Log     *zap.Logger
}

type Handler struct {
	store     ContractStore
	syncer    ManualSyncer
	templates TemplateCatalog
	opts      Options
	log       *zap.Logger
}

func New(st ContractStore, syncer ManualSyncer, catalog TemplateCatalog, opts Options) *Handler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{store: st, syncer: syncer, templates: catalog, opts: opts, log: log}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/templates", h.ListTemplates)
	r.Post("/contracts", h.CreateContract)
	r.Get("/contracts", h.ListContracts)
	r.Get("/contracts/{address}", h.GetContract)
	r.Patch("/contracts/{address}/sync", h.SyncContract)
	if h.opts.Metrics != nil {
		r.Handle("/metrics", h.opts.Metrics)
	}
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.RequestID(r),
		"templates":  h.templates.List(),
	})
}

type createContractRequest struct {
	TemplateID      string          `json:"template_id"`
	ContractAddress string          `json:"contract_address"`
	CreatorAddress  string          `json:"creator_address"`
	Config          json.RawMessage `json:"config"`
	Basename        *string         `json:"basename"`
	ChainID         *int64          `json:"chain_id"`
}

func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	reqID := httpx.RequestID(r)
	var req createContractRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, reqID, 400, "BAD_JSON", "invalid json", nil)
		return
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		httpx.WriteError(w, reqID, 400, "BAD_REQUEST", "template_id is required", nil)
		return
	}
	contractAddr, err := chain.NormalizeAddress(req.ContractAddress)
	if err != nil {
		httpx.WriteError(w, reqID, 400, "BAD_REQUEST", "contract_address: "+err.Error(), nil)
		return
	}
	creatorAddr, err := chain.NormalizeAddress(req.CreatorAddress)
	if err != nil {
		httpx.WriteError(w, reqID, 400, "BAD_REQUEST", "creator_address: "+err.Error(), nil)
		return
	}
	if len(req.Config) > 0 && !isJSONObject(req.Config) {
		httpx.WriteError(w, reqID, 400, "BAD_REQUEST", "config must be a json object", nil)
		return
	}
	chainID := h.opts.DefaultChainID
	if req.ChainID != nil {
		if *req.ChainID <= 0 {
			httpx.WriteError(w, reqID, 400, "BAD_REQUEST", "chain_id must be positive", nil)
			return
		}
		chainID = *req.ChainID
	}
	def, ok := h.templates.Lookup(strings.TrimSpace(req.TemplateID))
	if !ok {
		httpx.WriteError(w, reqID, 422, "UNKNOWN_TEMPLATE", "unknown template_id", map[string]any{"template_id": req.TemplateID})
		return
	}
	var basename *string
	if req.Basename != nil && strings.TrimSpace(*req.Basename) != "" {
		v := strings.TrimSpace(*req.Basename)
		basename = &v
	}

	created, err := h.store.Create(r.Context(), store.Contract{
		ContractAddress: contractAddr,
		TemplateID:      def.ID,
		CreatorAddress:  creatorAddr,
		ChainID:         chainID,
		State:           store.StateActive,
		Config:          req.Config,
		Basename:        basename,
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			httpx.WriteError(w, reqID, 409, "ALREADY_EXISTS", "contract already registered", nil)
			return
		}
		h.log.Error("Failed to create contract", zap.String("contract_address", contractAddr), zap.Error(err))
		httpx.WriteError(w, reqID, 500, "DB_ERROR", "failed to store contract", nil)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{"request_id": reqID, "contract": created})
}

func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	reqID := httpx.RequestID(r)
	creator, err := chain.NormalizeAddress(r.URL.Query().Get("user_address"))
	if err != nil {
		httpx.WriteError(w, reqID, 400, "BAD_REQUEST", "user_address: "+err.Error(), nil)
		return
	}
	contracts, err := h.store.ListByCreator(r.Context(), creator)
	if err != nil {
		h.log.Error("Failed to list contracts", zap.String("user_address", creator), zap.Error(err))
		httpx.WriteError(w, reqID, 500, "DB_ERROR", "failed to list contracts", nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": reqID, "contracts": contracts})
}

func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	reqID := httpx.RequestID(r)
	address, err := chain.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		httpx.WriteError(w, reqID, 400, "BAD_REQUEST", err.Error(), nil)
		return
	}
	c, err := h.store.GetByAddress(r.Context(), address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteError(w, reqID, 404, "NOT_FOUND", "contract not found", nil)
			return
		}
		h.log.Error("Failed to load contract", zap.String("contract_address", address), zap.Error(err))
		httpx.WriteError(w, reqID, 500, "DB_ERROR", "failed to load contract", nil)
		return
	}
	// The tag covers the whole record, so it changes on every sync.
	if digest, err := canonhash.Sum(c); err == nil {
		etag := `"` + digest + `"`
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": reqID, "contract": c})
}

func (h *Handler) SyncContract(w http.ResponseWriter, r *http.Request) {
	reqID := httpx.RequestID(r)
	if !httpx.Limit(w, reqID, h.opts.SyncLimiter, httpx.ClientIP(r, h.opts.TrustForwardedFor)) {
		return
	}
	res, err := h.syncer.TriggerSync(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrInvalidAddress):
			httpx.WriteError(w, reqID, 400, "BAD_REQUEST", err.Error(), nil)
		case errors.Is(err, store.ErrNotFound):
			httpx.WriteError(w, reqID, 404, "NOT_FOUND", "contract not found", nil)
		case errors.Is(err, contractsync.ErrSyncFailed):
			httpx.WriteError(w, reqID, 502, "SYNC_FAILED", contractsync.ErrSyncFailed.Error(), nil)
		default:
			h.log.Error("Manual sync failed", zap.Error(err))
			httpx.WriteError(w, reqID, 500, "INTERNAL", "manual sync failed", nil)
		}
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": reqID,
		"contract":   res.Contract,
		"sync": map[string]any{
			"state":  res.State,
			"events": res.Events,
		},
	})
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]any
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}

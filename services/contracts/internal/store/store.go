package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound      = errors.New("contract not found")
	ErrAlreadyExists = errors.New("contract already exists")
)

const (
	StateActive    = 0
	StateCompleted = 1
)

type Contract struct {
	ContractAddress string          `json:"contract_address"`
	TemplateID      string          `json:"template_id"`
	CreatorAddress  string          `json:"creator_address"`
	ChainID         int64           `json:"chain_id"`
	State           int             `json:"state"`
	Config          json.RawMessage `json:"config"`
	Basename        *string         `json:"basename"`
	OnChainState    map[string]any  `json:"on_chain_state"`
	LastSyncedAt    *time.Time      `json:"last_synced_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Patch is applied to a record in one statement. Nil members are left untouched.
type Patch struct {
	OnChainState map[string]any
	LastSyncedAt *time.Time
	State        *int
}

// Store keeps contract records in Postgres. It expects:
//
//	CREATE TABLE contracts (
//	  contract_address text PRIMARY KEY,
//	  template_id      text NOT NULL,
//	  creator_address  text NOT NULL,
//	  chain_id         bigint NOT NULL,
//	  state            smallint NOT NULL DEFAULT 0,
//	  config           jsonb NOT NULL DEFAULT '{}'::jsonb,
//	  basename         text,
//	  on_chain_state   jsonb,
//	  last_synced_at   timestamptz,
//	  created_at       timestamptz NOT NULL DEFAULT now(),
//	  updated_at       timestamptz NOT NULL DEFAULT now()
//	);
//	CREATE INDEX contracts_creator_idx ON contracts(creator_address);
//	CREATE INDEX contracts_state_idx ON contracts(state);
type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const contractColumns = `contract_address,template_id,creator_address,chain_id,state,config,basename,on_chain_state,last_synced_at,created_at,updated_at`

func (s *Store) Create(ctx context.Context, c Contract) (Contract, error) {
	row := s.DB.QueryRow(ctx, `
INSERT INTO contracts(contract_address,template_id,creator_address,chain_id,state,config,basename)
VALUES($1,$2,$3,$4,$5,$6::jsonb,$7)
RETURNING `+contractColumns,
		c.ContractAddress, c.TemplateID, c.CreatorAddress, c.ChainID, c.State, configJSON(c.Config), c.Basename)
	out, err := scanContract(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Contract{}, ErrAlreadyExists
		}
		return Contract{}, err
	}
	return out, nil
}

func (s *Store) GetByAddress(ctx context.Context, address string) (Contract, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE contract_address=$1`, address)
	out, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, ErrNotFound
	}
	return out, err
}

func (s *Store) ListByCreator(ctx context.Context, creator string) ([]Contract, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+contractColumns+` FROM contracts WHERE creator_address=$1 ORDER BY created_at DESC`, creator)
	if err != nil {
		return nil, err
	}
	return collectContracts(rows)
}

func (s *Store) ListByState(ctx context.Context, state int) ([]Contract, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+contractColumns+` FROM contracts WHERE state=$1 ORDER BY created_at`, state)
	if err != nil {
		return nil, err
	}
	return collectContracts(rows)
}

// Update applies p as a single UPDATE, so readers see either the previous or
// the new snapshot, never a mix. Concurrent updates are last-writer-wins.
func (s *Store) Update(ctx context.Context, address string, p Patch) (Contract, error) {
	snapshot, err := snapshotJSON(p.OnChainState)
	if err != nil {
		return Contract{}, err
	}
	row := s.DB.QueryRow(ctx, `
UPDATE contracts
SET on_chain_state=COALESCE($2::jsonb,on_chain_state),
    last_synced_at=COALESCE($3,last_synced_at),
    state=COALESCE($4,state),
    updated_at=now()
WHERE contract_address=$1
RETURNING `+contractColumns,
		address, snapshot, p.LastSyncedAt, p.State)
	out, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, ErrNotFound
	}
	return out, err
}

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	var cfg, snapshot []byte
	if err := row.Scan(&c.ContractAddress, &c.TemplateID, &c.CreatorAddress, &c.ChainID, &c.State,
		&cfg, &c.Basename, &snapshot, &c.LastSyncedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Contract{}, err
	}
	if err := decodeJSONColumns(&c, cfg, snapshot); err != nil {
		return Contract{}, err
	}
	return c, nil
}

func collectContracts(rows pgx.Rows) ([]Contract, error) {
	defer rows.Close()
	out := []Contract{}
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodeJSONColumns(c *Contract, cfg, snapshot []byte) error {
	if len(cfg) > 0 {
		c.Config = json.RawMessage(cfg)
	}
	if len(snapshot) > 0 && string(snapshot) != "null" {
		if err := json.Unmarshal(snapshot, &c.OnChainState); err != nil {
			return fmt.Errorf("decode on_chain_state for %s: %w", c.ContractAddress, err)
		}
	}
	return nil
}

func configJSON(cfg json.RawMessage) string {
	if len(cfg) == 0 {
		return "{}"
	}
	return string(cfg)
}

// snapshotJSON returns nil (SQL NULL, leaving the column untouched) for a nil
// snapshot. A snapshot whose values are all nil is still written.
func snapshotJSON(snapshot map[string]any) (any, error) {
	if snapshot == nil {
		return nil, nil
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode on_chain_state: %w", err)
	}
	return string(b), nil
}

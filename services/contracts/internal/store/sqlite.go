package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteStore keeps contract records in a local SQLite file for development
// and single-node deployments. Timestamps are stored as fixed-width
// RFC 3339 text in UTC.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer, and an in-memory database
	// only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, c Contract) (Contract, error) {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO contracts(contract_address,template_id,creator_address,chain_id,state,config,basename,created_at,updated_at)
VALUES(?,?,?,?,?,?,?,?,?)`,
		c.ContractAddress, c.TemplateID, c.CreatorAddress, c.ChainID, c.State, configJSON(c.Config), c.Basename, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Contract{}, ErrAlreadyExists
		}
		return Contract{}, err
	}
	return s.GetByAddress(ctx, c.ContractAddress)
}

func (s *SQLiteStore) GetByAddress(ctx context.Context, address string) (Contract, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE contract_address=?`, address)
	out, err := scanSQLiteContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Contract{}, ErrNotFound
	}
	return out, err
}

func (s *SQLiteStore) ListByCreator(ctx context.Context, creator string) ([]Contract, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE creator_address=? ORDER BY created_at DESC`, creator)
	if err != nil {
		return nil, err
	}
	return collectSQLiteContracts(rows)
}

func (s *SQLiteStore) ListByState(ctx context.Context, state int) ([]Contract, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE state=? ORDER BY created_at`, state)
	if err != nil {
		return nil, err
	}
	return collectSQLiteContracts(rows)
}

func (s *SQLiteStore) Update(ctx context.Context, address string, p Patch) (Contract, error) {
	snapshot, err := snapshotJSON(p.OnChainState)
	if err != nil {
		return Contract{}, err
	}
	var syncedAt any
	if p.LastSyncedAt != nil {
		syncedAt = formatTime(*p.LastSyncedAt)
	}
	var state any
	if p.State != nil {
		state = *p.State
	}
	row := s.db.QueryRowContext(ctx, `
UPDATE contracts
SET on_chain_state=COALESCE(?,on_chain_state),
    last_synced_at=COALESCE(?,last_synced_at),
    state=COALESCE(?,state),
    updated_at=?
WHERE contract_address=?
RETURNING `+contractColumns,
		snapshot, syncedAt, state, formatTime(s.now()), address)
	out, err := scanSQLiteContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Contract{}, ErrNotFound
	}
	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteContract(row rowScanner) (Contract, error) {
	var c Contract
	var cfg string
	var basename, snapshot, syncedAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&c.ContractAddress, &c.TemplateID, &c.CreatorAddress, &c.ChainID, &c.State,
		&cfg, &basename, &snapshot, &syncedAt, &createdAt, &updatedAt); err != nil {
		return Contract{}, err
	}
	if basename.Valid {
		v := basename.String
		c.Basename = &v
	}
	if syncedAt.Valid {
		t, err := parseTime(syncedAt.String)
		if err != nil {
			return Contract{}, err
		}
		c.LastSyncedAt = &t
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Contract{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Contract{}, err
	}
	var snap []byte
	if snapshot.Valid {
		snap = []byte(snapshot.String)
	}
	if err := decodeJSONColumns(&c, []byte(cfg), snap); err != nil {
		return Contract{}, err
	}
	return c, nil
}

func collectSQLiteContracts(rows *sql.Rows) ([]Contract, error) {
	defer rows.Close()
	out := []Contract{}
	for rows.Next() {
		c, err := scanSQLiteContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

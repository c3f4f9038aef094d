// Package postgres stores the audit ledger and consents in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PipeOpsHQ/trusted-trading/state"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

// auditLockKey serializes ledger appends so ids are assigned in commit order
// without gaps.
const auditLockKey int64 = 0x7472616465

// signed_result is TEXT, not JSONB: JSONB would reorder keys and break signatures.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id BIGINT PRIMARY KEY,
	agent TEXT NOT NULL,
	action TEXT NOT NULL,
	scope TEXT NOT NULL,
	signed_result TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS consents (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	scope TEXT NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_consents_granted_at ON consents(granted_at DESC);
`

type Store struct {
	DB       *pgxpool.Pool
	ownsPool bool
}

// New wraps an existing pool and makes sure the schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{DB: pool}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Connect opens a pool for dsn.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

func (s *Store) AppendAudit(ctx context.Context, rec types.AuditRecord) (types.AuditRecord, error) {
	if rec.Agent == "" || rec.Action == "" {
		return types.AuditRecord{}, fmt.Errorf("agent and action are required")
	}
	if len(rec.SignedResult) == 0 || !json.Valid(rec.SignedResult) {
		return types.AuditRecord{}, fmt.Errorf("signed_result must be valid JSON")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return types.AuditRecord{}, fmt.Errorf("begin audit append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, auditLockKey); err != nil {
		return types.AuditRecord{}, fmt.Errorf("lock audit ledger: %w", err)
	}
	err = tx.QueryRow(ctx, `
INSERT INTO audit_logs(id, agent, action, scope, signed_result, created_at)
SELECT COALESCE(MAX(id), 0) + 1, $1, $2, $3, $4, $5 FROM audit_logs
RETURNING id`,
		rec.Agent, rec.Action, rec.Scope, string(rec.SignedResult), rec.CreatedAt.UTC()).Scan(&rec.ID)
	if err != nil {
		return types.AuditRecord{}, fmt.Errorf("failed to append audit record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return types.AuditRecord{}, fmt.Errorf("commit audit append: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func (s *Store) RecentAudit(ctx context.Context, limit int) ([]types.AuditRecord, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id, agent, action, scope, signed_result, created_at
FROM audit_logs
ORDER BY id DESC
LIMIT $1`, state.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query recent audit records: %w", err)
	}
	return collectAudit(rows)
}

func (s *Store) MaxAuditID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.DB.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM audit_logs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to query max audit id: %w", err)
	}
	return id, nil
}

func (s *Store) AuditAfter(ctx context.Context, afterID int64, limit int) ([]types.AuditRecord, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id, agent, action, scope, signed_result, created_at
FROM audit_logs
WHERE id > $1
ORDER BY id ASC
LIMIT $2`, afterID, state.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	return collectAudit(rows)
}

func collectAudit(rows pgx.Rows) ([]types.AuditRecord, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.AuditRecord, error) {
		var (
			rec    types.AuditRecord
			signed string
		)
		if err := row.Scan(&rec.ID, &rec.Agent, &rec.Action, &rec.Scope, &signed, &rec.CreatedAt); err != nil {
			return types.AuditRecord{}, err
		}
		rec.SignedResult = json.RawMessage(signed)
		rec.CreatedAt = rec.CreatedAt.UTC()
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit records: %w", err)
	}
	if out == nil {
		out = []types.AuditRecord{}
	}
	return out, nil
}

func (s *Store) SaveConsent(ctx context.Context, c types.Consent) error {
	if c.ID == "" || c.UserID == "" {
		return fmt.Errorf("consent id and user_id are required")
	}
	if c.GrantedAt.IsZero() {
		c.GrantedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(ctx, `INSERT INTO consents(id, user_id, scope, granted_at) VALUES($1, $2, $3, $4)`,
		c.ID, c.UserID, c.Scope, c.GrantedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("consent %s: %w", c.ID, state.ErrConflict)
		}
		return fmt.Errorf("failed to save consent: %w", err)
	}
	return nil
}

func (s *Store) LoadConsent(ctx context.Context, id string) (types.Consent, error) {
	var c types.Consent
	err := s.DB.QueryRow(ctx, `SELECT id, user_id, scope, granted_at FROM consents WHERE id = $1`, id).
		Scan(&c.ID, &c.UserID, &c.Scope, &c.GrantedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Consent{}, state.ErrNotFound
		}
		return types.Consent{}, fmt.Errorf("failed to load consent: %w", err)
	}
	c.GrantedAt = c.GrantedAt.UTC()
	return c, nil
}

func (s *Store) ListConsents(ctx context.Context, limit int) ([]types.Consent, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id, user_id, scope, granted_at
FROM consents
ORDER BY granted_at DESC, id DESC
LIMIT $1`, state.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Consent, error) {
		var c types.Consent
		err := row.Scan(&c.ID, &c.UserID, &c.Scope, &c.GrantedAt)
		c.GrantedAt = c.GrantedAt.UTC()
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan consents: %w", err)
	}
	if out == nil {
		out = []types.Consent{}
	}
	return out, nil
}

// Close releases the pool when the store opened it.
func (s *Store) Close() error {
	if s != nil && s.ownsPool && s.DB != nil {
		s.DB.Close()
	}
	return nil
}

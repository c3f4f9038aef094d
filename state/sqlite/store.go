package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/trusted-trading/state"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

//go:embed schema.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

// timeLayout is fixed width so text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
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

	const q = `INSERT INTO audit_logs(agent, action, scope, signed_result, created_at) VALUES(?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		rec.Agent, rec.Action, rec.Scope, string(rec.SignedResult), rec.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return types.AuditRecord{}, fmt.Errorf("failed to append audit record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.AuditRecord{}, fmt.Errorf("failed to read audit id: %w", err)
	}
	rec.ID = id
	return rec, nil
}

func (s *Store) RecentAudit(ctx context.Context, limit int) ([]types.AuditRecord, error) {
	const q = `
SELECT id, agent, action, scope, signed_result, created_at
FROM audit_logs
ORDER BY id DESC
LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, state.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query recent audit records: %w", err)
	}
	defer rows.Close()
	return scanAudit(rows)
}

func (s *Store) MaxAuditID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM audit_logs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to query max audit id: %w", err)
	}
	return id, nil
}

func (s *Store) AuditAfter(ctx context.Context, afterID int64, limit int) ([]types.AuditRecord, error) {
	const q = `
SELECT id, agent, action, scope, signed_result, created_at
FROM audit_logs
WHERE id > ?
ORDER BY id ASC
LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, afterID, state.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()
	return scanAudit(rows)
}

func scanAudit(rows *sql.Rows) ([]types.AuditRecord, error) {
	out := make([]types.AuditRecord, 0)
	for rows.Next() {
		var (
			rec       types.AuditRecord
			signed    string
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Agent, &rec.Action, &rec.Scope, &signed, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.SignedResult = json.RawMessage(signed)
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
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
	const q = `INSERT INTO consents(id, user_id, scope, granted_at) VALUES(?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, c.ID, c.UserID, c.Scope, c.GrantedAt.UTC().Format(timeLayout)); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("consent %s: %w", c.ID, state.ErrConflict)
		}
		return fmt.Errorf("failed to save consent: %w", err)
	}
	return nil
}

func (s *Store) LoadConsent(ctx context.Context, id string) (types.Consent, error) {
	const q = `SELECT id, user_id, scope, granted_at FROM consents WHERE id = ?`
	var (
		c         types.Consent
		grantedAt string
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&c.ID, &c.UserID, &c.Scope, &grantedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Consent{}, state.ErrNotFound
		}
		return types.Consent{}, fmt.Errorf("failed to load consent: %w", err)
	}
	c.GrantedAt = parseTime(grantedAt)
	return c, nil
}

func (s *Store) ListConsents(ctx context.Context, limit int) ([]types.Consent, error) {
	const q = `
SELECT id, user_id, scope, granted_at
FROM consents
ORDER BY granted_at DESC, rowid DESC
LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, state.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	defer rows.Close()

	out := make([]types.Consent, 0)
	for rows.Next() {
		var (
			c         types.Consent
			grantedAt string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Scope, &grantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan consent: %w", err)
		}
		c.GrantedAt = parseTime(grantedAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate consents: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

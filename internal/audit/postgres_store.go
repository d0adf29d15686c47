package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/secmon/internal/metrics"
	"github.com/mbd888/secmon/internal/storage"
)

// appendLockKey is the pg_advisory_xact_lock key that serializes appends
// across every process sharing the database.
const appendLockKey int64 = 0x5ec_a0d17

// PostgresStore persists the chain in the audit_log table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, user_id, action, resource_type, resource_id, details,
	ip_address, user_agent, event_type, resource, logged_at,
	previous_hash, current_hash`

func (s *PostgresStore) Append(ctx context.Context, e *Entry, seal SealFunc) (*Entry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, s.fail("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return nil, false, s.fail("lock", err)
	}

	if e.IdempotencyKey != "" {
		existing, err := scanEntry(tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM audit_log WHERE idempotency_key = $1`, e.IdempotencyKey))
		switch {
		case err == nil:
			return existing, false, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, false, s.fail("replay", err)
		}
	}

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT current_hash FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, s.fail("tail", err)
	}

	seal(e, prev)

	key := sql.NullString{String: e.IdempotencyKey, Valid: e.IdempotencyKey != ""}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_log (
			user_id, action, resource_type, resource_id, details,
			ip_address, user_agent, event_type, resource, logged_at,
			previous_hash, current_hash, idempotency_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`,
		e.UserID, e.Action, e.ResourceType, e.ResourceID, e.Details,
		e.IPAddress, e.UserAgent, e.EventType, e.Resource, e.Timestamp.UTC(),
		e.PreviousHash, e.CurrentHash, key,
	).Scan(&e.ID)
	if err != nil {
		return nil, false, s.fail("insert", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, s.fail("commit", err)
	}
	out := *e
	return &out, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_log WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, s.fail("get", err)
	}
	return e, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Entry, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.AfterID > 0 {
		add("id > $%d", f.AfterID)
	}
	if f.BeforeID > 0 {
		add("id < $%d", f.BeforeID)
	}

	stmt := `SELECT ` + entryColumns + ` FROM audit_log`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	if f.Descending {
		stmt += ` ORDER BY id DESC`
	} else {
		stmt += ` ORDER BY id ASC`
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		stmt += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, s.fail("list", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, s.fail("scan", err)
		}
		result = append(result, e)
	}
	return result, s.fail("list", rows.Err())
}

func (s *PostgresStore) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	return metrics.StoreError("audit", op, storage.Wrap("audit "+op, err))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	if err := row.Scan(
		&e.ID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID, &e.Details,
		&e.IPAddress, &e.UserAgent, &e.EventType, &e.Resource, &e.Timestamp,
		&e.PreviousHash, &e.CurrentHash,
	); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

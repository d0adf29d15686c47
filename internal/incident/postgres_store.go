package incident

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/secmon/internal/metrics"
	"github.com/mbd888/secmon/internal/storage"
)

// PostgresStore persists incidents in security_incidents.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed incident store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const incidentColumns = `id, user_id, type, severity, status, details,
	created_at, resolved_at, resolution`

func (s *PostgresStore) Create(ctx context.Context, in *Incident) error {
	details, err := json.Marshal(in.Details)
	if err != nil {
		return fmt.Errorf("incident: encode details: %w", err)
	}
	if in.Details == nil {
		details = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_incidents (id, user_id, type, severity, status, details, created_at, resolution)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		in.ID, nullString(in.UserID), in.Type, string(in.Severity), string(in.Status),
		string(details), in.CreatedAt.UTC(), in.Resolution,
	)
	return fail("incidents", "create", err)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Incident, error) {
	in, err := scanIncident(s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM security_incidents WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, fail("incidents", "get", err)
	}
	return in, nil
}

func (s *PostgresStore) Resolve(ctx context.Context, id, resolution string, at time.Time) (*Incident, error) {
	in, err := scanIncident(s.db.QueryRowContext(ctx, `
		UPDATE security_incidents
		SET status = 'resolved', resolution = $2, resolved_at = $3
		WHERE id = $1 AND status = 'open'
		RETURNING `+incidentColumns,
		id, resolution, at.UTC(),
	))
	if err == nil {
		return in, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fail("incidents", "resolve", err)
	}

	// Nothing updated: tell "missing" from "already resolved".
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrAlreadyResolved
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Incident, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}

	stmt := `SELECT ` + incidentColumns + ` FROM security_incidents`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		stmt += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fail("incidents", "list", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Incident, 0)
	for rows.Next() {
		in, err := scanIncident(rows)
		if err != nil {
			return nil, fail("incidents", "scan", err)
		}
		result = append(result, in)
	}
	return result, fail("incidents", "list", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(row scanner) (*Incident, error) {
	var (
		in         Incident
		userID     sql.NullString
		severity   string
		status     string
		details    []byte
		resolvedAt sql.NullTime
	)
	if err := row.Scan(
		&in.ID, &userID, &in.Type, &severity, &status, &details,
		&in.CreatedAt, &resolvedAt, &in.Resolution,
	); err != nil {
		return nil, err
	}
	in.UserID = userID.String
	in.Severity = Severity(severity)
	in.Status = Status(status)
	in.CreatedAt = in.CreatedAt.UTC()
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		in.ResolvedAt = &t
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &in.Details); err != nil {
			return nil, fmt.Errorf("incident: decode details: %w", err)
		}
		if len(in.Details) == 0 {
			in.Details = nil
		}
	}
	return &in, nil
}

// PostgresLockoutStore persists lockouts in account_lockouts.
type PostgresLockoutStore struct {
	db *sql.DB
}

// NewPostgresLockoutStore creates a PostgreSQL-backed lockout store.
func NewPostgresLockoutStore(db *sql.DB) *PostgresLockoutStore {
	return &PostgresLockoutStore{db: db}
}

func (s *PostgresLockoutStore) Acquire(ctx context.Context, l *Lockout, now time.Time) (bool, error) {
	// Replaces an expired row, leaves an active one alone.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO account_lockouts (user_id, unlock_at, reason, automatic, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			unlock_at  = EXCLUDED.unlock_at,
			reason     = EXCLUDED.reason,
			automatic  = EXCLUDED.automatic,
			created_at = EXCLUDED.created_at
		WHERE account_lockouts.unlock_at <= $6
	`, l.UserID, l.UnlockAt.UTC(), l.Reason, l.Automatic, l.CreatedAt.UTC(), now.UTC())
	if err != nil {
		return false, fail("lockouts", "acquire", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail("lockouts", "acquire", err)
	}
	return n == 1, nil
}

func (s *PostgresLockoutStore) Put(ctx context.Context, l *Lockout, _ time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_lockouts (user_id, unlock_at, reason, automatic, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			unlock_at  = EXCLUDED.unlock_at,
			reason     = EXCLUDED.reason,
			automatic  = EXCLUDED.automatic,
			created_at = EXCLUDED.created_at
	`, l.UserID, l.UnlockAt.UTC(), l.Reason, l.Automatic, l.CreatedAt.UTC())
	return fail("lockouts", "put", err)
}

func (s *PostgresLockoutStore) Get(ctx context.Context, userID string) (*Lockout, error) {
	var l Lockout
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, unlock_at, reason, automatic, created_at
		FROM account_lockouts WHERE user_id = $1
	`, userID).Scan(&l.UserID, &l.UnlockAt, &l.Reason, &l.Automatic, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail("lockouts", "get", err)
	}
	l.UnlockAt = l.UnlockAt.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	return &l, nil
}

func (s *PostgresLockoutStore) Delete(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM account_lockouts WHERE user_id = $1`, userID)
	if err != nil {
		return false, fail("lockouts", "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail("lockouts", "delete", err)
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fail(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return metrics.StoreError(store, op, storage.Wrap(store+" "+op, err))
}

// Compile-time assertions that the PostgreSQL stores implement the interfaces.
var (
	_ IncidentStore = (*PostgresStore)(nil)
	_ LockoutStore  = (*PostgresLockoutStore)(nil)
)

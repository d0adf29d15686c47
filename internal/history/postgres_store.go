package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/secmon/internal/metrics"
	"github.com/mbd888/secmon/internal/storage"
)

// PostgresStore persists history records in the security_history table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed history store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, kind, user_id, location, risk_score, occurred_at,
	ip_address, device_fingerprint, success,
	transaction_id, amount, category, flags`

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO security_history (
			kind, user_id, location, risk_score, occurred_at,
			ip_address, device_fingerprint, success,
			transaction_id, amount, category, flags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`,
		string(rec.Kind), rec.UserID, rec.Location, rec.RiskScore, rec.Timestamp.UTC(),
		rec.IPAddress, rec.DeviceFingerprint, rec.Success,
		rec.TransactionID, rec.Amount, rec.Category, rec.Flags,
	).Scan(&rec.ID)
	return s.fail("append", err)
}

func (s *PostgresStore) Query(ctx context.Context, q Query) ([]*Record, error) {
	where, args := q.sql()
	order := "ASC"
	if q.Newest {
		order = "DESC"
	}
	stmt := `SELECT ` + recordColumns + ` FROM security_history WHERE ` + where +
		` ORDER BY occurred_at ` + order + `, id ` + order
	if q.Limit > 0 {
		args = append(args, q.Limit)
		stmt += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, s.fail("query", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, s.fail("scan", err)
		}
		result = append(result, r)
	}
	return result, s.fail("query", rows.Err())
}

func (s *PostgresStore) Count(ctx context.Context, q Query) (int, error) {
	where, args := q.sql()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM security_history WHERE `+where, args...).Scan(&n)
	if err != nil {
		return 0, s.fail("count", err)
	}
	return n, nil
}

func (s *PostgresStore) Latest(ctx context.Context, userID string, kind Kind, outcome Outcome) (*Record, error) {
	recs, err := s.Query(ctx, Query{UserID: userID, Kind: kind, Outcome: outcome, Newest: true, Limit: 1})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM security_history WHERE id = $1`, id)
	if err != nil {
		return s.fail("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.fail("delete", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *PostgresStore) fail(op string, err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return metrics.StoreError("history", op, storage.Wrap("history "+op, err))
}

// sql renders the WHERE clause of q with positional arguments.
func (q Query) sql() (string, []any) {
	clauses := []string{"user_id = $1"}
	args := []any{q.UserID}
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if q.Kind != "" {
		add("kind = $%d", string(q.Kind))
	}
	switch q.Outcome {
	case OutcomeSuccess:
		add("success = $%d", true)
	case OutcomeFailure:
		add("success = $%d", false)
	}
	if !q.After.IsZero() {
		add("occurred_at > $%d", q.After.UTC())
	}
	if !q.Until.IsZero() {
		add("occurred_at <= $%d", q.Until.UTC())
	}
	return strings.Join(clauses, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var kind string
	if err := row.Scan(
		&r.ID, &kind, &r.UserID, &r.Location, &r.RiskScore, &r.Timestamp,
		&r.IPAddress, &r.DeviceFingerprint, &r.Success,
		&r.TransactionID, &r.Amount, &r.Category, &r.Flags,
	); err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	r.Timestamp = r.Timestamp.UTC()
	return &r, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

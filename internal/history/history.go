// Package history stores the per-user event records the risk scorer reads
// its windows from: one record per evaluated login attempt and one per
// evaluated transaction.
package history

import (
	"context"
	"errors"
	"time"
)

// Kind distinguishes login attempts from transaction evaluations.
type Kind string

const (
	KindLogin       Kind = "login"
	KindTransaction Kind = "transaction"
)

// Outcome filters login records by their success flag.
type Outcome int

const (
	OutcomeAny Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// ErrRecordNotFound is returned by Delete for an unknown id.
var ErrRecordNotFound = errors.New("history: record not found")

// Record is one evaluated event. Login fields and transaction fields share
// the struct; the unused half is zero.
type Record struct {
	ID        int64     `json:"id"`
	Kind      Kind      `json:"kind"`
	UserID    string    `json:"userId"`
	Location  string    `json:"location,omitempty"`
	RiskScore float64   `json:"riskScore"`
	Timestamp time.Time `json:"timestamp"`

	// Login attempts
	IPAddress         string `json:"ipAddress,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
	Success           bool   `json:"success"`

	// Transaction evaluations
	TransactionID string  `json:"transactionId,omitempty"`
	Amount        float64 `json:"amount,omitempty"`
	Category      string  `json:"category,omitempty"`
	Flags         string  `json:"flags,omitempty"`
}

// Query selects records of one user. The time window is half-open:
// After < Timestamp <= Until. Zero bounds are unbounded.
type Query struct {
	UserID  string
	Kind    Kind
	Outcome Outcome
	After   time.Time
	Until   time.Time
	// Newest orders by descending time; otherwise ascending.
	Newest bool
	// Limit caps the result; 0 means no limit.
	Limit int
}

// Window returns a query for the records in the d preceding at.
func Window(userID string, kind Kind, at time.Time, d time.Duration) Query {
	return Query{UserID: userID, Kind: kind, After: at.Add(-d), Until: at}
}

// Store persists history records. Implementations order results by
// (Timestamp, ID) and assign IDs in increasing insertion order.
type Store interface {
	// Append assigns rec.ID and stores a copy.
	Append(ctx context.Context, rec *Record) error
	Query(ctx context.Context, q Query) ([]*Record, error)
	// Count returns how many records match q, ignoring q.Limit.
	Count(ctx context.Context, q Query) (int, error)
	// Latest returns the newest matching record or nil when there is none.
	Latest(ctx context.Context, userID string, kind Kind, outcome Outcome) (*Record, error)
	Delete(ctx context.Context, id int64) error
}

func (q Query) matches(r *Record) bool {
	if r.UserID != q.UserID {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	switch q.Outcome {
	case OutcomeSuccess:
		if !r.Success {
			return false
		}
	case OutcomeFailure:
		if r.Success {
			return false
		}
	}
	if !q.After.IsZero() && !r.Timestamp.After(q.After) {
		return false
	}
	if !q.Until.IsZero() && r.Timestamp.After(q.Until) {
		return false
	}
	return true
}

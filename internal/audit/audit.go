// Package audit keeps the append-only, hash-chained audit log.
//
// Each entry stores the hash of its predecessor and a SHA-256 over its own
// canonical content, so editing, removing or reordering entries is detected
// by VerifyIntegrity. Appends are serialized by the store, never by callers.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrChainCorrupted is returned by IntegrityReport.Err for a chain that
	// failed verification.
	ErrChainCorrupted = errors.New("audit: chain corrupted")

	// ErrEntryNotFound is returned by Get for an unknown id.
	ErrEntryNotFound = errors.New("audit: entry not found")
)

// Entry is one immutable audit record.
type Entry struct {
	ID           int64  `json:"id"`
	UserID       string `json:"userId"`
	Action       string `json:"action"`
	ResourceType string `json:"resourceType,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`
	// Details is canonical JSON text, or "" when there were no details.
	Details      string    `json:"details,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previousHash"`
	CurrentHash  string    `json:"currentHash"`
	EventType    string    `json:"eventType,omitempty"`
	Resource     string    `json:"resource,omitempty"`

	IdempotencyKey string `json:"-"`
}

// Action describes one privileged action to record.
type Action struct {
	UserID       string `json:"userId" validate:"max=255"`
	Action       string `json:"action" validate:"required,max=100"`
	ResourceType string `json:"resourceType" validate:"max=100"`
	ResourceID   string `json:"resourceId" validate:"max=255"`
	// Details is any JSON-serializable value. json.RawMessage is accepted
	// as-is after canonicalization.
	Details   any    `json:"details"`
	IPAddress string `json:"ipAddress" validate:"omitempty,ip"`
	UserAgent string `json:"userAgent" validate:"max=1000"`
	EventType string `json:"eventType" validate:"max=50"`
	Resource  string `json:"resource" validate:"max=255"`
	// IdempotencyKey makes retried appends land once. One is generated
	// when empty.
	IdempotencyKey string `json:"idempotencyKey" validate:"max=64"`
}

// SealFunc completes an entry inside the store's append critical section,
// given the current tail hash ("" for an empty chain).
type SealFunc func(e *Entry, previousHash string)

// ListFilter selects entries in id order.
type ListFilter struct {
	UserID string
	Action string
	// AfterID and BeforeID are exclusive bounds; zero means unbounded.
	AfterID  int64
	BeforeID int64
	// Descending returns the newest entries first.
	Descending bool
	Limit      int
}

// Store persists the chain.
type Store interface {
	// Append reads the tail hash, calls seal and stores the entry as one
	// atomic step. When e.IdempotencyKey matches a stored entry, that entry
	// is returned with created == false and nothing is written.
	Append(ctx context.Context, e *Entry, seal SealFunc) (stored *Entry, created bool, err error)
	Get(ctx context.Context, id int64) (*Entry, error)
	List(ctx context.Context, f ListFilter) ([]*Entry, error)
}

// AnchorPolicy decides which hash verification expects next after an
// entry fails its checks.
type AnchorPolicy string

const (
	// AnchorLastGood keeps expecting the hash of the last entry that passed
	// both checks, so every entry after a break is reported too.
	AnchorLastGood AnchorPolicy = "last_good"
	// AnchorStoredHash always continues from the stored hash of the entry
	// just checked, which localizes each reported break.
	AnchorStoredHash AnchorPolicy = "stored_hash"
)

// ParseAnchorPolicy validates s.
func ParseAnchorPolicy(s string) (AnchorPolicy, error) {
	switch p := AnchorPolicy(s); p {
	case AnchorLastGood, AnchorStoredHash:
		return p, nil
	case "":
		return AnchorLastGood, nil
	default:
		return "", fmt.Errorf("audit: unknown anchor policy %q", s)
	}
}

// IntegrityReport is the outcome of one verification pass.
type IntegrityReport struct {
	Intact bool `json:"intact"`
	// Checked counts the entries in scope.
	Checked int `json:"checked"`
	// BrokenIDs lists, ascending, every in-scope entry with a link break or
	// a hash mismatch.
	BrokenIDs      []int64      `json:"brokenIds"`
	LinkBreaks     []int64      `json:"linkBreaks"`
	HashMismatches []int64      `json:"hashMismatches"`
	FirstBreakID   int64        `json:"firstBreakId,omitempty"`
	UserID         string       `json:"userId,omitempty"`
	Policy         AnchorPolicy `json:"policy"`
}

// Err returns nil for an intact chain and an error wrapping
// ErrChainCorrupted otherwise.
func (r *IntegrityReport) Err() error {
	if r.Intact {
		return nil
	}
	return fmt.Errorf("%w: %d broken entries, first at id %d", ErrChainCorrupted, len(r.BrokenIDs), r.FirstBreakID)
}

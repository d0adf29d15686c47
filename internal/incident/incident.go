// Package incident drives account lockouts and security incidents from risk
// outcomes.
//
// An account is either unlocked or LOCKED. Lockouts are created by repeated
// failed logins, by a reported compromise, or by an administrator, and end
// when an administrator unlocks the account or when IsAccountLocked observes
// that unlock_at has passed. Nothing sweeps expired lockouts in the
// background.
package incident

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrIncidentNotFound is returned for an unknown incident id.
	ErrIncidentNotFound = errors.New("incident: not found")
	// ErrAlreadyResolved is returned when resolving a resolved incident.
	ErrAlreadyResolved = errors.New("incident: already resolved")
	// ErrNoLockout is returned by UnlockAccount when the account is not locked.
	ErrNoLockout = errors.New("incident: account not locked")
)

// Severity ranks an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status of an incident.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Incident types opened by the Responder.
const (
	TypeLoginLockout          = "login_lockout"
	TypeTransactionQuarantine = "transaction_quarantine"
	TypeAccountCompromise     = "account_compromise"
)

// Lockout reasons.
const (
	ReasonFailedLogins      = "failed_login_attempts"
	ReasonAccountCompromise = "account_compromise"
	ReasonManual            = "manual"
)

// Incident is a security-relevant event that may need human review.
type Incident struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId,omitempty"`
	Type       string         `json:"type"`
	Severity   Severity       `json:"severity"`
	Status     Status         `json:"status"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
	Resolution string         `json:"resolution,omitempty"`
}

// NewIncident is the input to CreateIncident. UserID may be empty for
// incidents that concern no single account.
type NewIncident struct {
	UserID   string         `json:"userId" validate:"max=255"`
	Type     string         `json:"type" validate:"required,max=50"`
	Severity Severity       `json:"severity" validate:"required,oneof=low medium high critical"`
	Details  map[string]any `json:"details"`
}

// Filter selects incidents, newest first. Empty fields match everything.
type Filter struct {
	Status   Status   `form:"status" validate:"omitempty,oneof=open resolved"`
	Severity Severity `form:"severity" validate:"omitempty,oneof=low medium high critical"`
	UserID   string   `form:"user_id" validate:"max=255"`
	Limit    int      `form:"limit" validate:"gte=0,lte=1000"`
}

func (f Filter) matches(in *Incident) bool {
	if f.Status != "" && in.Status != f.Status {
		return false
	}
	if f.Severity != "" && in.Severity != f.Severity {
		return false
	}
	if f.UserID != "" && in.UserID != f.UserID {
		return false
	}
	return true
}

// Lockout denies authentication for UserID until UnlockAt.
type Lockout struct {
	UserID    string    `json:"userId"`
	UnlockAt  time.Time `json:"unlockAt"`
	Reason    string    `json:"reason"`
	Automatic bool      `json:"automatic"`
	CreatedAt time.Time `json:"createdAt"`
}

// Active reports whether the lockout still applies at now.
func (l *Lockout) Active(now time.Time) bool {
	return l != nil && now.Before(l.UnlockAt)
}

// IncidentStore persists incidents.
type IncidentStore interface {
	Create(ctx context.Context, in *Incident) error
	Get(ctx context.Context, id string) (*Incident, error)
	// Resolve closes an open incident. It returns ErrIncidentNotFound or
	// ErrAlreadyResolved without changing anything.
	Resolve(ctx context.Context, id, resolution string, at time.Time) (*Incident, error)
	List(ctx context.Context, f Filter) ([]*Incident, error)
}

// LockoutStore persists at most one lockout per user.
type LockoutStore interface {
	// Acquire stores l unless the user has a lockout still active at now.
	Acquire(ctx context.Context, l *Lockout, now time.Time) (created bool, err error)
	// Put stores l, replacing any existing lockout.
	Put(ctx context.Context, l *Lockout, now time.Time) error
	// Get returns the stored lockout, expired or not, or nil.
	Get(ctx context.Context, userID string) (*Lockout, error)
	// Delete removes the user's lockout and reports whether one existed.
	Delete(ctx context.Context, userID string) (bool, error)
}

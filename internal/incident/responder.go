package incident

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/secmon/internal/audit"
	"github.com/mbd888/secmon/internal/idgen"
	"github.com/mbd888/secmon/internal/syncutil"
	"github.com/mbd888/secmon/internal/validation"
)

// Audit events written for lockout and incident changes.
const (
	EventAccountLocked       = "account_locked"
	EventAccountUnlocked     = "account_unlocked"
	EventAccountRestricted   = "account_restricted"
	EventCompromiseSuspected = "account_compromise_suspected"
	EventIncidentOpened      = "incident_opened"
	EventIncidentResolved    = "incident_resolved"
)

// AuditRecorder writes security events to the audit log. *audit.Chain
// satisfies it.
type AuditRecorder interface {
	LogSecurityEvent(ctx context.Context, userID, event string, details any) (*audit.Entry, error)
}

// LockoutDecision is the outcome of HandleFailedLogin.
type LockoutDecision struct {
	Locked bool `json:"locked"`
	// AlreadyLocked is set when an active lockout existed before this call;
	// no new lockout or incident was created.
	AlreadyLocked bool      `json:"alreadyLocked,omitempty"`
	Lockout       *Lockout  `json:"lockout,omitempty"`
	Incident      *Incident `json:"incident,omitempty"`
}

// TransactionDecision is the outcome of HandleHighRiskTransaction. Step-up
// is a signal for the caller; nothing here enforces it.
type TransactionDecision struct {
	StepUpRequired bool      `json:"stepUpRequired"`
	Quarantined    bool      `json:"quarantined"`
	Incident       *Incident `json:"incident,omitempty"`
}

// CompromiseDecision is the outcome of HandleAccountCompromise.
type CompromiseDecision struct {
	RevokeSessions        bool      `json:"revokeSessions"`
	ForceReauthentication bool      `json:"forceReauthentication"`
	Restricted            bool      `json:"restricted"`
	Lockout               *Lockout  `json:"lockout,omitempty"`
	Incident              *Incident `json:"incident,omitempty"`
}

// Responder turns risk outcomes into lockouts and incidents.
type Responder struct {
	incidents IncidentStore
	lockouts  LockoutStore
	cfg       Config
	audit     AuditRecorder
	locks     *syncutil.KeyedMutex
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Responder.
type Option func(*Responder)

// WithLogger sets the responder's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) { r.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Responder) { r.now = now }
}

// WithAuditRecorder records every lockout and incident change.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(r *Responder) { r.audit = a }
}

// NewResponder creates a Responder.
func NewResponder(incidents IncidentStore, lockouts LockoutStore, cfg Config, opts ...Option) *Responder {
	r := &Responder{
		incidents: incidents,
		lockouts:  lockouts,
		cfg:       cfg,
		locks:     syncutil.NewKeyedMutex(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the responder's thresholds.
func (r *Responder) Config() Config { return r.cfg }

func requireUser(userID string) error {
	if errs := validation.Validate(
		validation.Required("user_id", userID),
		validation.MaxLength("user_id", userID, 255),
	); len(errs) > 0 {
		return errs
	}
	return nil
}

// HandleFailedLogin locks the account once attemptCount reaches the
// lockout threshold. The lockout runs from at (now when zero) and comes
// with a high-severity login_lockout incident. An account that is already
// locked is reported as such and left unchanged.
func (r *Responder) HandleFailedLogin(ctx context.Context, userID, ip string, attemptCount int, at time.Time) (*LockoutDecision, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if attemptCount < r.cfg.LockoutThreshold {
		return &LockoutDecision{}, nil
	}
	if at.IsZero() {
		at = r.now()
	}
	at = at.UTC()

	unlock, err := r.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := r.activeLockout(ctx, userID, at)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &LockoutDecision{Locked: true, AlreadyLocked: true, Lockout: existing}, nil
	}

	l := &Lockout{
		UserID:    userID,
		UnlockAt:  at.Add(r.cfg.LockoutDuration),
		Reason:    ReasonFailedLogins,
		Automatic: true,
		CreatedAt: at,
	}
	created, err := r.lockouts.Acquire(ctx, l, at)
	if err != nil {
		return nil, err
	}
	if !created {
		// Another instance locked the account first.
		current, err := r.lockouts.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &LockoutDecision{Locked: true, AlreadyLocked: true, Lockout: current}, nil
	}
	lockoutsTotal.WithLabelValues(l.Reason).Inc()
	r.logger.Warn("incident: account locked",
		"user_id", userID, "ip", ip, "attempts", attemptCount, "unlock_at", l.UnlockAt)
	r.record(ctx, userID, EventAccountLocked, map[string]any{
		"reason":    l.Reason,
		"unlock_at": l.UnlockAt,
		"attempts":  attemptCount,
		"ip":        ip,
	})

	in, err := r.open(ctx, NewIncident{
		UserID:   userID,
		Type:     TypeLoginLockout,
		Severity: SeverityHigh,
		Details: map[string]any{
			"ip_address":     ip,
			"attempt_count":  attemptCount,
			"unlock_at":      l.UnlockAt.Format(time.RFC3339),
			"lockout_reason": l.Reason,
		},
	}, at)
	if err != nil {
		// The lockout stands even without its incident.
		return &LockoutDecision{Locked: true, Lockout: l}, err
	}
	return &LockoutDecision{Locked: true, Lockout: l, Incident: in}, nil
}

// HandleHighRiskTransaction decides step-up and quarantine for a scored
// transaction. A quarantine opens a medium-severity incident.
func (r *Responder) HandleHighRiskTransaction(ctx context.Context, userID, txID string, amount, score float64) (*TransactionDecision, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	d := &TransactionDecision{
		StepUpRequired: amount > r.cfg.StepUpAmount,
		Quarantined:    score > r.cfg.QuarantineScore,
	}
	if !d.Quarantined {
		return d, nil
	}

	r.logger.Warn("incident: transaction quarantined",
		"user_id", userID, "transaction_id", txID, "amount", amount, "score", score)
	in, err := r.open(ctx, NewIncident{
		UserID:   userID,
		Type:     TypeTransactionQuarantine,
		Severity: SeverityMedium,
		Details: map[string]any{
			"transaction_id": txID,
			"amount":         amount,
			"risk_score":     score,
		},
	}, r.now())
	if err != nil {
		return d, err
	}
	d.Incident = in
	return d, nil
}

// HandleAccountCompromise always asks the caller to revoke sessions and
// force re-authentication. With more than CompromiseIndicatorMax indicators
// the account is also restricted and a critical incident opened; the
// restriction replaces any shorter lockout.
func (r *Responder) HandleAccountCompromise(ctx context.Context, userID string, indicators []string) (*CompromiseDecision, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	d := &CompromiseDecision{RevokeSessions: true, ForceReauthentication: true}
	r.record(ctx, userID, EventCompromiseSuspected, map[string]any{"indicators": indicators})
	if len(indicators) <= r.cfg.CompromiseIndicatorMax {
		return d, nil
	}

	unlock, err := r.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := r.now().UTC()
	l := &Lockout{
		UserID:    userID,
		UnlockAt:  now.Add(r.cfg.CompromiseRestrictFor),
		Reason:    ReasonAccountCompromise,
		Automatic: true,
		CreatedAt: now,
	}
	existing, err := r.activeLockout(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.UnlockAt.After(l.UnlockAt) {
		l = existing
	} else {
		if err := r.lockouts.Put(ctx, l, now); err != nil {
			return nil, err
		}
		lockoutsTotal.WithLabelValues(l.Reason).Inc()
	}
	d.Restricted = true
	d.Lockout = l

	r.logger.Warn("incident: account restricted after compromise indicators",
		"user_id", userID, "indicators", len(indicators), "unlock_at", l.UnlockAt)
	r.record(ctx, userID, EventAccountRestricted, map[string]any{
		"reason":     ReasonAccountCompromise,
		"unlock_at":  l.UnlockAt,
		"indicators": indicators,
	})

	in, err := r.open(ctx, NewIncident{
		UserID:   userID,
		Type:     TypeAccountCompromise,
		Severity: SeverityCritical,
		Details: map[string]any{
			"indicators": indicators,
			"unlock_at":  l.UnlockAt.Format(time.RFC3339),
		},
	}, now)
	if err != nil {
		return d, err
	}
	d.Incident = in
	return d, nil
}

// LockAccount locks userID for d on an administrator's behalf, replacing
// any existing lockout.
func (r *Responder) LockAccount(ctx context.Context, userID string, d time.Duration, reason string) (*Lockout, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, validation.ValidationErrors{{Field: "duration", Message: "must be positive"}}
	}
	if reason == "" {
		reason = ReasonManual
	}

	unlock, err := r.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := r.now().UTC()
	l := &Lockout{UserID: userID, UnlockAt: now.Add(d), Reason: reason, CreatedAt: now}
	if err := r.lockouts.Put(ctx, l, now); err != nil {
		return nil, err
	}
	lockoutsTotal.WithLabelValues(ReasonManual).Inc()
	r.logger.Info("incident: account locked by administrator", "user_id", userID, "unlock_at", l.UnlockAt)
	r.record(ctx, userID, EventAccountLocked, map[string]any{
		"reason":    reason,
		"unlock_at": l.UnlockAt,
		"automatic": false,
	})
	return l, nil
}

// IsAccountLocked reports whether userID has an active lockout. A lockout
// whose unlock_at has passed is deleted here.
func (r *Responder) IsAccountLocked(ctx context.Context, userID string) (bool, error) {
	l, err := r.ActiveLockout(ctx, userID)
	return l != nil, err
}

// ActiveLockout is IsAccountLocked returning the lockout itself, or nil.
func (r *Responder) ActiveLockout(ctx context.Context, userID string) (*Lockout, error) {
	unlock, err := r.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.activeLockout(ctx, userID, r.now())
}

// activeLockout expects the user's lock to be held.
func (r *Responder) activeLockout(ctx context.Context, userID string, now time.Time) (*Lockout, error) {
	l, err := r.lockouts.Get(ctx, userID)
	if err != nil || l == nil {
		return nil, err
	}
	if l.Active(now) {
		return l, nil
	}

	if _, err := r.lockouts.Delete(ctx, userID); err != nil {
		return nil, err
	}
	unlocksTotal.WithLabelValues("expired").Inc()
	r.logger.Info("incident: lockout expired", "user_id", userID, "unlock_at", l.UnlockAt)
	r.record(ctx, userID, EventAccountUnlocked, map[string]any{
		"how":       "expired",
		"reason":    l.Reason,
		"unlock_at": l.UnlockAt,
	})
	return nil, nil
}

// UnlockAccount lifts an active lockout. It returns ErrNoLockout when the
// account is not locked.
func (r *Responder) UnlockAccount(ctx context.Context, userID string) error {
	if err := requireUser(userID); err != nil {
		return err
	}

	unlock, err := r.locks.LockContext(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	l, err := r.activeLockout(ctx, userID, r.now())
	if err != nil {
		return err
	}
	if l == nil {
		return ErrNoLockout
	}
	if _, err := r.lockouts.Delete(ctx, userID); err != nil {
		return err
	}

	unlocksTotal.WithLabelValues("manual").Inc()
	r.logger.Info("incident: account unlocked by administrator", "user_id", userID)
	r.record(ctx, userID, EventAccountUnlocked, map[string]any{
		"how":       "manual",
		"reason":    l.Reason,
		"unlock_at": l.UnlockAt,
	})
	return nil
}

// CreateIncident opens an incident.
func (r *Responder) CreateIncident(ctx context.Context, n NewIncident) (*Incident, error) {
	return r.open(ctx, n, r.now())
}

func (r *Responder) open(ctx context.Context, n NewIncident, at time.Time) (*Incident, error) {
	if err := validation.Struct(n); err != nil {
		return nil, err
	}
	in := &Incident{
		ID:        idgen.New(),
		UserID:    n.UserID,
		Type:      n.Type,
		Severity:  n.Severity,
		Status:    StatusOpen,
		Details:   n.Details,
		CreatedAt: at.UTC(),
	}
	if err := r.incidents.Create(ctx, in); err != nil {
		r.logger.Error("incident: create failed", "type", n.Type, "user_id", n.UserID, "error", err)
		return nil, fmt.Errorf("create incident: %w", err)
	}

	incidentsOpened.WithLabelValues(in.Type, string(in.Severity)).Inc()
	r.logger.Warn("incident: opened",
		"incident_id", in.ID, "type", in.Type, "severity", string(in.Severity), "user_id", in.UserID)
	r.record(ctx, in.UserID, EventIncidentOpened, map[string]any{
		"incident_id": in.ID,
		"type":        in.Type,
		"severity":    in.Severity,
	})
	return in, nil
}

// ResolveIncident closes an open incident. It returns ErrIncidentNotFound
// or ErrAlreadyResolved, both non-fatal.
func (r *Responder) ResolveIncident(ctx context.Context, id, resolution string) (*Incident, error) {
	if errs := validation.Validate(
		validation.Required("id", id),
		validation.MaxLength("resolution", resolution, 2000),
	); len(errs) > 0 {
		return nil, errs
	}

	in, err := r.incidents.Resolve(ctx, id, resolution, r.now().UTC())
	if err != nil {
		return nil, err
	}
	incidentsResolved.Inc()
	r.logger.Info("incident: resolved", "incident_id", id, "type", in.Type)
	r.record(ctx, in.UserID, EventIncidentResolved, map[string]any{
		"incident_id": id,
		"resolution":  resolution,
	})
	return in, nil
}

// GetIncident returns one incident.
func (r *Responder) GetIncident(ctx context.Context, id string) (*Incident, error) {
	return r.incidents.Get(ctx, id)
}

// GetOpenIncidents lists open incidents, newest first.
func (r *Responder) GetOpenIncidents(ctx context.Context) ([]*Incident, error) {
	return r.incidents.List(ctx, Filter{Status: StatusOpen})
}

// ListIncidents lists incidents matching f, newest first.
func (r *Responder) ListIncidents(ctx context.Context, f Filter) ([]*Incident, error) {
	if err := validation.Struct(f); err != nil {
		return nil, err
	}
	return r.incidents.List(ctx, f)
}

// record writes an audit event. Failures are logged and counted but never
// undo the change being recorded.
func (r *Responder) record(ctx context.Context, userID, event string, details any) {
	if r.audit == nil {
		return
	}
	if _, err := r.audit.LogSecurityEvent(ctx, userID, event, details); err != nil {
		auditFailures.Inc()
		r.logger.Error("incident: audit write failed", "event", event, "user_id", userID, "error", err)
	}
}

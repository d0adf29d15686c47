// Package monitor is the entry point the rest of the application calls:
// it runs an event through the risk scorer, lets the incident responder act
// on the result and records the decision in the audit log.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/secmon/internal/audit"
	"github.com/mbd888/secmon/internal/incident"
	"github.com/mbd888/secmon/internal/logging"
	"github.com/mbd888/secmon/internal/risk"
	"github.com/mbd888/secmon/internal/traces"
	"github.com/mbd888/secmon/internal/validation"
)

// Audit actions for evaluations.
const (
	EventLoginEvaluated       = "login_evaluated"
	EventTransactionEvaluated = "transaction_evaluated"
)

// Config holds the facade's own thresholds.
type Config struct {
	// BlockThreshold: logins scoring at or above it are reported blocked.
	BlockThreshold float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{BlockThreshold: 0.8}
}

// LoginDecision is the answer to EvaluateLogin.
type LoginDecision struct {
	UserID         string             `json:"userId"`
	Score          float64            `json:"score"`
	Flags          risk.FlagSet       `json:"flags"`
	Blocked        bool               `json:"blocked"`
	Locked         bool               `json:"locked"`
	Degraded       bool               `json:"degraded"`
	FailedAttempts int                `json:"failedAttempts"`
	Lockout        *incident.Lockout  `json:"lockout,omitempty"`
	Incident       *incident.Incident `json:"incident,omitempty"`
	EvaluatedAt    time.Time          `json:"evaluatedAt"`
}

// TransactionDecision is the answer to EvaluateTransaction.
type TransactionDecision struct {
	UserID         string             `json:"userId"`
	TransactionID  string             `json:"transactionId,omitempty"`
	Score          float64            `json:"score"`
	Flags          risk.FlagSet       `json:"flags"`
	Quarantine     bool               `json:"quarantine"`
	StepUpRequired bool               `json:"stepUpRequired"`
	Degraded       bool               `json:"degraded"`
	Incident       *incident.Incident `json:"incident,omitempty"`
	EvaluatedAt    time.Time          `json:"evaluatedAt"`
}

// AccountStatus summarizes one account's security state.
type AccountStatus struct {
	UserID         string               `json:"userId"`
	Locked         bool                 `json:"locked"`
	Lockout        *incident.Lockout    `json:"lockout,omitempty"`
	FailedAttempts int                  `json:"failedAttempts"`
	OpenIncidents  []*incident.Incident `json:"openIncidents"`
}

// Service wires the scorer, the audit chain and the responder together.
type Service struct {
	scorer    *risk.Scorer
	chain     *audit.Chain
	responder *incident.Responder
	cfg       Config
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates the facade.
func NewService(scorer *risk.Scorer, chain *audit.Chain, responder *incident.Responder, cfg Config, opts ...Option) *Service {
	s := &Service{
		scorer:    scorer,
		chain:     chain,
		responder: responder,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) log(ctx context.Context, userID string) *slog.Logger {
	l := s.logger
	if id := logging.RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if userID != "" {
		l = l.With("user_id", userID)
	}
	return l
}

// EvaluateLogin scores a login attempt whose authentication outcome is
// already known, locks the account when failures pile up and audits the
// decision. A degraded score is returned as a decision, not an error; the
// only errors are validation failures.
func (s *Service) EvaluateLogin(ctx context.Context, in risk.LoginInput) (_ *LoginDecision, err error) {
	ctx, span := traces.StartSpan(ctx, "monitor.EvaluateLogin", traces.UserID(in.UserID))
	defer func() { traces.End(span, err) }()

	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	ctx = logging.WithUser(ctx, in.UserID)
	log := s.log(ctx, in.UserID)

	d := &LoginDecision{UserID: in.UserID}

	lockout, lockErr := s.responder.ActiveLockout(ctx, in.UserID)
	if lockErr != nil {
		log.Error("monitor: lockout check failed", "error", lockErr)
		d.Degraded = true
	}

	a, err := s.scorer.EvaluateLogin(ctx, in)
	if err != nil {
		if !errors.Is(err, risk.ErrDegraded) {
			return nil, err
		}
		log.Warn("monitor: login evaluation degraded", "error", err)
	}
	d.Score, d.Flags, d.FailedAttempts, d.EvaluatedAt = a.Score, a.Flags, a.FailedAttempts, a.EvaluatedAt
	d.Degraded = d.Degraded || a.Degraded

	if lockout != nil {
		d.Locked, d.Lockout = true, lockout
	} else if !in.Success {
		res, err := s.responder.HandleFailedLogin(ctx, in.UserID, in.IPAddress, a.FailedAttempts, a.EvaluatedAt)
		if err != nil {
			log.Error("monitor: failed-login response failed", "error", err)
			d.Degraded = true
		}
		if res != nil && res.Locked {
			d.Locked, d.Lockout, d.Incident = true, res.Lockout, res.Incident
		}
	}
	d.Blocked = d.Locked || d.Score >= s.cfg.BlockThreshold

	span.SetAttributes(traces.Score(d.Score), traces.Flags(d.Flags.String()))
	log.Info("monitor: login evaluated",
		"score", d.Score, "flags", d.Flags.String(), "blocked", d.Blocked, "locked", d.Locked, "degraded", d.Degraded)

	s.audit(ctx, in.UserID, EventLoginEvaluated, map[string]any{
		"success":   in.Success,
		"score":     d.Score,
		"flags":     d.Flags.String(),
		"blocked":   d.Blocked,
		"locked":    d.Locked,
		"degraded":  d.Degraded,
		"ip":        in.IPAddress,
		"location":  in.Location,
		"record_id": a.RecordID,
	})
	return d, nil
}

// EvaluateTransaction scores a transaction, decides step-up and quarantine
// and audits the decision. As with logins, degradation is not an error.
func (s *Service) EvaluateTransaction(ctx context.Context, in risk.TransactionInput) (_ *TransactionDecision, err error) {
	ctx, span := traces.StartSpan(ctx, "monitor.EvaluateTransaction", traces.UserID(in.UserID))
	defer func() { traces.End(span, err) }()

	a, err := s.scorer.EvaluateTransaction(ctx, in)
	if err != nil && !errors.Is(err, risk.ErrDegraded) {
		return nil, err
	}
	ctx = logging.WithUser(ctx, in.UserID)
	log := s.log(ctx, in.UserID)
	if err != nil {
		log.Warn("monitor: transaction evaluation degraded", "error", err)
	}

	d := &TransactionDecision{
		UserID:        in.UserID,
		TransactionID: in.TransactionID,
		Score:         a.Score,
		Flags:         a.Flags,
		Degraded:      a.Degraded,
		EvaluatedAt:   a.EvaluatedAt,
	}

	res, err := s.responder.HandleHighRiskTransaction(ctx, in.UserID, in.TransactionID, in.Amount, a.Score)
	if err != nil {
		log.Error("monitor: transaction response failed", "error", err)
		d.Degraded = true
	}
	if res != nil {
		d.Quarantine, d.StepUpRequired, d.Incident = res.Quarantined, res.StepUpRequired, res.Incident
	}

	span.SetAttributes(traces.Score(d.Score), traces.Flags(d.Flags.String()))
	log.Info("monitor: transaction evaluated",
		"transaction_id", in.TransactionID, "score", d.Score, "flags", d.Flags.String(),
		"quarantine", d.Quarantine, "step_up", d.StepUpRequired, "degraded", d.Degraded)

	s.audit(ctx, in.UserID, EventTransactionEvaluated, map[string]any{
		"transaction_id": in.TransactionID,
		"amount":         in.Amount,
		"category":       in.Category,
		"score":          d.Score,
		"flags":          d.Flags.String(),
		"quarantine":     d.Quarantine,
		"step_up":        d.StepUpRequired,
		"degraded":       d.Degraded,
		"record_id":      a.RecordID,
	})
	return d, nil
}

// RecordAction appends a privileged action to the audit log.
func (s *Service) RecordAction(ctx context.Context, a audit.Action) (_ *audit.Entry, err error) {
	ctx, span := traces.StartSpan(ctx, "monitor.RecordAction", traces.UserID(a.UserID))
	defer func() { traces.End(span, err) }()

	e, err := s.chain.LogAction(ctx, a)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.EntryID(e.ID))
	return e, nil
}

// VerifyAuditIntegrity checks the audit chain, optionally for one user.
func (s *Service) VerifyAuditIntegrity(ctx context.Context, userID string) (_ *audit.IntegrityReport, err error) {
	ctx, span := traces.StartSpan(ctx, "monitor.VerifyAuditIntegrity", traces.UserID(userID))
	defer func() { traces.End(span, err) }()
	return s.chain.VerifyIntegrity(ctx, userID)
}

// AuditEntry returns one audit entry.
func (s *Service) AuditEntry(ctx context.Context, id int64) (*audit.Entry, error) {
	return s.chain.Get(ctx, id)
}

// AuditTrail lists audit entries.
func (s *Service) AuditTrail(ctx context.Context, f audit.ListFilter) ([]*audit.Entry, error) {
	return s.chain.Query(ctx, f)
}

// GetIncidents lists incidents matching f.
func (s *Service) GetIncidents(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	return s.responder.ListIncidents(ctx, f)
}

// GetIncident returns one incident.
func (s *Service) GetIncident(ctx context.Context, id string) (*incident.Incident, error) {
	return s.responder.GetIncident(ctx, id)
}

// CreateIncident opens an incident reported by another part of the system.
func (s *Service) CreateIncident(ctx context.Context, n incident.NewIncident) (_ *incident.Incident, err error) {
	ctx, span := traces.StartSpan(ctx, "monitor.CreateIncident", traces.UserID(n.UserID))
	defer func() { traces.End(span, err) }()
	return s.responder.CreateIncident(ctx, n)
}

// ResolveIncident closes an incident.
func (s *Service) ResolveIncident(ctx context.Context, id, resolution string) (_ *incident.Incident, err error) {
	ctx, span := traces.StartSpan(ctx, "monitor.ResolveIncident", traces.IncidentID(id))
	defer func() { traces.End(span, err) }()
	return s.responder.ResolveIncident(ctx, id, resolution)
}

// UnlockAccount lifts a lockout on an administrator's behalf.
func (s *Service) UnlockAccount(ctx context.Context, userID string) (err error) {
	ctx, span := traces.StartSpan(ctx, "monitor.UnlockAccount", traces.UserID(userID))
	defer func() { traces.End(span, err) }()
	return s.responder.UnlockAccount(ctx, userID)
}

// LockAccount locks an account on an administrator's behalf.
func (s *Service) LockAccount(ctx context.Context, userID string, d time.Duration, reason string) (_ *incident.Lockout, err error) {
	ctx, span := traces.StartSpan(ctx, "monitor.LockAccount", traces.UserID(userID))
	defer func() { traces.End(span, err) }()
	return s.responder.LockAccount(ctx, userID, d, reason)
}

// ReportCompromise hands compromise indicators to the responder.
func (s *Service) ReportCompromise(ctx context.Context, userID string, indicators []string) (_ *incident.CompromiseDecision, err error) {
	ctx, span := traces.StartSpan(ctx, "monitor.ReportCompromise", traces.UserID(userID))
	defer func() { traces.End(span, err) }()
	return s.responder.HandleAccountCompromise(ctx, userID, indicators)
}

// AccountStatus reports lockout state, recent failures and open incidents.
func (s *Service) AccountStatus(ctx context.Context, userID string) (*AccountStatus, error) {
	if errs := validation.Validate(validation.Required("user_id", userID)); len(errs) > 0 {
		return nil, errs
	}

	lockout, err := s.responder.ActiveLockout(ctx, userID)
	if err != nil {
		return nil, err
	}
	failures, err := s.scorer.FailedLoginCount(ctx, userID, s.scorer.Config().FailedAttemptWindow)
	if err != nil {
		return nil, err
	}
	open, err := s.responder.ListIncidents(ctx, incident.Filter{UserID: userID, Status: incident.StatusOpen})
	if err != nil {
		return nil, err
	}
	return &AccountStatus{
		UserID:         userID,
		Locked:         lockout != nil,
		Lockout:        lockout,
		FailedAttempts: failures,
		OpenIncidents:  open,
	}, nil
}

// audit records an evaluation. The decision has already been made, so a
// failed write is logged rather than returned.
func (s *Service) audit(ctx context.Context, userID, event string, details map[string]any) {
	if _, err := s.chain.LogSecurityEvent(ctx, userID, event, details); err != nil {
		s.log(ctx, userID).Error("monitor: audit write failed", "event", event, "error", err)
	}
}

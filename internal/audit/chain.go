package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/secmon/internal/idgen"
	"github.com/mbd888/secmon/internal/retry"
	"github.com/mbd888/secmon/internal/storage"
	"github.com/mbd888/secmon/internal/validation"
)

// Event types set by the convenience loggers.
const (
	EventTypeSecurity   = "security"
	EventTypeDataAccess = "data_access"
)

const defaultVerifyBatch = 500

// Chain appends to and verifies the audit log.
type Chain struct {
	store  Store
	policy AnchorPolicy
	retry  retry.Policy
	batch  int
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the chain's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// WithClock replaces time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// WithAnchorPolicy selects how verification continues after a break.
func WithAnchorPolicy(p AnchorPolicy) Option {
	return func(c *Chain) { c.policy = p }
}

// WithRetryPolicy sets the backoff for appends that hit an unavailable
// store. Only storage.ErrUnavailable is retried.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Chain) { c.retry = p }
}

// WithVerifyBatch sets how many entries verification reads per page.
func WithVerifyBatch(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.batch = n
		}
	}
}

// NewChain creates a chain over store.
func NewChain(store Store, opts ...Option) *Chain {
	c := &Chain{
		store:  store,
		policy: AnchorLastGood,
		retry:  retry.DefaultPolicy(),
		batch:  defaultVerifyBatch,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.Retryable = storage.IsUnavailable
	return c
}

// Policy returns the verification anchor policy.
func (c *Chain) Policy() AnchorPolicy { return c.policy }

// LogAction appends one entry. Client IP and user agent default to the
// values attached with WithClientInfo. Retries after an unavailable store
// reuse the idempotency key, so a write that landed before the error is
// returned rather than duplicated.
func (c *Chain) LogAction(ctx context.Context, a Action) (*Entry, error) {
	if err := validation.Struct(a); err != nil {
		return nil, err
	}
	details, err := canonicalDetails(a.Details)
	if err != nil {
		return nil, validation.ValidationErrors{{Field: "details", Message: "must be JSON-serializable: " + err.Error()}}
	}

	ip, ua := clientInfo(ctx)
	if a.IPAddress == "" {
		a.IPAddress = ip
	}
	if a.UserAgent == "" {
		a.UserAgent = ua
	}
	if a.IdempotencyKey == "" {
		a.IdempotencyKey = idgen.WithPrefix("idem_")
	}

	base := Entry{
		UserID:         a.UserID,
		Action:         a.Action,
		ResourceType:   a.ResourceType,
		ResourceID:     a.ResourceID,
		Details:        details,
		IPAddress:      a.IPAddress,
		UserAgent:      a.UserAgent,
		EventType:      a.EventType,
		Resource:       a.Resource,
		IdempotencyKey: a.IdempotencyKey,
	}

	var (
		stored  *Entry
		created bool
	)
	err = retry.Do(ctx, c.retry, func(attempt int) error {
		if attempt > 1 {
			appendRetriesTotal.Inc()
		}
		e := base
		var err error
		stored, created, err = c.store.Append(ctx, &e, c.seal)
		return err
	})
	if err != nil {
		appendsTotal.WithLabelValues("failed").Inc()
		c.logger.Error("audit: append failed",
			"action", a.Action, "user_id", a.UserID, "idempotency_key", a.IdempotencyKey, "error", err)
		return nil, err
	}

	if created {
		appendsTotal.WithLabelValues("created").Inc()
	} else {
		appendsTotal.WithLabelValues("replayed").Inc()
	}
	c.logger.Debug("audit: entry appended",
		"id", stored.ID, "action", stored.Action, "user_id", stored.UserID, "replayed", !created)
	return stored, nil
}

// seal runs inside the store's critical section.
func (c *Chain) seal(e *Entry, previousHash string) {
	e.Timestamp = c.now().UTC().Truncate(time.Microsecond)
	e.PreviousHash = previousHash
	e.CurrentHash = ComputeHash(e)
}

// LogSecurityEvent records a security decision about an account, such as a
// lockout or an incident state change.
func (c *Chain) LogSecurityEvent(ctx context.Context, userID, event string, details any) (*Entry, error) {
	return c.LogAction(ctx, Action{
		UserID:       userID,
		Action:       event,
		ResourceType: "account",
		ResourceID:   userID,
		Details:      details,
		EventType:    EventTypeSecurity,
		Resource:     "account:" + userID,
	})
}

// LogDataAccess records that userID performed access (read, export, ...)
// on a resource.
func (c *Chain) LogDataAccess(ctx context.Context, userID, resourceType, resourceID, access string, details any) (*Entry, error) {
	return c.LogAction(ctx, Action{
		UserID:       userID,
		Action:       access,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		EventType:    EventTypeDataAccess,
		Resource:     resourceType + ":" + resourceID,
	})
}

// Get returns one entry.
func (c *Chain) Get(ctx context.Context, id int64) (*Entry, error) {
	return c.store.Get(ctx, id)
}

// Query lists entries for the audit trail.
func (c *Chain) Query(ctx context.Context, f ListFilter) ([]*Entry, error) {
	return c.store.List(ctx, f)
}

// VerifyIntegrity walks the whole chain in id order. With a userID, only
// that user's entries are checked and reported, but links are still
// followed through every entry.
func (c *Chain) VerifyIntegrity(ctx context.Context, userID string) (*IntegrityReport, error) {
	report := &IntegrityReport{
		BrokenIDs:      []int64{},
		LinkBreaks:     []int64{},
		HashMismatches: []int64{},
		UserID:         userID,
		Policy:         c.policy,
	}

	expected := ""
	var afterID int64
	for {
		batch, err := c.store.List(ctx, ListFilter{AfterID: afterID, Limit: c.batch})
		if err != nil {
			verificationsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		for _, e := range batch {
			afterID = e.ID
			linkOK := e.PreviousHash == expected
			hashOK := ComputeHash(e) == e.CurrentHash

			if userID == "" || e.UserID == userID {
				report.Checked++
				if !linkOK {
					report.LinkBreaks = append(report.LinkBreaks, e.ID)
				}
				if !hashOK {
					report.HashMismatches = append(report.HashMismatches, e.ID)
				}
				if !linkOK || !hashOK {
					report.BrokenIDs = append(report.BrokenIDs, e.ID)
					if report.FirstBreakID == 0 {
						report.FirstBreakID = e.ID
					}
				}
			}

			switch {
			case c.policy == AnchorStoredHash:
				expected = e.CurrentHash
			case linkOK && hashOK:
				expected = e.CurrentHash
			}
		}
		if len(batch) < c.batch {
			break
		}
	}

	report.Intact = len(report.BrokenIDs) == 0
	if report.Intact {
		verificationsTotal.WithLabelValues("intact").Inc()
	} else {
		verificationsTotal.WithLabelValues("corrupted").Inc()
		c.logger.Error("audit: chain verification failed",
			"broken", len(report.BrokenIDs), "first_break_id", report.FirstBreakID,
			"user_id", userID, "policy", string(c.policy))
	}
	if userID == "" {
		brokenEntries.Set(float64(len(report.BrokenIDs)))
	}
	return report, nil
}

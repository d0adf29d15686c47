package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/secmon/internal/circuitbreaker"
	"github.com/mbd888/secmon/internal/history"
	"github.com/mbd888/secmon/internal/storage"
	"github.com/mbd888/secmon/internal/syncutil"
	"github.com/mbd888/secmon/internal/validation"
)

// Breaker keys for history store calls. Reads and writes trip separately so
// a working append does not clear a run of failed window reads.
const (
	historyReadCircuit  = "history_read"
	historyWriteCircuit = "history_write"
)

// failSafeGrace bounds the fail-safe record append, which runs after the
// evaluation deadline may already have passed.
const failSafeGrace = time.Second

// Scorer evaluates logins and transactions. Evaluations for the same user
// are serialized so each one sees the records of the previous one.
type Scorer struct {
	store   history.Store
	cfg     Config
	travel  TravelPlausibilityChecker
	locks   *syncutil.KeyedMutex
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	now     func() time.Time
	unusual map[string]struct{}
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithLogger sets the scorer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scorer) { s.logger = l }
}

// WithClock replaces time.Now for inputs without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// WithTravelChecker replaces the LocationHeuristic.
func WithTravelChecker(c TravelPlausibilityChecker) Option {
	return func(s *Scorer) { s.travel = c }
}

// WithBreaker shares a circuit breaker with other components.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *Scorer) { s.breaker = b }
}

// NewScorer creates a scorer reading and writing store.
func NewScorer(store history.Store, cfg Config, opts ...Option) *Scorer {
	s := &Scorer{
		store:   store,
		cfg:     cfg,
		travel:  LocationHeuristic{Window: cfg.TravelWindow},
		locks:   syncutil.NewKeyedMutex(),
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  slog.Default(),
		now:     time.Now,
		unusual: make(map[string]struct{}, len(cfg.UnusualCategories)),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, c := range cfg.UnusualCategories {
		s.unusual[normalize(c)] = struct{}{}
	}
	return s
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config { return s.cfg }

// EvaluateLogin scores a login attempt and records it.
//
// Invalid input returns validation.ValidationErrors and a nil assessment.
// When the history store fails, the deadline passes or scoring panics, the
// fail-safe assessment is returned together with an error wrapping
// ErrDegraded.
func (s *Scorer) EvaluateLogin(ctx context.Context, in LoginInput) (*Assessment, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	at := s.at(in.Timestamp)
	rec := &history.Record{
		Kind:              history.KindLogin,
		UserID:            in.UserID,
		Location:          in.Location,
		Timestamp:         at,
		IPAddress:         in.IPAddress,
		DeviceFingerprint: in.DeviceFingerprint,
		Success:           in.Success,
	}
	return s.evaluate(ctx, rec, func(ctx context.Context) (*Assessment, error) {
		return s.scoreLogin(ctx, in, at)
	})
}

// EvaluateTransaction scores a transaction and records it. Errors follow
// EvaluateLogin.
func (s *Scorer) EvaluateTransaction(ctx context.Context, in TransactionInput) (*Assessment, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	at := s.at(in.Timestamp)
	rec := &history.Record{
		Kind:          history.KindTransaction,
		UserID:        in.UserID,
		Location:      in.Location,
		Timestamp:     at,
		TransactionID: in.TransactionID,
		Amount:        in.Amount,
		Category:      in.Category,
	}
	return s.evaluate(ctx, rec, func(ctx context.Context) (*Assessment, error) {
		return s.scoreTransaction(ctx, in, at)
	})
}

// FailedLoginCount counts the user's failed logins in the window ending now.
func (s *Scorer) FailedLoginCount(ctx context.Context, userID string, window time.Duration) (int, error) {
	q := history.Window(userID, history.KindLogin, s.now().UTC(), window)
	q.Outcome = history.OutcomeFailure
	var n int
	err := s.guard(historyReadCircuit, func() (err error) {
		n, err = s.store.Count(ctx, q)
		return err
	})
	return n, err
}

func (s *Scorer) evaluate(parent context.Context, rec *history.Record, score func(context.Context) (*Assessment, error)) (*Assessment, error) {
	start := time.Now()
	kind := string(rec.Kind)
	defer func() { evaluationDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(parent, s.cfg.EvaluationTimeout)
	defer cancel()

	unlock, err := s.locks.LockContext(ctx, rec.UserID)
	if err != nil {
		return s.failSafe(parent, rec, err)
	}
	defer unlock()

	a, err := s.safely(ctx, score)
	if err != nil {
		return s.failSafe(parent, rec, err)
	}

	rec.RiskScore = a.Score
	rec.Flags = a.Flags.String()
	if err := s.guard(historyWriteCircuit, func() error { return s.store.Append(ctx, rec) }); err != nil {
		// The record may have landed; a second fail-safe record could
		// double count the attempt.
		degraded := s.failSafeAssessment(rec)
		degraded.FailedAttempts = a.FailedAttempts
		return s.degrade(degraded, err)
	}
	a.RecordID = rec.ID

	evaluationsTotal.WithLabelValues(kind, "scored").Inc()
	scoreHistogram.WithLabelValues(kind).Observe(a.Score)
	for _, f := range a.Flags {
		flagsTotal.WithLabelValues(string(f)).Inc()
	}
	if len(a.Flags) > 0 {
		s.logger.Info("risk: anomalies detected",
			"user_id", a.UserID, "kind", kind, "score", a.Score, "flags", a.Flags.String())
	} else {
		s.logger.Debug("risk: evaluation normal", "user_id", a.UserID, "kind", kind)
	}
	return a, nil
}

// safely runs score, turning a panic or an expired deadline into an error.
func (s *Scorer) safely(ctx context.Context, score func(context.Context) (*Assessment, error)) (a *Assessment, err error) {
	defer func() {
		if r := recover(); r != nil {
			a, err = nil, fmt.Errorf("risk: panic during evaluation: %v", r)
		}
	}()
	a, err = score(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return a, err
}

func (s *Scorer) failSafe(parent context.Context, rec *history.Record, cause error) (*Assessment, error) {
	a := s.failSafeAssessment(rec)
	rec.RiskScore = a.Score
	rec.Flags = a.Flags.String()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), failSafeGrace)
	defer cancel()
	if err := s.guard(historyWriteCircuit, func() error { return s.store.Append(ctx, rec) }); err != nil {
		s.logger.Error("risk: fail-safe record not stored",
			"user_id", rec.UserID, "kind", string(rec.Kind), "error", err)
	} else {
		a.RecordID = rec.ID
	}
	return s.degrade(a, cause)
}

func (s *Scorer) failSafeAssessment(rec *history.Record) *Assessment {
	return &Assessment{
		UserID:      rec.UserID,
		Kind:        rec.Kind,
		Score:       clamp(s.cfg.FailSafeScore),
		Flags:       FlagSet{FlagEvaluationDegraded},
		Degraded:    true,
		EvaluatedAt: rec.Timestamp,
	}
}

func (s *Scorer) degrade(a *Assessment, cause error) (*Assessment, error) {
	evaluationsTotal.WithLabelValues(string(a.Kind), "degraded").Inc()
	flagsTotal.WithLabelValues(string(FlagEvaluationDegraded)).Inc()
	scoreHistogram.WithLabelValues(string(a.Kind)).Observe(a.Score)
	s.logger.Warn("risk: evaluation degraded to fail-safe score",
		"user_id", a.UserID, "kind", string(a.Kind), "score", a.Score, "error", cause)
	return a, fmt.Errorf("%w: %w", ErrDegraded, cause)
}

// guard runs store calls through the circuit for key. An open circuit is
// reported as an unavailable store.
func (s *Scorer) guard(key string, fn func() error) error {
	err := s.breaker.Do(key, chargeable, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return err
}

// chargeable reports whether err says something about the store's health.
func chargeable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return storage.IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Scorer) at(ts time.Time) time.Time {
	if ts.IsZero() {
		ts = s.now()
	}
	return ts.UTC()
}

func (s *Scorer) scoreLogin(ctx context.Context, in LoginInput, at time.Time) (*Assessment, error) {
	var (
		failed int
		recent int
		known  []*history.Record // newest successful logins first
	)

	// One breaker decision covers the whole read phase: when one read fails
	// the group cancels its siblings, and those must not count as failures.
	err := s.guard(historyReadCircuit, func() error {
		g, gctx := errgroup.WithContext(ctx)
		goSafe(g, func() (err error) {
			q := history.Window(in.UserID, history.KindLogin, at, s.cfg.FailedAttemptWindow)
			q.Outcome = history.OutcomeFailure
			failed, err = s.store.Count(gctx, q)
			return err
		})
		goSafe(g, func() (err error) {
			q := history.Window(in.UserID, history.KindLogin, at, s.cfg.RapidAttemptWindow)
			recent, err = s.store.Count(gctx, q)
			return err
		})
		goSafe(g, func() (err error) {
			q := history.Query{
				UserID:  in.UserID,
				Kind:    history.KindLogin,
				Outcome: history.OutcomeSuccess,
				Until:   at,
				Newest:  true,
				Limit:   s.cfg.IPHistoryDepth,
			}
			known, err = s.store.Query(gctx, q)
			return err
		})
		return g.Wait()
	})
	if err != nil {
		return nil, err
	}

	if !in.Success {
		failed++
	}

	var score float64
	flags := FlagSet{}
	add := func(f Flag, weight float64) {
		flags.Add(f)
		score += weight
	}

	if failed >= s.cfg.FailedAttemptThreshold {
		add(FlagExcessiveFailedAttempts, s.cfg.FailedAttemptWeight)
	}
	if h := at.Hour(); h >= s.cfg.UnusualHourStart && h <= s.cfg.UnusualHourEnd {
		add(FlagUnusualHour, s.cfg.UnusualHourWeight)
	}
	if len(known) > 0 && in.IPAddress != "" && !seenIP(known, in.IPAddress) {
		add(FlagNewIPAddress, s.cfg.NewIPWeight)
	}
	if len(known) > 0 {
		last := known[0]
		if last.Location != "" && in.Location != "" && normalize(last.Location) != normalize(in.Location) {
			add(FlagLocationChange, s.cfg.LocationChangeWeight)
			from := Sighting{Location: last.Location, At: last.Timestamp}
			to := Sighting{Location: in.Location, At: at}
			if !s.travel.Plausible(from, to) {
				add(FlagImpossibleTravel, s.cfg.ImpossibleTravelWeight)
			}
		}
	}
	if recent >= s.cfg.RapidAttemptThreshold {
		add(FlagRapidAttempts, s.cfg.RapidAttemptWeight)
	}

	return &Assessment{
		UserID:         in.UserID,
		Kind:           history.KindLogin,
		Score:          clamp(score),
		Flags:          flags,
		FailedAttempts: failed,
		EvaluatedAt:    at,
	}, nil
}

func (s *Scorer) scoreTransaction(ctx context.Context, in TransactionInput, at time.Time) (*Assessment, error) {
	var (
		velocity int
		previous []*history.Record
	)

	err := s.guard(historyReadCircuit, func() error {
		g, gctx := errgroup.WithContext(ctx)
		goSafe(g, func() (err error) {
			q := history.Window(in.UserID, history.KindTransaction, at, s.cfg.VelocityWindow)
			velocity, err = s.store.Count(gctx, q)
			return err
		})
		goSafe(g, func() (err error) {
			q := history.Query{UserID: in.UserID, Kind: history.KindTransaction, Until: at, Newest: true, Limit: 1}
			previous, err = s.store.Query(gctx, q)
			return err
		})
		return g.Wait()
	})
	if err != nil {
		return nil, err
	}

	var score float64
	flags := FlagSet{}
	add := func(f Flag, weight float64) {
		flags.Add(f)
		score += weight
	}

	switch {
	case in.Amount == 0:
		add(FlagZeroAmount, s.cfg.ZeroAmountWeight)
	case in.Amount > s.cfg.LargeAmount:
		add(FlagLargeAmount, s.cfg.LargeAmountWeight)
	case in.Amount > s.cfg.ElevatedAmount:
		add(FlagElevatedAmount, s.cfg.ElevatedAmountWeight)
	}
	if velocity >= s.cfg.VelocityThreshold {
		add(FlagHighVelocity, s.cfg.VelocityWeight)
	}
	if _, ok := s.unusual[normalize(in.Category)]; ok {
		add(FlagUnusualCategory, s.cfg.UnusualCategoryWeight)
	}
	if len(previous) > 0 {
		last := previous[0]
		from, to := country(last.Location), country(in.Location)
		if from != "" && to != "" && from != to && at.Sub(last.Timestamp) <= s.cfg.GeoWindow {
			add(FlagGeographicDistance, s.cfg.GeoWeight)
		}
	}

	return &Assessment{
		UserID:      in.UserID,
		Kind:        history.KindTransaction,
		Score:       clamp(score),
		Flags:       flags,
		EvaluatedAt: at,
	}, nil
}

func seenIP(records []*history.Record, ip string) bool {
	for _, r := range records {
		if strings.EqualFold(r.IPAddress, ip) {
			return true
		}
	}
	return false
}

// clamp bounds score to [0, 1] and rounds to three decimals.
func clamp(score float64) float64 {
	switch {
	case math.IsNaN(score) || score <= 0:
		return 0
	case score >= 1:
		return 1
	}
	return math.Round(score*1000) / 1000
}

// goSafe runs fn in g, reporting a panic as an error so it reaches the
// fail-safe path instead of crashing the process.
func goSafe(g *errgroup.Group, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("risk: panic reading history: %v", r)
			}
		}()
		return fn()
	})
}

// Package risk scores login attempts and transactions against the user's
// recent history.
//
// Every factor that fires adds its configured weight; the sum is clamped to
// [0, 1]. Each evaluation appends exactly one history record, including
// evaluations that found nothing unusual and evaluations that degraded to
// the fail-safe score.
package risk

import (
	"errors"
	"strings"
	"time"

	"github.com/mbd888/secmon/internal/history"
)

// Flag names one risk factor that fired.
type Flag string

const (
	FlagExcessiveFailedAttempts Flag = "excessive_failed_attempts"
	FlagUnusualHour             Flag = "unusual_hour"
	FlagNewIPAddress            Flag = "new_ip_address"
	FlagLocationChange          Flag = "location_change"
	FlagImpossibleTravel        Flag = "impossible_travel"
	FlagRapidAttempts           Flag = "rapid_attempts"

	FlagZeroAmount         Flag = "zero_amount"
	FlagLargeAmount        Flag = "large_amount"
	FlagElevatedAmount     Flag = "elevated_amount"
	FlagHighVelocity       Flag = "high_velocity"
	FlagUnusualCategory    Flag = "unusual_category"
	FlagGeographicDistance Flag = "geographic_distance"

	// FlagEvaluationDegraded marks a fail-safe assessment.
	FlagEvaluationDegraded Flag = "evaluation_degraded"
)

// flagsNormal is the stored form of an empty FlagSet.
const flagsNormal = "normal"

// FlagSet is an ordered set of flags in the order they fired.
type FlagSet []Flag

// Add appends f unless it is already present.
func (fs *FlagSet) Add(f Flag) {
	if !fs.Has(f) {
		*fs = append(*fs, f)
	}
}

// Has reports whether f is in the set.
func (fs FlagSet) Has(f Flag) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

// String joins the flags with commas, or returns "normal" for an empty set.
func (fs FlagSet) String() string {
	if len(fs) == 0 {
		return flagsNormal
	}
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

// ErrDegraded wraps every error returned together with a fail-safe
// assessment.
var ErrDegraded = errors.New("risk: evaluation degraded")

// LoginInput is one login attempt to score. The authentication outcome is
// decided upstream and passed in as Success.
type LoginInput struct {
	UserID            string    `json:"userId" validate:"required,max=255"`
	IPAddress         string    `json:"ipAddress" validate:"omitempty,ip"`
	Location          string    `json:"location" validate:"location"`
	DeviceFingerprint string    `json:"deviceFingerprint" validate:"max=255"`
	Success           bool      `json:"success"`
	Timestamp         time.Time `json:"timestamp"`
}

// TransactionInput is one transaction to score.
type TransactionInput struct {
	UserID        string    `json:"userId" validate:"required,max=255"`
	TransactionID string    `json:"transactionId" validate:"max=255"`
	Amount        float64   `json:"amount" validate:"gte=0,finite"`
	Category      string    `json:"category" validate:"max=100"`
	Location      string    `json:"location" validate:"location"`
	Timestamp     time.Time `json:"timestamp"`
}

// Assessment is the result of one evaluation.
type Assessment struct {
	UserID string       `json:"userId"`
	Kind   history.Kind `json:"kind"`
	Score  float64      `json:"score"`
	Flags  FlagSet      `json:"flags"`
	// Degraded is set on fail-safe assessments.
	Degraded bool `json:"degraded"`
	// FailedAttempts counts failed logins in the failure window, including
	// the evaluated attempt when it failed. Zero for transactions.
	FailedAttempts int `json:"failedAttempts"`
	// RecordID is the history record written for this evaluation; zero when
	// the record could not be stored.
	RecordID    int64     `json:"recordId,omitempty"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

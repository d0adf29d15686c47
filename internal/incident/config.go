package incident

import "time"

// Config holds the response thresholds.
type Config struct {
	// LockoutThreshold is the failed-attempt count that locks an account.
	LockoutThreshold int
	LockoutDuration  time.Duration
	// StepUpAmount: transactions above it require step-up authentication.
	StepUpAmount float64
	// QuarantineScore: transactions scoring above it are held for review.
	QuarantineScore float64
	// CompromiseIndicatorMax: more indicators than this restrict the account.
	CompromiseIndicatorMax int
	CompromiseRestrictFor  time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		LockoutThreshold:       5,
		LockoutDuration:        15 * time.Minute,
		StepUpAmount:           10000,
		QuarantineScore:        0.7,
		CompromiseIndicatorMax: 2,
		CompromiseRestrictFor:  24 * time.Hour,
	}
}

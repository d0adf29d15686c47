package risk

import "time"

// Config holds every weight and threshold the scorer uses.
type Config struct {
	FailedAttemptThreshold int
	FailedAttemptWindow    time.Duration
	FailedAttemptWeight    float64

	// UnusualHourStart..UnusualHourEnd is an inclusive range of UTC hours.
	UnusualHourStart  int
	UnusualHourEnd    int
	UnusualHourWeight float64

	IPHistoryDepth int
	NewIPWeight    float64

	LocationChangeWeight   float64
	ImpossibleTravelWeight float64
	TravelWindow           time.Duration

	RapidAttemptThreshold int
	RapidAttemptWindow    time.Duration
	RapidAttemptWeight    float64

	ZeroAmountWeight      float64
	LargeAmount           float64
	LargeAmountWeight     float64
	ElevatedAmount        float64
	ElevatedAmountWeight  float64
	VelocityThreshold     int
	VelocityWindow        time.Duration
	VelocityWeight        float64
	UnusualCategories     []string
	UnusualCategoryWeight float64
	GeoWindow             time.Duration
	GeoWeight             float64

	EvaluationTimeout time.Duration
	FailSafeScore     float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailedAttemptThreshold: 5,
		FailedAttemptWindow:    30 * time.Minute,
		FailedAttemptWeight:    0.5,

		UnusualHourStart:  2,
		UnusualHourEnd:    4,
		UnusualHourWeight: 0.2,

		IPHistoryDepth: 10,
		NewIPWeight:    0.2,

		LocationChangeWeight:   0.3,
		ImpossibleTravelWeight: 0.8,
		TravelWindow:           2 * time.Hour,

		RapidAttemptThreshold: 4,
		RapidAttemptWindow:    5 * time.Minute,
		RapidAttemptWeight:    0.3,

		ZeroAmountWeight:      0.1,
		LargeAmount:           10000,
		LargeAmountWeight:     0.5,
		ElevatedAmount:        1000,
		ElevatedAmountWeight:  0.3,
		VelocityThreshold:     5,
		VelocityWindow:        time.Hour,
		VelocityWeight:        0.4,
		UnusualCategories:     []string{"cryptocurrency_exchange", "gambling", "wire_transfer"},
		UnusualCategoryWeight: 0.2,
		GeoWindow:             2 * time.Hour,
		GeoWeight:             0.4,

		EvaluationTimeout: 2 * time.Second,
		FailSafeScore:     0.5,
	}
}

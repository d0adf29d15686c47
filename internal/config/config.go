// Package config loads service configuration and every security tunable.
//
// Values come from, in increasing priority: the defaults declared in
// Options, an optional YAML/JSON file named by SECMON_CONFIG_FILE, a .env
// file in the working directory, and process environment variables. Each
// option's environment variable is its key upper-cased.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Backing stores; empty means in-memory.
	DatabaseURL string
	RedisURL    string

	// AdminSecret guards unlock / resolve / verify endpoints.
	AdminSecret string

	OTLPEndpoint string

	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string

	// Per-client limits on the evaluation and audit endpoints.
	RateLimitPerMinute int
	RateLimitBurst     int

	Risk     RiskSettings
	Incident IncidentSettings
	Audit    AuditSettings

	effective map[string]any
}

// RiskSettings tune the login and transaction scorer.
type RiskSettings struct {
	FailedAttemptThreshold int
	FailedAttemptWindow    time.Duration
	FailedAttemptWeight    float64

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

	BlockThreshold    float64
	EvaluationTimeout time.Duration
	FailSafeScore     float64
	BreakerFailures   int
	BreakerCooldown   time.Duration
}

// IncidentSettings tune lockouts and incident creation.
type IncidentSettings struct {
	LockoutThreshold       int
	LockoutDuration        time.Duration
	StepUpAmount           float64
	QuarantineScore        float64
	CompromiseIndicatorMax int
	CompromiseRestrictFor  time.Duration
}

// AuditSettings tune the hash-chained audit log.
type AuditSettings struct {
	RetryAttempts int
	RetryDelay    time.Duration
	AnchorPolicy  string // "last_good" or "stored_hash"
	VerifyBatch   int
}

// Option documents one configuration key.
type Option struct {
	Key     string `json:"key"`
	Env     string `json:"env"`
	Default any    `json:"default"`
	Effect  string `json:"effect"`
	Secret  bool   `json:"-"`
}

// Options is the complete configuration surface.
var Options = []Option{
	{Key: "port", Default: "8080", Effect: "HTTP listen port"},
	{Key: "env", Default: "development", Effect: "development, staging or production; production requires admin_secret"},
	{Key: "log_level", Default: "info", Effect: "debug, info, warn or error"},
	{Key: "log_format", Default: "json", Effect: "json or text log output"},
	{Key: "database_url", Default: "", Effect: "PostgreSQL DSN for history, audit chain and incidents; in-memory when empty", Secret: true},
	{Key: "redis_url", Default: "", Effect: "Redis URL for shared account lockouts; lockouts live with the incident store when empty", Secret: true},
	{Key: "admin_secret", Default: "", Effect: "shared secret required in X-Admin-Secret for administrative endpoints", Secret: true},
	{Key: "otel_exporter_otlp_endpoint", Default: "", Effect: "OTLP gRPC endpoint for traces; tracing disabled when empty"},
	{Key: "cors_allowed_origins", Default: "", Effect: "comma-separated browser origins allowed to call the API; * for any, empty disables CORS"},
	{Key: "ratelimit_requests_per_minute", Default: 6000, Effect: "requests per minute each client IP may send to the evaluation and audit endpoints; 0 disables"},
	{Key: "ratelimit_burst", Default: 200, Effect: "requests a client IP may send at once before the per-minute rate applies"},

	{Key: "risk_failed_attempt_threshold", Default: 5, Effect: "failed logins within the failure window that add the excessive_failed_attempts weight"},
	{Key: "risk_failed_attempt_window", Default: "30m", Effect: "rolling window for counting failed logins"},
	{Key: "risk_failed_attempt_weight", Default: 0.5, Effect: "score added by excessive_failed_attempts"},
	{Key: "risk_unusual_hour_start", Default: 2, Effect: "first UTC hour (inclusive) flagged unusual_hour"},
	{Key: "risk_unusual_hour_end", Default: 4, Effect: "last UTC hour (inclusive) flagged unusual_hour"},
	{Key: "risk_unusual_hour_weight", Default: 0.2, Effect: "score added by unusual_hour"},
	{Key: "risk_ip_history_depth", Default: 10, Effect: "successful logins whose IPs count as known"},
	{Key: "risk_new_ip_weight", Default: 0.2, Effect: "score added by new_ip_address"},
	{Key: "risk_location_change_weight", Default: 0.3, Effect: "score added by location_change"},
	{Key: "risk_impossible_travel_weight", Default: 0.8, Effect: "score added by impossible_travel"},
	{Key: "risk_travel_window", Default: "2h", Effect: "elapsed time under which a city+country change is impossible travel"},
	{Key: "risk_rapid_attempt_threshold", Default: 4, Effect: "prior attempts within the rapid window that add rapid_attempts"},
	{Key: "risk_rapid_attempt_window", Default: "5m", Effect: "rolling window for rapid_attempts"},
	{Key: "risk_rapid_attempt_weight", Default: 0.3, Effect: "score added by rapid_attempts"},
	{Key: "risk_zero_amount_weight", Default: 0.1, Effect: "score added by zero_amount"},
	{Key: "risk_large_amount", Default: 10000.0, Effect: "amount above which large_amount applies"},
	{Key: "risk_large_amount_weight", Default: 0.5, Effect: "score added by large_amount"},
	{Key: "risk_elevated_amount", Default: 1000.0, Effect: "amount above which elevated_amount applies"},
	{Key: "risk_elevated_amount_weight", Default: 0.3, Effect: "score added by elevated_amount"},
	{Key: "risk_velocity_threshold", Default: 5, Effect: "prior transactions within the velocity window that add high_velocity"},
	{Key: "risk_velocity_window", Default: "1h", Effect: "rolling window for high_velocity"},
	{Key: "risk_velocity_weight", Default: 0.4, Effect: "score added by high_velocity"},
	{Key: "risk_unusual_categories", Default: "cryptocurrency_exchange,gambling,wire_transfer", Effect: "comma-separated merchant categories flagged unusual_category"},
	{Key: "risk_unusual_category_weight", Default: 0.2, Effect: "score added by unusual_category"},
	{Key: "risk_geo_window", Default: "2h", Effect: "elapsed time within which a country change adds geographic_distance"},
	{Key: "risk_geo_weight", Default: 0.4, Effect: "score added by geographic_distance"},
	{Key: "risk_block_threshold", Default: 0.8, Effect: "login score at or above which the login is reported blocked"},
	{Key: "risk_evaluation_timeout", Default: "2s", Effect: "deadline for one evaluation before the fail-safe score is used"},
	{Key: "risk_failsafe_score", Default: 0.5, Effect: "score returned when an evaluation times out or the store fails"},
	{Key: "risk_breaker_failures", Default: 5, Effect: "consecutive history store failures that open the circuit"},
	{Key: "risk_breaker_cooldown", Default: "30s", Effect: "time an open circuit waits before probing the store"},

	{Key: "incident_lockout_threshold", Default: 5, Effect: "failed logins that lock the account"},
	{Key: "incident_lockout_duration", Default: "15m", Effect: "length of a failed-login lockout"},
	{Key: "incident_stepup_amount", Default: 10000.0, Effect: "transaction amount above which step-up authentication is required"},
	{Key: "incident_quarantine_score", Default: 0.7, Effect: "transaction score above which the transaction is quarantined"},
	{Key: "incident_compromise_indicator_max", Default: 2, Effect: "compromise indicators tolerated before the account is restricted"},
	{Key: "incident_compromise_restrict_for", Default: "24h", Effect: "length of a compromise restriction"},

	{Key: "audit_retry_attempts", Default: 3, Effect: "attempts for an audit append when the store is unavailable"},
	{Key: "audit_retry_delay", Default: "25ms", Effect: "first backoff between audit append attempts"},
	{Key: "audit_anchor_policy", Default: "last_good", Effect: "verification anchor after a break: last_good or stored_hash"},
	{Key: "audit_verify_batch", Default: 500, Effect: "entries read per page during verification"},
}

func init() {
	for i := range Options {
		Options[i].Env = strings.ToUpper(Options[i].Key)
	}
}

// ConfigFileEnv names the optional settings file.
const ConfigFileEnv = "SECMON_CONFIG_FILE"

// Load reads configuration from defaults, the optional settings file, .env
// and the environment, then validates it.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	v := viper.New()
	for _, opt := range Options {
		v.SetDefault(opt.Key, opt.Default)
	}
	v.AutomaticEnv()

	if file := os.Getenv(ConfigFileEnv); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the configuration declared in Options, ignoring files
// and the environment.
func Defaults() *Config {
	v := viper.New()
	for _, opt := range Options {
		v.SetDefault(opt.Key, opt.Default)
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{
		Port:         v.GetString("port"),
		Env:          v.GetString("env"),
		LogLevel:     v.GetString("log_level"),
		LogFormat:    v.GetString("log_format"),
		DatabaseURL:  v.GetString("database_url"),
		RedisURL:     v.GetString("redis_url"),
		AdminSecret:  v.GetString("admin_secret"),
		OTLPEndpoint: v.GetString("otel_exporter_otlp_endpoint"),
		CORSOrigins:  splitList(v.GetString("cors_allowed_origins")),

		RateLimitPerMinute: v.GetInt("ratelimit_requests_per_minute"),
		RateLimitBurst:     v.GetInt("ratelimit_burst"),

		Risk: RiskSettings{
			FailedAttemptThreshold: v.GetInt("risk_failed_attempt_threshold"),
			FailedAttemptWindow:    v.GetDuration("risk_failed_attempt_window"),
			FailedAttemptWeight:    v.GetFloat64("risk_failed_attempt_weight"),
			UnusualHourStart:       v.GetInt("risk_unusual_hour_start"),
			UnusualHourEnd:         v.GetInt("risk_unusual_hour_end"),
			UnusualHourWeight:      v.GetFloat64("risk_unusual_hour_weight"),
			IPHistoryDepth:         v.GetInt("risk_ip_history_depth"),
			NewIPWeight:            v.GetFloat64("risk_new_ip_weight"),
			LocationChangeWeight:   v.GetFloat64("risk_location_change_weight"),
			ImpossibleTravelWeight: v.GetFloat64("risk_impossible_travel_weight"),
			TravelWindow:           v.GetDuration("risk_travel_window"),
			RapidAttemptThreshold:  v.GetInt("risk_rapid_attempt_threshold"),
			RapidAttemptWindow:     v.GetDuration("risk_rapid_attempt_window"),
			RapidAttemptWeight:     v.GetFloat64("risk_rapid_attempt_weight"),
			ZeroAmountWeight:       v.GetFloat64("risk_zero_amount_weight"),
			LargeAmount:            v.GetFloat64("risk_large_amount"),
			LargeAmountWeight:      v.GetFloat64("risk_large_amount_weight"),
			ElevatedAmount:         v.GetFloat64("risk_elevated_amount"),
			ElevatedAmountWeight:   v.GetFloat64("risk_elevated_amount_weight"),
			VelocityThreshold:      v.GetInt("risk_velocity_threshold"),
			VelocityWindow:         v.GetDuration("risk_velocity_window"),
			VelocityWeight:         v.GetFloat64("risk_velocity_weight"),
			UnusualCategories:      splitList(v.GetString("risk_unusual_categories")),
			UnusualCategoryWeight:  v.GetFloat64("risk_unusual_category_weight"),
			GeoWindow:              v.GetDuration("risk_geo_window"),
			GeoWeight:              v.GetFloat64("risk_geo_weight"),
			BlockThreshold:         v.GetFloat64("risk_block_threshold"),
			EvaluationTimeout:      v.GetDuration("risk_evaluation_timeout"),
			FailSafeScore:          v.GetFloat64("risk_failsafe_score"),
			BreakerFailures:        v.GetInt("risk_breaker_failures"),
			BreakerCooldown:        v.GetDuration("risk_breaker_cooldown"),
		},
		Incident: IncidentSettings{
			LockoutThreshold:       v.GetInt("incident_lockout_threshold"),
			LockoutDuration:        v.GetDuration("incident_lockout_duration"),
			StepUpAmount:           v.GetFloat64("incident_stepup_amount"),
			QuarantineScore:        v.GetFloat64("incident_quarantine_score"),
			CompromiseIndicatorMax: v.GetInt("incident_compromise_indicator_max"),
			CompromiseRestrictFor:  v.GetDuration("incident_compromise_restrict_for"),
		},
		Audit: AuditSettings{
			RetryAttempts: v.GetInt("audit_retry_attempts"),
			RetryDelay:    v.GetDuration("audit_retry_delay"),
			AnchorPolicy:  v.GetString("audit_anchor_policy"),
			VerifyBatch:   v.GetInt("audit_verify_batch"),
		},
		effective: make(map[string]any, len(Options)),
	}
	for _, opt := range Options {
		cfg.effective[opt.Key] = v.Get(opt.Key)
	}
	return cfg
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	weights := map[string]float64{
		"RISK_FAILED_ATTEMPT_WEIGHT":     c.Risk.FailedAttemptWeight,
		"RISK_UNUSUAL_HOUR_WEIGHT":       c.Risk.UnusualHourWeight,
		"RISK_NEW_IP_WEIGHT":             c.Risk.NewIPWeight,
		"RISK_LOCATION_CHANGE_WEIGHT":    c.Risk.LocationChangeWeight,
		"RISK_IMPOSSIBLE_TRAVEL_WEIGHT":  c.Risk.ImpossibleTravelWeight,
		"RISK_RAPID_ATTEMPT_WEIGHT":      c.Risk.RapidAttemptWeight,
		"RISK_ZERO_AMOUNT_WEIGHT":        c.Risk.ZeroAmountWeight,
		"RISK_LARGE_AMOUNT_WEIGHT":       c.Risk.LargeAmountWeight,
		"RISK_ELEVATED_AMOUNT_WEIGHT":    c.Risk.ElevatedAmountWeight,
		"RISK_VELOCITY_WEIGHT":           c.Risk.VelocityWeight,
		"RISK_UNUSUAL_CATEGORY_WEIGHT":   c.Risk.UnusualCategoryWeight,
		"RISK_GEO_WEIGHT":                c.Risk.GeoWeight,
		"RISK_BLOCK_THRESHOLD":           c.Risk.BlockThreshold,
		"RISK_FAILSAFE_SCORE":            c.Risk.FailSafeScore,
		"INCIDENT_QUARANTINE_SCORE":      c.Incident.QuarantineScore,
	}
	for name, w := range weights {
		if w < 0 || w > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, w)
		}
	}

	counts := map[string]int{
		"RISK_FAILED_ATTEMPT_THRESHOLD": c.Risk.FailedAttemptThreshold,
		"RISK_IP_HISTORY_DEPTH":         c.Risk.IPHistoryDepth,
		"RISK_RAPID_ATTEMPT_THRESHOLD":  c.Risk.RapidAttemptThreshold,
		"RISK_VELOCITY_THRESHOLD":       c.Risk.VelocityThreshold,
		"RISK_BREAKER_FAILURES":         c.Risk.BreakerFailures,
		"INCIDENT_LOCKOUT_THRESHOLD":    c.Incident.LockoutThreshold,
		"AUDIT_RETRY_ATTEMPTS":          c.Audit.RetryAttempts,
		"AUDIT_VERIFY_BATCH":            c.Audit.VerifyBatch,
	}
	for name, n := range counts {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, n)
		}
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATELIMIT_REQUESTS_PER_MINUTE and RATELIMIT_BURST must not be negative")
	}
	if c.Incident.CompromiseIndicatorMax < 0 {
		return fmt.Errorf("INCIDENT_COMPROMISE_INDICATOR_MAX must not be negative")
	}

	durations := map[string]time.Duration{
		"RISK_FAILED_ATTEMPT_WINDOW":       c.Risk.FailedAttemptWindow,
		"RISK_TRAVEL_WINDOW":               c.Risk.TravelWindow,
		"RISK_RAPID_ATTEMPT_WINDOW":        c.Risk.RapidAttemptWindow,
		"RISK_VELOCITY_WINDOW":             c.Risk.VelocityWindow,
		"RISK_GEO_WINDOW":                  c.Risk.GeoWindow,
		"RISK_EVALUATION_TIMEOUT":          c.Risk.EvaluationTimeout,
		"RISK_BREAKER_COOLDOWN":            c.Risk.BreakerCooldown,
		"INCIDENT_LOCKOUT_DURATION":        c.Incident.LockoutDuration,
		"INCIDENT_COMPROMISE_RESTRICT_FOR": c.Incident.CompromiseRestrictFor,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %v", name, d)
		}
	}

	if c.Risk.UnusualHourStart < 0 || c.Risk.UnusualHourEnd > 23 || c.Risk.UnusualHourStart > c.Risk.UnusualHourEnd {
		return fmt.Errorf("RISK_UNUSUAL_HOUR_START/END must satisfy 0 <= start <= end <= 23")
	}
	if c.Risk.ElevatedAmount > c.Risk.LargeAmount {
		return fmt.Errorf("RISK_ELEVATED_AMOUNT must not exceed RISK_LARGE_AMOUNT")
	}
	switch c.Audit.AnchorPolicy {
	case "last_good", "stored_hash":
	default:
		return fmt.Errorf("AUDIT_ANCHOR_POLICY must be last_good or stored_hash, got %q", c.Audit.AnchorPolicy)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// OptionValue is an Option together with the value in effect.
type OptionValue struct {
	Option
	Value any `json:"value"`
}

// Effective lists every option with its value in effect. Secrets are masked.
func (c *Config) Effective() []OptionValue {
	out := make([]OptionValue, 0, len(Options))
	for _, opt := range Options {
		val := c.effective[opt.Key]
		if opt.Secret {
			if s, _ := val.(string); s != "" {
				val = "***"
			}
		}
		out = append(out, OptionValue{Option: opt, Value: val})
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

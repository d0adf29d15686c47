package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5, cfg.Risk.FailedAttemptThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Risk.FailedAttemptWindow)
	assert.Equal(t, 2, cfg.Risk.UnusualHourStart)
	assert.Equal(t, 4, cfg.Risk.UnusualHourEnd)
	assert.Equal(t, 2*time.Hour, cfg.Risk.TravelWindow)
	assert.Equal(t, 10000.0, cfg.Risk.LargeAmount)
	assert.Equal(t, 0.5, cfg.Risk.FailSafeScore)
	assert.Equal(t, []string{"cryptocurrency_exchange", "gambling", "wire_transfer"}, cfg.Risk.UnusualCategories)
	assert.Equal(t, 15*time.Minute, cfg.Incident.LockoutDuration)
	assert.Equal(t, 24*time.Hour, cfg.Incident.CompromiseRestrictFor)
	assert.Equal(t, "last_good", cfg.Audit.AnchorPolicy)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "RISK_FAILED_ATTEMPT_THRESHOLD", "3")
	setEnv(t, "RISK_TRAVEL_WINDOW", "90m")
	setEnv(t, "RISK_FAILSAFE_SCORE", "0.9")
	setEnv(t, "RISK_UNUSUAL_CATEGORIES", "gambling, lottery")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 3, cfg.Risk.FailedAttemptThreshold)
	assert.Equal(t, 90*time.Minute, cfg.Risk.TravelWindow)
	assert.Equal(t, 0.9, cfg.Risk.FailSafeScore)
	assert.Equal(t, []string{"gambling", "lottery"}, cfg.Risk.UnusualCategories)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("incident_lockout_duration: 45m\naudit_anchor_policy: stored_hash\n"), 0o600))
	setEnv(t, ConfigFileEnv, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, cfg.Incident.LockoutDuration)
	assert.Equal(t, "stored_hash", cfg.Audit.AnchorPolicy)
}

func TestLoad_EnvBeatsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("risk_block_threshold: 0.6\n"), 0o600))
	setEnv(t, ConfigFileEnv, path)
	setEnv(t, "RISK_BLOCK_THRESHOLD", "0.75")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.75, cfg.Risk.BlockThreshold)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	setEnv(t, ConfigFileEnv, filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ProductionRequiresAdminSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "ADMIN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET is required")
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load()
	require.NoError(t, err)
	return *cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing port", mutate: func(c *Config) { c.Port = "" }, wantErr: "PORT is required"},
		{name: "weight above one", mutate: func(c *Config) { c.Risk.GeoWeight = 1.5 }, wantErr: "RISK_GEO_WEIGHT"},
		{name: "negative failsafe", mutate: func(c *Config) { c.Risk.FailSafeScore = -0.1 }, wantErr: "RISK_FAILSAFE_SCORE"},
		{name: "zero threshold", mutate: func(c *Config) { c.Incident.LockoutThreshold = 0 }, wantErr: "INCIDENT_LOCKOUT_THRESHOLD"},
		{name: "zero window", mutate: func(c *Config) { c.Risk.VelocityWindow = 0 }, wantErr: "RISK_VELOCITY_WINDOW"},
		{name: "inverted hours", mutate: func(c *Config) { c.Risk.UnusualHourStart = 5 }, wantErr: "RISK_UNUSUAL_HOUR"},
		{name: "hour out of range", mutate: func(c *Config) { c.Risk.UnusualHourEnd = 24 }, wantErr: "RISK_UNUSUAL_HOUR"},
		{name: "elevated above large", mutate: func(c *Config) { c.Risk.ElevatedAmount = 20000 }, wantErr: "RISK_ELEVATED_AMOUNT"},
		{name: "unknown anchor", mutate: func(c *Config) { c.Audit.AnchorPolicy = "first" }, wantErr: "AUDIT_ANCHOR_POLICY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_Effective_MasksSecrets(t *testing.T) {
	setEnv(t, "ADMIN_SECRET", "hunter2")
	setEnv(t, "DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	values := map[string]OptionValue{}
	for _, ov := range cfg.Effective() {
		values[ov.Key] = ov
	}
	require.Len(t, values, len(Options))
	assert.Equal(t, "***", values["admin_secret"].Value)
	assert.Equal(t, "", values["database_url"].Value)
	assert.Equal(t, "ADMIN_SECRET", values["admin_secret"].Env)
	assert.NotEmpty(t, values["risk_failsafe_score"].Effect)
}

func TestEnvironmentModes(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}

func TestDefaults_IgnoresEnvironment(t *testing.T) {
	setEnv(t, "RISK_FAILED_ATTEMPT_THRESHOLD", "9")

	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Risk.FailedAttemptThreshold)
	assert.Equal(t, 0.8, cfg.Risk.BlockThreshold)
	assert.Len(t, cfg.Effective(), len(Options))
}

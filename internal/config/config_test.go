package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/harness")
	t.Setenv("CONTROL_PLANE_URL", "https://control-plane.internal")
	t.Setenv("LOGICAL_REPLICATION_BATCH_SIZE", "250")
	t.Setenv("LOGICAL_REPLICATION_POLL_INTERVAL", "1.5")
	t.Setenv("LOGICAL_REPLICATION_PLUGIN_OPTIONS", "include-lsn=true, include-timestamp=false")

	cfg := LoadFromEnv()

	if cfg.Environment != "production" {
		t.Errorf("expected production, got %s", cfg.Environment)
	}
	if cfg.DatabaseURL != "postgres://u:p@db:5432/harness" {
		t.Errorf("unexpected database url: %s", cfg.DatabaseURL)
	}
	if cfg.Replication.BatchSize != 250 {
		t.Errorf("expected batch size 250, got %d", cfg.Replication.BatchSize)
	}
	if cfg.Replication.PollInterval != 1500*time.Millisecond {
		t.Errorf("expected 1.5s poll interval, got %s", cfg.Replication.PollInterval)
	}
	if cfg.Replication.PluginOptions["include-lsn"] != "true" {
		t.Errorf("expected include-lsn=true, got %v", cfg.Replication.PluginOptions)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected loaded config to validate: %v", err)
	}
}

func TestValidateRequiresControlPlaneOutsideDevelopment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.ControlPlaneURL = ""

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error without control plane url in production")
	}
}

func TestLoadFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("LOGICAL_REPLICATION_BATCH_SIZE", "not-a-number")
	cfg := LoadFromEnv()
	if cfg.Replication.BatchSize != 100 {
		t.Errorf("expected default batch size on malformed input, got %d", cfg.Replication.BatchSize)
	}
}

func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}

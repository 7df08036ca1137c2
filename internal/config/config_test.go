package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 9090
auth:
  jwt_secret: test-secret
provider:
  default: openai
  model: gpt-4o
agent:
  max_tool_calls: 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("http_port = %d, want 9090", cfg.Server.HTTPPort)
	}
	if cfg.Provider.Default != "openai" || cfg.Provider.Model != "gpt-4o" {
		t.Errorf("provider = %q/%q", cfg.Provider.Default, cfg.Provider.Model)
	}
	if cfg.Agent.MaxToolCalls != 5 {
		t.Errorf("max_tool_calls = %d, want 5", cfg.Agent.MaxToolCalls)
	}
	// Untouched fields keep defaults.
	if cfg.Agent.MaxWallTime != 5*time.Minute {
		t.Errorf("max_wall_time = %s, want default 5m", cfg.Agent.MaxWallTime)
	}
	// Worker secret falls back to the auth secret.
	if cfg.Worker.JobSecret != "test-secret" {
		t.Errorf("job_secret = %q, want auth secret fallback", cfg.Worker.JobSecret)
	}
}

func TestValidateRejectsBadProvider(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "s"
	cfg.Provider.Default = "mystery"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted unknown provider")
	}
}

func TestValidateRequiresJWTSecret(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted empty jwt_secret")
	}
}

func TestEnvExpansionInFile(t *testing.T) {
	t.Setenv("TEST_IP_SECRET", "from-env")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("auth:\n  jwt_secret: ${TEST_IP_SECRET}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("jwt_secret = %q, want from-env", cfg.Auth.JWTSecret)
	}
}

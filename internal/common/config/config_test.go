package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Sessions.MaxConcurrent != 10 {
		t.Errorf("expected default maxConcurrent 10, got %d", cfg.Sessions.MaxConcurrent)
	}
	if cfg.Auth.CredentialMode != "auto" {
		t.Errorf("expected default credentialMode auto, got %q", cfg.Auth.CredentialMode)
	}
	if cfg.Docker.OpConcurrency != 10 {
		t.Errorf("expected default opConcurrency 10, got %d", cfg.Docker.OpConcurrency)
	}
	if cfg.Sessions.IdleTimeoutDuration() != time.Hour {
		t.Errorf("expected default idle timeout 1h, got %v", cfg.Sessions.IdleTimeoutDuration())
	}
	if cfg.Auth.CallbackPortBase != 1455 {
		t.Errorf("expected default callbackPortBase 1455, got %d", cfg.Auth.CallbackPortBase)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CODERELAY_MAX_CONCURRENT_SESSIONS", "3")
	t.Setenv("CODERELAY_SESSION_IDLE_TIMEOUT", "120")
	t.Setenv("CODERELAY_CREDENTIAL_MODE", "oauth")
	t.Setenv("CODERELAY_SANDBOX_NETWORK_MODE", "coderelay-net")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Sessions.MaxConcurrent != 3 {
		t.Errorf("expected maxConcurrent 3, got %d", cfg.Sessions.MaxConcurrent)
	}
	if cfg.Sessions.IdleTimeout != 120 {
		t.Errorf("expected idleTimeout 120, got %d", cfg.Sessions.IdleTimeout)
	}
	if cfg.Auth.CredentialMode != "oauth" {
		t.Errorf("expected credentialMode oauth, got %q", cfg.Auth.CredentialMode)
	}
	if cfg.Docker.NetworkMode != "coderelay-net" {
		t.Errorf("expected networkMode coderelay-net, got %q", cfg.Docker.NetworkMode)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	content := []byte("sessions:\n  maxConcurrent: 7\n  dataDir: /tmp/relay-test\nauth:\n  credentialMode: key\n")
	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), content, 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadWithPath(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Sessions.MaxConcurrent != 7 {
		t.Errorf("expected maxConcurrent 7, got %d", cfg.Sessions.MaxConcurrent)
	}
	if cfg.Auth.CredentialMode != "key" {
		t.Errorf("expected credentialMode key, got %q", cfg.Auth.CredentialMode)
	}
	if cfg.IndexFilePath() != "/tmp/relay-test/metadata/agent_containers.json" {
		t.Errorf("unexpected index path %q", cfg.IndexFilePath())
	}
}

func TestLoad_InvalidCredentialMode(t *testing.T) {
	t.Setenv("CODERELAY_CREDENTIAL_MODE", "bogus")

	if _, err := Load(); err == nil {
		t.Error("expected validation error for bogus credential mode")
	}
}

func TestCredentialFilePath_Default(t *testing.T) {
	cfg := &Config{}
	cfg.Sessions.DataDir = "/data"

	if got := cfg.CredentialFilePath(); got != "/data/credentials.json" {
		t.Errorf("unexpected credential path %q", got)
	}

	cfg.Auth.CredentialFile = "/elsewhere/creds.json"
	if got := cfg.CredentialFilePath(); got != "/elsewhere/creds.json" {
		t.Errorf("expected explicit credential path, got %q", got)
	}
}

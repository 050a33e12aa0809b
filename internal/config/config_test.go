package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnvKeepsProcessEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "BACKEND_URL=http://records.internal:9000\nMAX_POLL_ATTEMPTS=12\n# comment\nPORT=\"9090\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("PORT", "7070")
	t.Setenv("BACKEND_URL", "")
	t.Setenv("MAX_POLL_ATTEMPTS", "")
	os.Unsetenv("BACKEND_URL")
	os.Unsetenv("MAX_POLL_ATTEMPTS")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("expected missing files to be skipped, got %v", err)
	}

	cfg := Load()
	if cfg.Port != "7070" {
		t.Fatalf("expected process env to win, got port %s", cfg.Port)
	}
	if cfg.BackendURL != "http://records.internal:9000" {
		t.Fatalf("expected backend url from file, got %s", cfg.BackendURL)
	}
	if cfg.MaxPollAttempts != 12 {
		t.Fatalf("expected 12 poll attempts, got %d", cfg.MaxPollAttempts)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("POLL_INTERVAL_MS", "not-a-number")

	cfg := Load()
	if cfg.PollIntervalMS != 2000 {
		t.Fatalf("expected fallback poll interval, got %d", cfg.PollIntervalMS)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("expected two trimmed origins, got %v", cfg.CORSAllowedOrigins)
	}
}

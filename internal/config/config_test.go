package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	for _, key := range []string{
		"CREATORSYNC_SERVER_URL",
		"CREATORSYNC_SESSION_TOKEN",
		"CREATORSYNC_REQUEST_TIMEOUT",
		"CREATORSYNC_RATE_LIMIT_RPS",
		"CREATORSYNC_MAX_MEDIA_BYTES",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ServerURL != "http://localhost:3000" {
		t.Fatalf("unexpected server url %q", cfg.ServerURL)
	}
	if cfg.MaxMediaBytes != DefaultMaxMediaBytes {
		t.Fatalf("unexpected max media bytes %d", cfg.MaxMediaBytes)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.RequestTimeout)
	}
	if cfg.SessionCookieName != "token" {
		t.Fatalf("unexpected cookie name %q", cfg.SessionCookieName)
	}
}

func TestLoadOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CREATORSYNC_SERVER_URL", "https://api.example.com/")
	t.Setenv("CREATORSYNC_RATE_LIMIT_RPS", "2.5")
	t.Setenv("CREATORSYNC_REQUEST_TIMEOUT", "3s")
	t.Setenv("CREATORSYNC_EXPORT_BUCKET", "transcripts")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ServerURL != "https://api.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.ServerURL)
	}
	if cfg.RequestsPerSecond != 2.5 {
		t.Fatalf("unexpected rate %v", cfg.RequestsPerSecond)
	}
	if cfg.RequestTimeout != 3*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.RequestTimeout)
	}
	if cfg.Export.Bucket != "transcripts" {
		t.Fatalf("unexpected bucket %q", cfg.Export.Bucket)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := Config{ServerURL: "http://localhost:3000", RequestsPerSecond: 1, RequestBurst: 1, MaxMediaBytes: 1}

	bad := base
	bad.ServerURL = "ftp://example.com"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for non-http scheme")
	}

	bad = base
	bad.RequestsPerSecond = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero rate")
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}

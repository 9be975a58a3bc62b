package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_DB_DSN", "postgres://u:p@localhost:5432/calsync?sslmode=disable")
	t.Setenv("APP_OAUTH_CLIENT_ID", "client")
	t.Setenv("APP_OAUTH_CLIENT_SECRET", "secret")
	t.Setenv("APP_SESSION_SECRET", strings.Repeat("s", 32))
	t.Setenv("APP_API_TOKEN", "api-token")
	t.Setenv("APP_TRUSTED_PROXIES", "10.0.0.0/8")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.Remote.BaseURL != defaultRemoteBaseURL {
		t.Errorf("expected default remote base url, got %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.Timeout != 30*time.Second {
		t.Errorf("expected 30s remote timeout, got %v", cfg.Remote.Timeout)
	}
	if !cfg.Sync.Enabled {
		t.Error("expected sync enabled by default")
	}
	if cfg.Sync.DefaultCategory != "CalSync" {
		t.Errorf("unexpected default category %q", cfg.Sync.DefaultCategory)
	}
	if len(cfg.OAuth.Scopes) == 0 || cfg.OAuth.Scopes[0] != "openid" {
		t.Errorf("unexpected scopes %v", cfg.OAuth.Scopes)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_REMOTE_BASE_URL", "http://graph.local/api")
	t.Setenv("APP_SYNC_PUSH_INTERVAL", "15s")
	t.Setenv("APP_SYNC_ENABLED", "off")
	t.Setenv("APP_REMOTE_BURST", "7")
	t.Setenv("APP_BASE_URL", "https://sync.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Remote.BaseURL != "http://graph.local/api/" {
		t.Errorf("expected trailing slash to be added, got %q", cfg.Remote.BaseURL)
	}
	if cfg.Sync.PushInterval != 15*time.Second {
		t.Errorf("expected 15s push interval, got %v", cfg.Sync.PushInterval)
	}
	if cfg.Sync.Enabled {
		t.Error("expected sync disabled")
	}
	if cfg.Remote.Burst != 7 {
		t.Errorf("expected burst 7, got %d", cfg.Remote.Burst)
	}
	if got := cfg.RedirectURL(); got != "https://sync.example.com/auth/callback" {
		t.Errorf("unexpected redirect url %q", got)
	}
}

func TestLoadBuildsDSNFromParts(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_DB_DSN", "")
	t.Setenv("APP_DB_HOST", "db")
	t.Setenv("APP_DB_NAME", "calsync")
	t.Setenv("APP_DB_USER", "sync")
	t.Setenv("APP_DB_PASSWORD", "pw")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	want := "postgres://sync:pw@db:5432/calsync?sslmode=disable"
	if cfg.DB.DSN != want {
		t.Errorf("expected dsn %q, got %q", want, cfg.DB.DSN)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{name: "missing dsn", key: "APP_DB_DSN", value: "", want: "APP_DB_DSN"},
		{name: "short secret", key: "APP_SESSION_SECRET", value: "short", want: "at least 32"},
		{name: "missing api token", key: "APP_API_TOKEN", value: "", want: "APP_API_TOKEN"},
		{name: "missing client", key: "APP_OAUTH_CLIENT_ID", value: "", want: "client id"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultRemoteBaseURL = "https://outlook.office.com/api/v2.0/me/"
	defaultAuthURL       = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"
	defaultTokenURL      = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	defaultScopes        = "openid offline_access profile email https://outlook.office.com/calendars.readwrite"
)

type Config struct {
	ListenAddr string
	BaseURL    string
	APIToken   string

	DB struct {
		DSN string
	}

	OAuth struct {
		ClientID        string
		ClientSecret    string
		IssuerURL       string
		AuthURL         string
		TokenURL        string
		RedirectPath    string
		Scopes          []string
		SkipIssuerCheck bool
	}

	Session struct {
		Secret string
	}

	Remote struct {
		BaseURL string
		Timeout time.Duration
		// Rate is the sustained outbound request rate per remote user.
		Rate  float64
		Burst int
	}

	Sync struct {
		Enabled              bool
		PushInterval         time.Duration
		PullInterval         time.Duration
		TokenRefreshInterval time.Duration
		PullStaleAfter       time.Duration
		DefaultCategory      string
	}

	Log struct {
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	PrometheusEnabled bool
	TrustedProxies    []string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.APIToken = os.Getenv("APP_API_TOKEN")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.OAuth.ClientID = os.Getenv("APP_OAUTH_CLIENT_ID")
	cfg.OAuth.ClientSecret = os.Getenv("APP_OAUTH_CLIENT_SECRET")
	cfg.OAuth.IssuerURL = os.Getenv("APP_OAUTH_ISSUER_URL")
	cfg.OAuth.AuthURL = getenvDefault("APP_OAUTH_AUTH_URL", defaultAuthURL)
	cfg.OAuth.TokenURL = getenvDefault("APP_OAUTH_TOKEN_URL", defaultTokenURL)
	cfg.OAuth.RedirectPath = getenvDefault("APP_OAUTH_REDIRECT_PATH", "/auth/callback")
	cfg.OAuth.Scopes = strings.Fields(getenvDefault("APP_OAUTH_SCOPES", defaultScopes))
	cfg.OAuth.SkipIssuerCheck = getenvBool("APP_OAUTH_SKIP_ISSUER_CHECK", false)
	cfg.Session.Secret = os.Getenv("APP_SESSION_SECRET")

	cfg.Remote.BaseURL = getenvDefault("APP_REMOTE_BASE_URL", defaultRemoteBaseURL)
	if !strings.HasSuffix(cfg.Remote.BaseURL, "/") {
		cfg.Remote.BaseURL += "/"
	}
	cfg.Remote.Timeout = getenvDuration("APP_REMOTE_TIMEOUT", 30*time.Second)
	cfg.Remote.Rate = getenvFloat("APP_REMOTE_RATE", 10)
	cfg.Remote.Burst = getenvInt("APP_REMOTE_BURST", 20)

	cfg.Sync.Enabled = getenvBool("APP_SYNC_ENABLED", true)
	cfg.Sync.PushInterval = getenvDuration("APP_SYNC_PUSH_INTERVAL", time.Minute)
	cfg.Sync.PullInterval = getenvDuration("APP_SYNC_PULL_INTERVAL", 5*time.Minute)
	cfg.Sync.TokenRefreshInterval = getenvDuration("APP_SYNC_TOKEN_REFRESH_INTERVAL", 30*time.Minute)
	cfg.Sync.PullStaleAfter = getenvDuration("APP_SYNC_PULL_STALE_AFTER", 30*time.Minute)
	cfg.Sync.DefaultCategory = getenvDefault("APP_SYNC_DEFAULT_CATEGORY", "CalSync")

	cfg.Log.File = os.Getenv("APP_LOG_FILE")
	cfg.Log.MaxSizeMB = getenvInt("APP_LOG_MAX_SIZE_MB", 50)
	cfg.Log.MaxBackups = getenvInt("APP_LOG_MAX_BACKUPS", 5)
	cfg.Log.MaxAgeDays = getenvInt("APP_LOG_MAX_AGE_DAYS", 28)

	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if len(cfg.TrustedProxies) == 0 {
		log.Println("[WARN] No APP_TRUSTED_PROXIES configured. CalSync will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DB.DSN == "" {
		return errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
		return fmt.Errorf("oauth configuration is required: client id and secret")
	}
	if c.OAuth.IssuerURL == "" && (c.OAuth.AuthURL == "" || c.OAuth.TokenURL == "") {
		return errors.New("APP_OAUTH_ISSUER_URL or both APP_OAUTH_AUTH_URL and APP_OAUTH_TOKEN_URL are required")
	}
	if c.Session.Secret == "" {
		return errors.New("APP_SESSION_SECRET is required")
	}
	if len(c.Session.Secret) < 32 {
		return fmt.Errorf("APP_SESSION_SECRET must be at least 32 characters long (got %d)", len(c.Session.Secret))
	}
	if c.APIToken == "" {
		return errors.New("APP_API_TOKEN is required")
	}
	if c.Remote.Timeout <= 0 {
		return errors.New("APP_REMOTE_TIMEOUT must be positive")
	}
	if c.Remote.Rate <= 0 || c.Remote.Burst <= 0 {
		return errors.New("APP_REMOTE_RATE and APP_REMOTE_BURST must be positive")
	}
	return nil
}

// RedirectURL is the absolute OAuth callback URL.
func (c *Config) RedirectURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.OAuth.RedirectPath
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
		log.Printf("[WARN] ignoring invalid integer for %s: %q", key, v)
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
		log.Printf("[WARN] ignoring invalid number for %s: %q", key, v)
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
		log.Printf("[WARN] ignoring invalid duration for %s: %q", key, v)
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}

package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// History API base URL, for example https://chat.example.com/api/v1.
	APIURL string `env:"CHAT_API_URL"`

	// Push endpoint. When empty it is derived from APIURL by swapping the
	// scheme to ws/wss and the path to /ws.
	WSURL string `env:"CHAT_WS_URL"`

	// Account credentials, used to log in when no cached or file token is
	// available.
	Email    string `env:"CHAT_EMAIL"`
	Password string `env:"CHAT_PASSWORD"`

	// Optional file holding a bearer token. It is watched; rewriting it
	// reconnects with the new token.
	TokenFile string `env:"CHAT_TOKEN_FILE"`

	PageSize          int           `env:"CHAT_PAGE_SIZE" envDefault:"50"`
	ReconnectAttempts int           `env:"CHAT_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectMin      time.Duration `env:"CHAT_RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax      time.Duration `env:"CHAT_RECONNECT_MAX" envDefault:"5s"`
	TypingTTL         time.Duration `env:"CHAT_TYPING_TTL" envDefault:"3s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// bbolt file caching the token and local user between runs. Defaults
	// to ~/.chat-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// MCP server settings
	EnableMCP      bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr  string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeyHash  string `env:"MCP_API_KEY_HASH"`
	MetricsEnabled bool   `env:"ENABLE_METRICS" envDefault:"true"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	// A base URL that cannot be mapped is reported by validate.
	if cfg.WSURL == "" {
		if ws, err := DeriveWSURL(cfg.APIURL); err == nil {
			cfg.WSURL = ws
		}
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.TokenFile != "" {
		abs, err := filepath.Abs(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("resolving token file to absolute path: %w", err)
		}

		cfg.TokenFile = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	if err := checkURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("CHAT_API_URL: %w", err)
	}

	if err := checkURL(c.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("CHAT_WS_URL: %w", err)
	}

	if c.TokenFile == "" && (c.Email == "" || c.Password == "") {
		return fmt.Errorf("CHAT_EMAIL and CHAT_PASSWORD are required when CHAT_TOKEN_FILE is not set")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("CHAT_PAGE_SIZE must be positive, got %d", c.PageSize)
	}

	if c.ReconnectAttempts <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_ATTEMPTS must be positive, got %d", c.ReconnectAttempts)
	}

	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("CHAT_RECONNECT_MIN must be positive and not above CHAT_RECONNECT_MAX (%s, %s)", c.ReconnectMin, c.ReconnectMax)
	}

	if c.TypingTTL <= 0 {
		return fmt.Errorf("CHAT_TYPING_TTL must be positive, got %s", c.TypingTTL)
	}

	if c.EnableMCP && c.MCPAPIKeyHash == "" {
		return fmt.Errorf("MCP_API_KEY_HASH is required when MCP is enabled (generate one with: chat-sync hash-key)")
	}

	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", raw, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, " or "))
}

// DeriveWSURL maps the History API base URL onto the push endpoint on the
// same host: http becomes ws, https becomes wss, and the path is /ws.
func DeriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parsing %q: %w", apiURL, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}

// DefaultStatePath returns ~/.chat-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

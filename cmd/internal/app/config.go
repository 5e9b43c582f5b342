package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"concierge/cmd/internal/chatsync"
	"concierge/cmd/internal/relay"

	"github.com/goccy/go-yaml"
)

// Config contains all runtime configuration loaded from environment variables.
// Command-line flags override individual fields after LoadConfig.
type Config struct {
	APIURL   string
	Token    string
	Email    string
	Password string

	PollInterval   time.Duration
	ListInterval   time.Duration
	RequestTimeout time.Duration

	// APIRPS caps outbound requests per second; 0 disables the limiter.
	APIRPS   float64
	APIBurst int

	LogLevel  string
	LogFormat string

	// RelayAddr enables the local relay HTTP server when non-empty.
	RelayAddr            string
	RelayAllowedOrigins  []string
	RelayOriginRequired  bool
	RelayReadHeaderLimit time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// FileConfig is the optional YAML config file (CONCIERGE_CONFIG).
// Durations are Go duration strings. Environment variables override it.
type FileConfig struct {
	APIURL         string   `yaml:"api_url"`
	Email          string   `yaml:"email"`
	PollInterval   string   `yaml:"poll_interval"`
	ListInterval   string   `yaml:"list_interval"`
	RequestTimeout string   `yaml:"request_timeout"`
	APIRPS         float64  `yaml:"api_rps"`
	APIBurst       int      `yaml:"api_burst"`
	LogLevel       string   `yaml:"log_level"`
	LogFormat      string   `yaml:"log_format"`
	RelayAddr      string   `yaml:"relay_addr"`
	RelayOrigins   []string `yaml:"relay_allowed_origins"`
	CORSOrigins    []string `yaml:"cors_allowed_origins"`
}

// ReadConfigFile parses a YAML config file. An empty path yields an empty FileConfig.
func ReadConfigFile(path string) (FileConfig, error) {
	var fc FileConfig
	if strings.TrimSpace(path) == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

// LoadConfig loads Config from CONCIERGE_* environment variables with defaults.
func LoadConfig() Config { return loadConfig(FileConfig{}) }

// LoadConfigFile loads Config with the YAML file at path providing defaults.
func LoadConfigFile(path string) (Config, error) {
	fc, err := ReadConfigFile(path)
	if err != nil {
		return Config{}, err
	}
	return loadConfig(fc), nil
}

func loadConfig(fc FileConfig) Config {
	return Config{
		APIURL:   EnvString("CONCIERGE_API_URL", orString(fc.APIURL, "http://localhost:8080")),
		Token:    EnvString("CONCIERGE_TOKEN", ""),
		Email:    EnvString("CONCIERGE_EMAIL", fc.Email),
		Password: EnvString("CONCIERGE_PASSWORD", ""),

		PollInterval:   EnvDuration("CONCIERGE_POLL_INTERVAL", orDuration(fc.PollInterval, chatsync.DefaultInterval)),
		ListInterval:   EnvDuration("CONCIERGE_LIST_INTERVAL", orDuration(fc.ListInterval, chatsync.DefaultListInterval)),
		RequestTimeout: EnvDuration("CONCIERGE_REQUEST_TIMEOUT", orDuration(fc.RequestTimeout, 10*time.Second)),

		APIRPS:   EnvFloat("CONCIERGE_API_RPS", fc.APIRPS),
		APIBurst: EnvInt("CONCIERGE_API_BURST", orInt(fc.APIBurst, 5)),

		LogLevel:  EnvString("CONCIERGE_LOG_LEVEL", orString(fc.LogLevel, "info")),
		LogFormat: EnvString("CONCIERGE_LOG_FORMAT", orString(fc.LogFormat, "json")),

		RelayAddr:            EnvString("CONCIERGE_RELAY_ADDR", fc.RelayAddr),
		RelayAllowedOrigins:  EnvCSV("CONCIERGE_RELAY_ALLOWED_ORIGINS", orList(fc.RelayOrigins, relay.DefaultAllowedOrigins)),
		RelayOriginRequired:  EnvBool("CONCIERGE_RELAY_ORIGIN_REQUIRED", false),
		RelayReadHeaderLimit: EnvDuration("CONCIERGE_RELAY_READ_HEADER_TIMEOUT", 5*time.Second),

		CORSAllowedOrigins:   EnvCSV("CONCIERGE_CORS_ALLOWED_ORIGINS", orList(fc.CORSOrigins, relay.DefaultAllowedOrigins)),
		CORSAllowCredentials: EnvBool("CONCIERGE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CONCIERGE_CORS_MAX_AGE_SECONDS", 600),
	}
}

func orString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func orDuration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orList(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	var errs []error

	u, err := url.Parse(strings.TrimSpace(c.APIURL))
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("CONCIERGE_API_URL: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("CONCIERGE_API_URL: scheme must be http or https, got %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("CONCIERGE_API_URL: missing host"))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.ListInterval <= 0 {
		errs = append(errs, errors.New("list interval must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty", "text":
	default:
		errs = append(errs, fmt.Errorf("CONCIERGE_LOG_FORMAT: unknown format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

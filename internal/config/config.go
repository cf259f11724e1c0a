package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	Store         string `mapstructure:"STORE"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string `mapstructure:"DEFAULT_TENANT"`

	RedirectURI        string        `mapstructure:"EHR_REDIRECT_URI"`
	IssuerAllowlist    []string      `mapstructure:"EHR_ISSUER_ALLOWLIST"`
	JWKSPrivateKey     string        `mapstructure:"EHR_JWKS_PRIVATE_KEY"`
	JWKSPrivateKeyFile string        `mapstructure:"EHR_JWKS_PRIVATE_KEY_FILE"`
	JWKSKeyID          string        `mapstructure:"EHR_JWKS_KEY_ID"`
	TokenEncryptionKey string        `mapstructure:"EHR_TOKEN_ENCRYPTION_KEY"`
	HTTPTimeout        time.Duration `mapstructure:"EHR_HTTP_TIMEOUT"`
	FHIRRPS            float64       `mapstructure:"EHR_FHIR_RPS"`
	FHIRBurst          int           `mapstructure:"EHR_FHIR_BURST"`
	LaunchTTL          time.Duration `mapstructure:"EHR_LAUNCH_TTL"`
	CapabilityTTL      time.Duration `mapstructure:"EHR_CAPABILITY_TTL"`

	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled         bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile        string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile         string        `mapstructure:"TLS_KEY_FILE"`
	OTelEnabled        bool          `mapstructure:"OTEL_ENABLED"`
	OTelMetricInterval time.Duration `mapstructure:"OTEL_METRIC_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT",
	"EHR_REDIRECT_URI", "EHR_ISSUER_ALLOWLIST", "EHR_JWKS_PRIVATE_KEY", "EHR_JWKS_PRIVATE_KEY_FILE",
	"EHR_JWKS_KEY_ID", "EHR_TOKEN_ENCRYPTION_KEY", "EHR_HTTP_TIMEOUT", "EHR_FHIR_RPS", "EHR_FHIR_BURST",
	"EHR_LAUNCH_TTL", "EHR_CAPABILITY_TTL",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "REQUEST_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE", "OTEL_ENABLED", "OTEL_METRIC_INTERVAL",
}

// Load reads the environment and an optional .env file. It does not
// validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_TENANT", "")
	v.SetDefault("EHR_JWKS_KEY_ID", "ehrlink-1")
	v.SetDefault("EHR_HTTP_TIMEOUT", "15s")
	v.SetDefault("EHR_FHIR_RPS", 10)
	v.SetDefault("EHR_FHIR_BURST", 20)
	v.SetDefault("EHR_LAUNCH_TTL", "10m")
	v.SetDefault("EHR_CAPABILITY_TTL", "5m")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("OTEL_METRIC_INTERVAL", "30s")

	// Bind explicitly so Unmarshal sees variables without defaults.
	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated lists arrive from the environment as one string.
	cfg.IssuerAllowlist = splitList(v.GetString("EHR_ISSUER_ALLOWLIST"))
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SigningKeyPEM returns the operator private key used for private_key_jwt,
// or nil when none is configured.
func (c *Config) SigningKeyPEM() ([]byte, error) {
	if c.JWKSPrivateKey != "" {
		return []byte(c.JWKSPrivateKey), nil
	}
	if c.JWKSPrivateKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.JWKSPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read EHR_JWKS_PRIVATE_KEY_FILE: %w", err)
	}
	return data, nil
}

// TokenKey decodes EHR_TOKEN_ENCRYPTION_KEY. An empty key yields nil.
func (c *Config) TokenKey() ([]byte, error) {
	if c.TokenEncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("EHR_TOKEN_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("EHR_TOKEN_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// Validate checks that the configuration is safe to run. Production
// requires a persistent store, sealed tokens at rest and an https
// redirect URI.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store)
	}

	if c.RedirectURI == "" {
		return fmt.Errorf("EHR_REDIRECT_URI is required")
	}
	u, err := url.Parse(c.RedirectURI)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("EHR_REDIRECT_URI must be an absolute http(s) URL, got %q", c.RedirectURI)
	}

	if _, err := c.TokenKey(); err != nil {
		return err
	}
	if c.JWKSPrivateKey != "" && c.JWKSPrivateKeyFile != "" {
		return fmt.Errorf("set only one of EHR_JWKS_PRIVATE_KEY and EHR_JWKS_PRIVATE_KEY_FILE")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("EHR_HTTP_TIMEOUT must be positive")
	}
	if c.LaunchTTL <= 0 {
		return fmt.Errorf("EHR_LAUNCH_TTL must be positive")
	}
	if c.FHIRRPS < 0 {
		return fmt.Errorf("EHR_FHIR_RPS must not be negative")
	}

	if c.IsProduction() {
		if c.Store != StorePostgres {
			return fmt.Errorf("STORE must be %q in production", StorePostgres)
		}
		if c.TokenEncryptionKey == "" {
			return fmt.Errorf("EHR_TOKEN_ENCRYPTION_KEY is required in production")
		}
		if u.Scheme != "https" {
			return fmt.Errorf("EHR_REDIRECT_URI must use https in production")
		}
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}

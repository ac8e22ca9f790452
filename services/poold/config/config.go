package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	telemetry "lendpool/observability/otel"
)

const (
	defaultListen     = ":8080"
	defaultGRPCListen = ":9090"
)

// Config captures the runtime settings for the pool daemon.
type Config struct {
	ListenAddress     string             `yaml:"listen"`
	GRPCListenAddress string             `yaml:"grpc_listen"`
	NodeConfig        string             `yaml:"node_config"`
	Environment       string             `yaml:"env"`
	Log               LogConfig          `yaml:"log"`
	Auth              AuthConfig         `yaml:"auth"`
	RateLimit         RateLimitConfig    `yaml:"rate_limit"`
	Quota             nativecommon.Quota `yaml:"quota"`
	Idempotency       IdempotencyConfig  `yaml:"idempotency"`
	Journal           JournalConfig      `yaml:"journal"`
	Oracle            OracleConfig       `yaml:"oracle"`
	Telemetry         telemetry.Config   `yaml:"telemetry"`
}

// LogConfig selects the log level and optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AuthConfig drives wallet login and session tokens.
type AuthConfig struct {
	// JWTSecretEnv names the environment variable holding the HMAC secret.
	JWTSecretEnv string        `yaml:"jwt_secret_env"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	Domain       string        `yaml:"domain"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`
	// Outstanding login challenges; zero keeps the server defaults.
	MaxChallengesPerAddress int `yaml:"max_challenges_per_address"`
	MaxPendingChallenges    int `yaml:"max_pending_challenges"`
	// Operators may call the custody endpoints.
	Operators []string `yaml:"operators"`
}

// RateLimitConfig bounds requests per client address.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// IdempotencyConfig locates the idempotency key store.
type IdempotencyConfig struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// JournalConfig locates the audit journal database.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// OracleConfig selects the price source.
type OracleConfig struct {
	Source      string        `yaml:"source"`
	StaticPrice string        `yaml:"static_price"`
	URL         string        `yaml:"url"`
	MaxAge      time.Duration `yaml:"max_age"`
	CacheFor    time.Duration `yaml:"cache_for"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress:     defaultListen,
		GRPCListenAddress: defaultGRPCListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// JWTSecret resolves the HMAC secret from the environment.
func (cfg Config) JWTSecret() (string, error) {
	secret := strings.TrimSpace(os.Getenv(cfg.Auth.JWTSecretEnv))
	if secret == "" {
		return "", fmt.Errorf("environment variable %s is empty", cfg.Auth.JWTSecretEnv)
	}
	return secret, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.GRPCListenAddress = strings.TrimSpace(cfg.GRPCListenAddress)
	cfg.NodeConfig = strings.TrimSpace(cfg.NodeConfig)
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.Auth.normalize()
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = 24 * time.Hour
	}
	cfg.Idempotency.Path = strings.TrimSpace(cfg.Idempotency.Path)
	if cfg.Idempotency.Path == "" {
		cfg.Idempotency.Path = ":memory:"
	}
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	cfg.Oracle.Source = strings.ToLower(strings.TrimSpace(cfg.Oracle.Source))
	if cfg.Oracle.Source == "" {
		cfg.Oracle.Source = "static"
	}
	if cfg.Oracle.MaxAge <= 0 {
		cfg.Oracle.MaxAge = 5 * time.Minute
	}
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.JWTSecretEnv = strings.TrimSpace(cfg.JWTSecretEnv)
	if cfg.JWTSecretEnv == "" {
		cfg.JWTSecretEnv = "POOLD_JWT_SECRET"
	}
	if cfg.Issuer = strings.TrimSpace(cfg.Issuer); cfg.Issuer == "" {
		cfg.Issuer = "poold"
	}
	if cfg.Audience = strings.TrimSpace(cfg.Audience); cfg.Audience == "" {
		cfg.Audience = "lendpool"
	}
	if cfg.Domain = strings.TrimSpace(cfg.Domain); cfg.Domain == "" {
		cfg.Domain = "lendpool.local"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	operators := make([]string, 0, len(cfg.Operators))
	for _, op := range cfg.Operators {
		if trimmed := strings.TrimSpace(op); trimmed != "" {
			operators = append(operators, trimmed)
		}
	}
	cfg.Operators = operators
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	var errs []error
	if cfg.NodeConfig == "" {
		errs = append(errs, errors.New("node_config is required"))
	}
	for _, op := range cfg.Auth.Operators {
		if _, err := crypto.ParseAddress(op); err != nil {
			errs = append(errs, fmt.Errorf("auth.operators: %q: %w", op, err))
		}
	}
	if cfg.Quota.MaxRequests > 0 && cfg.Quota.EpochSeconds == 0 {
		errs = append(errs, errors.New("quota.epoch_seconds is required when quota.max_requests is set"))
	}
	switch cfg.Journal.Driver {
	case "sqlite", "postgres":
		if cfg.Journal.DSN == "" {
			errs = append(errs, errors.New("journal.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("journal.driver %q is not one of sqlite, postgres", cfg.Journal.Driver))
	}
	switch cfg.Oracle.Source {
	case "static":
		if strings.TrimSpace(cfg.Oracle.StaticPrice) == "" {
			errs = append(errs, errors.New("oracle.static_price is required for the static source"))
		}
	case "http":
		if strings.TrimSpace(cfg.Oracle.URL) == "" {
			errs = append(errs, errors.New("oracle.url is required for the http source"))
		}
	default:
		errs = append(errs, fmt.Errorf("oracle.source %q is not one of static, http", cfg.Oracle.Source))
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v outside [0,1]", cfg.Telemetry.SampleRatio))
	}
	return errors.Join(errs...)
}

// Package config loads service configuration from CERTANCHOR_* environment
// variables, optionally overlaid by a YAML file named in CERTANCHOR_CONFIG.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/certanchor/pkg/retry"
)

const (
	LedgerMemory   = "memory"
	LedgerEthereum = "ethereum"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	// DatabaseURL selects Postgres. Empty runs in lite mode on SQLite under
	// DataDir.
	DatabaseURL string        `yaml:"database_url"`
	DataDir     string        `yaml:"data_dir"`
	Ledger      LedgerConfig  `yaml:"ledger"`
	Anchor      AnchorConfig  `yaml:"anchor"`
	Archive     ArchiveConfig `yaml:"archive"`
	// RedisAddr enables cross-replica locking.
	RedisAddr string `yaml:"redis_addr"`
	// AuthSecret enables HS256 bearer auth on write routes.
	AuthSecret Secret `yaml:"auth_secret"`
	// APIRate is the per-client request rate; 0 disables limiting.
	APIRate      float64 `yaml:"api_rate"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
}

type LedgerConfig struct {
	Mode          string        `yaml:"mode"`
	RPCURL        string        `yaml:"rpc_url"`
	Contract      string        `yaml:"contract"`
	PrivateKey    Secret        `yaml:"private_key"`
	ChainID       int64         `yaml:"chain_id"`
	Network       string        `yaml:"network"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
}

type AnchorConfig struct {
	Confirmations    uint64        `yaml:"confirmations"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	MaxJitter        time.Duration `yaml:"max_jitter"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	SweepConcurrency int           `yaml:"sweep_concurrency"`
}

type ArchiveConfig struct {
	Type     string `yaml:"type"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	policy := retry.DefaultPolicy()
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "INFO",
		DataDir:    "data",
		Ledger: LedgerConfig{
			Mode:          LedgerMemory,
			Network:       "memory",
			CallTimeout:   10 * time.Second,
			RatePerSecond: 20,
		},
		Anchor: AnchorConfig{
			Confirmations:    6,
			MaxAttempts:      policy.MaxAttempts,
			BaseDelay:        policy.BaseDelay,
			MaxDelay:         policy.MaxDelay,
			MaxJitter:        policy.MaxJitter,
			SweepInterval:    15 * time.Second,
			StaleAfter:       30 * time.Minute,
			SweepConcurrency: 4,
		},
		Archive: ArchiveConfig{Type: "fs"},
		APIRate: 50,
	}
}

// Load reads the environment, then the YAML file named by CERTANCHOR_CONFIG
// if set. Values in the file win. The result is validated.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CERTANCHOR_CONFIG"))
}

// LoadFile is Load with an explicit overlay file; an empty path skips it.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if cfg.Archive.Dir == "" {
		cfg.Archive.Dir = filepath.Join(cfg.DataDir, "receipts")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	e := &envReader{}
	e.str("CERTANCHOR_LISTEN_ADDR", &c.ListenAddr)
	e.str("CERTANCHOR_LOG_LEVEL", &c.LogLevel)
	e.str("DATABASE_URL", &c.DatabaseURL)
	e.str("CERTANCHOR_DATABASE_URL", &c.DatabaseURL)
	e.str("CERTANCHOR_DATA_DIR", &c.DataDir)

	e.str("CERTANCHOR_LEDGER_MODE", &c.Ledger.Mode)
	e.str("CERTANCHOR_RPC_URL", &c.Ledger.RPCURL)
	e.str("CERTANCHOR_CONTRACT", &c.Ledger.Contract)
	e.secret("CERTANCHOR_PRIVATE_KEY", &c.Ledger.PrivateKey)
	e.int64("CERTANCHOR_CHAIN_ID", &c.Ledger.ChainID)
	e.str("CERTANCHOR_NETWORK", &c.Ledger.Network)
	e.duration("CERTANCHOR_CALL_TIMEOUT", &c.Ledger.CallTimeout)
	e.float("CERTANCHOR_LEDGER_RATE", &c.Ledger.RatePerSecond)

	e.uint64("CERTANCHOR_CONFIRMATIONS", &c.Anchor.Confirmations)
	e.int("CERTANCHOR_RETRY_MAX_ATTEMPTS", &c.Anchor.MaxAttempts)
	e.duration("CERTANCHOR_RETRY_BASE_DELAY", &c.Anchor.BaseDelay)
	e.duration("CERTANCHOR_RETRY_MAX_DELAY", &c.Anchor.MaxDelay)
	e.duration("CERTANCHOR_RETRY_JITTER", &c.Anchor.MaxJitter)
	e.duration("CERTANCHOR_SWEEP_INTERVAL", &c.Anchor.SweepInterval)
	e.duration("CERTANCHOR_STALE_AFTER", &c.Anchor.StaleAfter)
	e.int("CERTANCHOR_SWEEP_CONCURRENCY", &c.Anchor.SweepConcurrency)

	e.str("CERTANCHOR_ARCHIVE_TYPE", &c.Archive.Type)
	e.str("CERTANCHOR_ARCHIVE_DIR", &c.Archive.Dir)
	e.str("CERTANCHOR_ARCHIVE_BUCKET", &c.Archive.Bucket)
	e.str("CERTANCHOR_ARCHIVE_PREFIX", &c.Archive.Prefix)
	e.str("CERTANCHOR_ARCHIVE_REGION", &c.Archive.Region)
	e.str("CERTANCHOR_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)

	e.str("CERTANCHOR_REDIS_ADDR", &c.RedisAddr)
	e.secret("CERTANCHOR_AUTH_SECRET", &c.AuthSecret)
	e.float("CERTANCHOR_API_RATE", &c.APIRate)
	e.str("CERTANCHOR_OTLP_ENDPOINT", &c.OTLPEndpoint)
	return e.err()
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen addr is required"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	switch c.Ledger.Mode {
	case LedgerMemory:
	case LedgerEthereum:
		if c.Ledger.RPCURL == "" {
			errs = append(errs, errors.New("ethereum ledger requires CERTANCHOR_RPC_URL"))
		}
		if c.Ledger.Contract == "" {
			errs = append(errs, errors.New("ethereum ledger requires CERTANCHOR_CONTRACT"))
		}
		if c.Ledger.PrivateKey.Empty() {
			errs = append(errs, errors.New("ethereum ledger requires CERTANCHOR_PRIVATE_KEY"))
		}
		if c.Ledger.ChainID <= 0 {
			errs = append(errs, errors.New("ethereum ledger requires a positive CERTANCHOR_CHAIN_ID"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger mode %q", c.Ledger.Mode))
	}
	if c.Ledger.CallTimeout < 0 || c.Ledger.RatePerSecond < 0 {
		errs = append(errs, errors.New("ledger call timeout and rate must be non-negative"))
	}

	if c.Anchor.Confirmations == 0 {
		errs = append(errs, errors.New("confirmations must be at least 1"))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Anchor.SweepInterval <= 0 || c.Anchor.StaleAfter <= 0 {
		errs = append(errs, errors.New("sweep interval and stale-after must be positive"))
	}

	switch c.Archive.Type {
	case "memory", "fs":
	case "s3", "gcs":
		if c.Archive.Bucket == "" {
			errs = append(errs, fmt.Errorf("%s archive requires a bucket", c.Archive.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive type %q", c.Archive.Type))
	}
	if c.APIRate < 0 {
		errs = append(errs, errors.New("api rate must be non-negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// RetryPolicy returns the submission retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Anchor.MaxAttempts,
		BaseDelay:   c.Anchor.BaseDelay,
		MaxDelay:    c.Anchor.MaxDelay,
		MaxJitter:   c.Anchor.MaxJitter,
	}
}

// LiteMode reports whether the service runs on embedded SQLite.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}

// envReader copies set variables into fields and collects parse errors.
type envReader struct{ errs []error }

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) secret(key string, dst *Secret) {
	if v, ok := e.lookup(key); ok {
		*dst = Secret(v)
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint64(key string, dst *uint64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(e.errs...))
}

package config_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/certanchor/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"CERTANCHOR_CONFIG", "DATABASE_URL", "CERTANCHOR_DATABASE_URL", "CERTANCHOR_LEDGER_MODE", "CERTANCHOR_DATA_DIR"} {
		t.Setenv(k, "")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, config.LedgerMemory, cfg.Ledger.Mode)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, uint64(6), cfg.Anchor.Confirmations)
	assert.Equal(t, filepath.Join("data", "receipts"), cfg.Archive.Dir)
	assert.Equal(t, 5, cfg.RetryPolicy().MaxAttempts)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CERTANCHOR_CONFIG", "")
	t.Setenv("CERTANCHOR_LISTEN_ADDR", ":9090")
	t.Setenv("CERTANCHOR_LOG_LEVEL", "debug")
	t.Setenv("CERTANCHOR_DATABASE_URL", "postgres://anchor@db:5432/anchor?sslmode=disable")
	t.Setenv("CERTANCHOR_LEDGER_MODE", "ethereum")
	t.Setenv("CERTANCHOR_RPC_URL", "https://rpc.sepolia.example")
	t.Setenv("CERTANCHOR_CONTRACT", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("CERTANCHOR_PRIVATE_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	t.Setenv("CERTANCHOR_CHAIN_ID", "11155111")
	t.Setenv("CERTANCHOR_CONFIRMATIONS", "12")
	t.Setenv("CERTANCHOR_RETRY_BASE_DELAY", "2s")
	t.Setenv("CERTANCHOR_STALE_AFTER", "1h")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, config.LedgerEthereum, cfg.Ledger.Mode)
	assert.Equal(t, int64(11155111), cfg.Ledger.ChainID)
	assert.Equal(t, uint64(12), cfg.Anchor.Confirmations)
	assert.Equal(t, 2*time.Second, cfg.RetryPolicy().BaseDelay)
	assert.Equal(t, time.Hour, cfg.Anchor.StaleAfter)
	assert.Equal(t, "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", cfg.Ledger.PrivateKey.Reveal())

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_BadNumber(t *testing.T) {
	t.Setenv("CERTANCHOR_CONFIG", "")
	t.Setenv("CERTANCHOR_CONFIRMATIONS", "lots")
	t.Setenv("CERTANCHOR_CALL_TIMEOUT", "soon")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CERTANCHOR_CONFIRMATIONS")
	assert.Contains(t, err.Error(), "CERTANCHOR_CALL_TIMEOUT")
}

func TestLoad_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certanchor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":7070"
data_dir: /var/lib/certanchor
ledger:
  network: sepolia
anchor:
  confirmations: 3
  sweep_interval: 1m
archive:
  type: s3
  bucket: receipts
  region: eu-central-1
`), 0o600))
	t.Setenv("CERTANCHOR_CONFIG", path)
	t.Setenv("CERTANCHOR_LISTEN_ADDR", ":9999")
	t.Setenv("CERTANCHOR_ARCHIVE_DIR", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.ListenAddr, "file values win over the environment")
	assert.Equal(t, "sepolia", cfg.Ledger.Network)
	assert.Equal(t, config.LedgerMemory, cfg.Ledger.Mode, "absent keys keep their value")
	assert.Equal(t, uint64(3), cfg.Anchor.Confirmations)
	assert.Equal(t, time.Minute, cfg.Anchor.SweepInterval)
	assert.Equal(t, "s3", cfg.Archive.Type)
	assert.Equal(t, filepath.Join("/var/lib/certanchor", "receipts"), cfg.Archive.Dir)
}

func TestLoad_FileErrors(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("CERTANCHOR_CONFIG", filepath.Join(dir, "missing.yaml"))
	_, err := config.Load()
	require.ErrorContains(t, err, "load config file")

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("ledgr:\n  mode: memory\n"), 0o600))
	t.Setenv("CERTANCHOR_CONFIG", unknown)
	_, err = config.Load()
	require.ErrorContains(t, err, "parse config file")

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	t.Setenv("CERTANCHOR_CONFIG", empty)
	_, err = config.Load()
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"ethereum without key", func(c *config.Config) {
			c.Ledger.Mode = config.LedgerEthereum
			c.Ledger.RPCURL = "http://localhost:8545"
			c.Ledger.Contract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
			c.Ledger.ChainID = 31337
		}, "CERTANCHOR_PRIVATE_KEY"},
		{"ethereum without chain", func(c *config.Config) {
			c.Ledger.Mode = config.LedgerEthereum
			c.Ledger.RPCURL = "http://localhost:8545"
			c.Ledger.Contract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
			c.Ledger.PrivateKey = "00"
		}, "CHAIN_ID"},
		{"unknown mode", func(c *config.Config) { c.Ledger.Mode = "bitcoin" }, "unknown ledger mode"},
		{"zero confirmations", func(c *config.Config) { c.Anchor.Confirmations = 0 }, "confirmations"},
		{"bad retry", func(c *config.Config) { c.Anchor.MaxAttempts = 0 }, "max attempts"},
		{"s3 without bucket", func(c *config.Config) { c.Archive.Type = "s3" }, "requires a bucket"},
		{"unknown archive", func(c *config.Config) { c.Archive.Type = "ftp" }, "unknown archive type"},
		{"bad log level", func(c *config.Config) { c.LogLevel = "chatty" }, "invalid log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, config.Default().Validate())
}

func TestSecret_NeverPrinted(t *testing.T) {
	const key = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	cfg := config.Default()
	cfg.Ledger.PrivateKey = key
	cfg.AuthSecret = "hunter2"

	js, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(js), key)
	assert.NotContains(t, string(js), "hunter2")

	for _, s := range []string{
		fmt.Sprintf("%v", cfg),
		fmt.Sprintf("%+v", cfg),
		fmt.Sprintf("%#v", cfg.Ledger),
		cfg.Ledger.PrivateKey.String(),
	} {
		assert.NotContains(t, s, key)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("config loaded", "private_key", cfg.Ledger.PrivateKey, "ledger", cfg.Ledger)
	assert.NotContains(t, buf.String(), key)
	assert.Contains(t, buf.String(), "[REDACTED]")

	assert.Empty(t, config.Secret("").String())
	assert.True(t, config.Secret("").Empty())
}

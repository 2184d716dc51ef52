package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/certanchor/pkg/anchor"
	"github.com/Mindburn-Labs/certanchor/pkg/artifacts"
	"github.com/Mindburn-Labs/certanchor/pkg/certificates"
	"github.com/Mindburn-Labs/certanchor/pkg/config"
	"github.com/Mindburn-Labs/certanchor/pkg/ledger"
	"github.com/Mindburn-Labs/certanchor/pkg/observability"
	"github.com/Mindburn-Labs/certanchor/pkg/store"
	"github.com/Mindburn-Labs/certanchor/pkg/verification"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// app is the wired service. close releases everything in reverse order.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB
	store     *store.SQLStore
	source    *certificates.SQLSource
	ledger    *ledger.Resilient
	memLedger *ledger.MemoryLedger
	archive   artifacts.Store
	telemetry *observability.Provider
	coord     *anchor.Coordinator
	verifier  *verification.Service

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.db, err = openDB(ctx, cfg, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.db.Close() })

	a.store = store.NewSQLStore(a.db)
	a.source = certificates.NewSQLSource(a.db)
	if err := initSchemas(ctx, cfg, a.store, a.source); err != nil {
		return nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = true
	if a.telemetry, err = observability.New(ctx, obsCfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.telemetry.Shutdown(sctx)
	})

	client, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	opts := ledger.DefaultResilientOptions()
	opts.CallTimeout = cfg.Ledger.CallTimeout
	opts.RatePerSecond = cfg.Ledger.RatePerSecond
	opts.Observe = func(op string, elapsed time.Duration, err error) {
		a.telemetry.RecordLedgerCall(context.Background(), op, elapsed, err)
	}
	a.ledger = ledger.NewResilient(client, opts)

	if a.archive, err = artifacts.NewStore(ctx, artifacts.Config{
		Type:     artifacts.StoreType(cfg.Archive.Type),
		Dir:      cfg.Archive.Dir,
		Bucket:   cfg.Archive.Bucket,
		Prefix:   cfg.Archive.Prefix,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
	}); err != nil {
		return nil, fmt.Errorf("receipt archive: %w", err)
	}

	locker, err := a.openLocker(ctx)
	if err != nil {
		return nil, err
	}

	if a.coord, err = anchor.New(a.store, a.ledger, anchor.Options{
		Confirmations:    cfg.Anchor.Confirmations,
		Retry:            cfg.RetryPolicy(),
		StaleAfter:       cfg.Anchor.StaleAfter,
		SweepConcurrency: cfg.Anchor.SweepConcurrency,
		Network:          cfg.Ledger.Network,
		Logger:           logger,
		Telemetry:        a.telemetry,
		Archive:          a.archive,
		Locker:           locker,
	}); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.coord.Close)

	a.verifier = verification.NewService(a.source, a.store, a.ledger, verification.Options{
		Confirmations: cfg.Anchor.Confirmations,
		Logger:        logger,
		Telemetry:     a.telemetry,
	})
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// openDB returns Postgres when a URL is configured, SQLite under the data
// directory otherwise.
// initSchemas creates the anchor tables. The certificates table belongs to
// the issuer outside lite mode and is only read.
func initSchemas(ctx context.Context, cfg *config.Config, st *store.SQLStore, src *certificates.SQLSource) error {
	if err := st.Init(ctx); err != nil {
		return err
	}
	if !cfg.LiteMode() {
		return nil
	}
	return src.Init(ctx)
}

func openDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	if !cfg.LiteMode() {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		return db, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "certanchor.db")
	logger.Info("lite mode: using sqlite", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (a *app) openLedger(ctx context.Context) (ledger.Client, error) {
	switch a.cfg.Ledger.Mode {
	case config.LedgerEthereum:
		client, rpc, err := ledger.DialEthereum(ctx, ledger.EthereumConfig{
			RPCURL:     a.cfg.Ledger.RPCURL,
			Contract:   a.cfg.Ledger.Contract,
			PrivateKey: a.cfg.Ledger.PrivateKey.Reveal(),
			ChainID:    a.cfg.Ledger.ChainID,
			Network:    a.cfg.Ledger.Network,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rpc.Close)
		return client, nil
	case config.LedgerMemory:
		a.logger.Warn("using in-memory ledger; anchors do not survive a restart")
		a.memLedger = ledger.NewMemoryLedger().WithAutoMine(true)
		return a.memLedger, nil
	default:
		return nil, fmt.Errorf("unknown ledger mode %q", a.cfg.Ledger.Mode)
	}
}

func (a *app) openLocker(ctx context.Context) (anchor.Locker, error) {
	if a.cfg.RedisAddr == "" {
		return anchor.NewLocalLocker(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", a.cfg.RedisAddr, err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.logger.Info("using redis locks", "addr", a.cfg.RedisAddr)
	return anchor.NewRedisLocker(client, anchor.RedisLockerOptions{Logger: a.logger}), nil
}

// health reports component states for /health.
func (a *app) health() map[string]string {
	out := map[string]string{
		"ledger_mode":    a.cfg.Ledger.Mode,
		"ledger_breaker": string(a.ledger.Breaker().State()),
	}
	if a.memLedger != nil {
		if ok, msg := a.memLedger.Verify(); !ok {
			out["ledger_chain"] = msg
		} else {
			out["ledger_chain"] = "verified"
		}
	}
	return out
}

// runDevMiner seals a memory-ledger block every interval so confirmations
// advance without a real chain.
func (a *app) runDevMiner(ctx context.Context, interval time.Duration) {
	if a.memLedger == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.memLedger.Mine(1)
		}
	}
}

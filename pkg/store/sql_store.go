package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres (lib/pq) and SQLite (modernc.org/sqlite).
// Timestamps are stored as fixed-width UTC text so both dialects round-trip
// and order them identically.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

// WithClock overrides clock for testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS anchor_records (
	certificate_id TEXT PRIMARY KEY,
	digest TEXT NOT NULL,
	state TEXT NOT NULL,
	ledger_ref TEXT NOT NULL DEFAULT '',
	confirmations BIGINT NOT NULL DEFAULT 0,
	block_number BIGINT NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	receipt_ref TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	submitted_at TEXT NOT NULL DEFAULT '',
	confirmed_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS anchor_records_state_idx ON anchor_records (state, created_at);
`

func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

const selectColumns = `certificate_id, digest, state, ledger_ref, confirmations, block_number, attempts, last_error, receipt_ref, version, created_at, updated_at, submitted_at, confirmed_at`

func (s *SQLStore) Create(ctx context.Context, rec Record) error {
	if err := validateNew(rec); err != nil {
		return err
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	query := `
		INSERT INTO anchor_records (` + selectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (certificate_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.CertificateID, rec.Digest.Hex(), string(rec.State), rec.LedgerRef,
		int64(rec.Confirmations), int64(rec.BlockNumber), rec.Attempts, //nolint:gosec // block heights fit int64
		rec.LastError, rec.ReceiptRef, rec.Version,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), formatTime(rec.SubmittedAt), formatTime(rec.ConfirmedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", rec.CertificateID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, certificateID string) (Record, error) {
	query := `SELECT ` + selectColumns + ` FROM anchor_records WHERE certificate_id = $1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, certificateID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

func (s *SQLStore) Update(ctx context.Context, rec Record) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM anchor_records WHERE certificate_id = $1`, rec.CertificateID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	if err := checkUpdate(current, rec); err != nil {
		return Record{}, err
	}

	rec.Version = current.Version + 1
	rec.CreatedAt = current.CreatedAt
	rec.UpdatedAt = s.clock().UTC()

	query := `
		UPDATE anchor_records
		SET state = $1, ledger_ref = $2, confirmations = $3, block_number = $4, attempts = $5,
			last_error = $6, receipt_ref = $7, version = $8, updated_at = $9, submitted_at = $10, confirmed_at = $11
		WHERE certificate_id = $12 AND version = $13
	`
	res, err := tx.ExecContext(ctx, query,
		string(rec.State), rec.LedgerRef,
		int64(rec.Confirmations), int64(rec.BlockNumber), rec.Attempts, //nolint:gosec // block heights fit int64
		rec.LastError, rec.ReceiptRef, rec.Version,
		formatTime(rec.UpdatedAt), formatTime(rec.SubmittedAt), formatTime(rec.ConfirmedAt),
		rec.CertificateID, current.Version,
	)
	if err != nil {
		return Record{}, fmt.Errorf("store: update %s: %w", rec.CertificateID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return Record{}, fmt.Errorf("%w: %s changed concurrently", ErrConflict, rec.CertificateID)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("store: commit: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) List(ctx context.Context, state State) ([]Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if state == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+selectColumns+` FROM anchor_records ORDER BY created_at, certificate_id`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+selectColumns+` FROM anchor_records WHERE state = $1 ORDER BY created_at, certificate_id`, string(state))
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                                        Record
		digest, state                              string
		confirmations, blockNumber                 int64
		createdAt, updatedAt, submitted, confirmed string
	)
	err := row.Scan(&rec.CertificateID, &digest, &state, &rec.LedgerRef, &confirmations, &blockNumber,
		&rec.Attempts, &rec.LastError, &rec.ReceiptRef, &rec.Version,
		&createdAt, &updatedAt, &submitted, &confirmed)
	if err != nil {
		return Record{}, err
	}

	if rec.Digest, err = canonicalize.ParseDigest(digest); err != nil {
		return Record{}, fmt.Errorf("store: record %s: %w", rec.CertificateID, err)
	}
	rec.State = State(state)
	if !rec.State.Valid() {
		return Record{}, fmt.Errorf("store: record %s has unknown state %q", rec.CertificateID, state)
	}
	rec.Confirmations = uint64(confirmations) //nolint:gosec // stored non-negative
	rec.BlockNumber = uint64(blockNumber)     //nolint:gosec // stored non-negative

	for _, f := range []struct {
		raw string
		dst *time.Time
	}{
		{createdAt, &rec.CreatedAt},
		{updatedAt, &rec.UpdatedAt},
		{submitted, &rec.SubmittedAt},
		{confirmed, &rec.ConfirmedAt},
	} {
		if *f.dst, err = parseTime(f.raw); err != nil {
			return Record{}, fmt.Errorf("store: record %s: %w", rec.CertificateID, err)
		}
	}
	return rec, nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

var _ Store = (*SQLStore)(nil)

package certificates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
)

// SQLSource reads the certificates table. issued_at is stored as RFC 3339
// text.
type SQLSource struct {
	db *sql.DB
}

func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS certificates (
	certificate_id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	credential_id TEXT NOT NULL,
	issued_at TEXT NOT NULL
);
`

// Init creates the certificates table when it is missing. Deployments that
// share the issuer's database skip it.
func (s *SQLSource) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("certificates: init schema: %w", err)
	}
	return nil
}

func (s *SQLSource) Get(ctx context.Context, certificateID string) (canonicalize.Attributes, error) {
	query := `SELECT certificate_id, subject_id, credential_id, issued_at FROM certificates WHERE certificate_id = $1`
	var (
		a        canonicalize.Attributes
		issuedAt string
	)
	err := s.db.QueryRowContext(ctx, query, certificateID).Scan(&a.CertificateID, &a.SubjectID, &a.CredentialID, &issuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return canonicalize.Attributes{}, ErrNotFound
		}
		return canonicalize.Attributes{}, err
	}
	if a.IssuedAt, err = canonicalize.ParseIssuedAt(issuedAt); err != nil {
		return canonicalize.Attributes{}, err
	}
	return a, nil
}

// Put upserts a certificate.
func (s *SQLSource) Put(ctx context.Context, a canonicalize.Attributes) error {
	if err := a.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO certificates (certificate_id, subject_id, credential_id, issued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (certificate_id) DO UPDATE
		SET subject_id = excluded.subject_id, credential_id = excluded.credential_id, issued_at = excluded.issued_at
	`
	_, err := s.db.ExecContext(ctx, query, a.CertificateID, a.SubjectID, a.CredentialID, canonicalize.NormalizeIssuedAt(a.IssuedAt))
	if err != nil {
		return fmt.Errorf("certificates: upsert %s: %w", a.CertificateID, err)
	}
	return nil
}

var _ Source = (*SQLSource)(nil)

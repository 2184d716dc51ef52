// Package ledger abstracts the external append-only ledger that certificate
// digests are anchored on.
//
// A ledger stores one 32-byte digest per certificate identifier. Writes are
// fire-and-forget: Submit returns once the write has been accepted for
// inclusion, and Query later reports how deep the write is buried.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
)

// ErrNotFound is returned by Query when the ledger holds no digest for the key.
var ErrNotFound = errors.New("ledger: no entry for certificate")

// Handle identifies an accepted write.
type Handle struct {
	// Ref is the ledger's transaction or receipt identifier.
	Ref         string    `json:"ref"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Entry is what the ledger currently records for a certificate.
type Entry struct {
	Digest        canonicalize.Digest `json:"digest"`
	Confirmations uint64              `json:"confirmations"`
	BlockNumber   uint64              `json:"block_number"`
	// Ref is the transaction that wrote the entry, when the ledger can tell.
	Ref string `json:"ref,omitempty"`
}

// Client is the contract this subsystem needs from a ledger.
type Client interface {
	// Submit writes digest under certificateID.
	Submit(ctx context.Context, certificateID string, digest canonicalize.Digest) (Handle, error)
	// Query returns the entry for certificateID or ErrNotFound.
	Query(ctx context.Context, certificateID string) (Entry, error)
}

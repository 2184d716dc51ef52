// Package store persists anchor records. The coordinator is the only writer;
// every implementation enforces the record lifecycle and optimistic
// versioning on Update so a stale or illegal write can never land.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
)

var (
	// ErrNotFound is returned when no record exists for a certificate.
	ErrNotFound = errors.New("anchor record not found")
	// ErrExists is returned by Create when a record already exists.
	ErrExists = errors.New("anchor record already exists")
	// ErrConflict is returned by Update when the stored version moved on.
	ErrConflict = errors.New("anchor record version conflict")
	// ErrInvalidTransition is returned by Update for a disallowed state change.
	ErrInvalidTransition = errors.New("invalid anchor state transition")
)

// State is the anchoring lifecycle state.
type State string

const (
	StatePending   State = "PENDING"
	StateSubmitted State = "SUBMITTED"
	StateConfirmed State = "CONFIRMED"
	StateFailed    State = "FAILED"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateSubmitted, StateConfirmed, StateFailed:
		return true
	}
	return false
}

// ParseState accepts a state name in any case. The empty string parses to
// the empty state, which List treats as "all".
func ParseState(s string) (State, error) {
	if s == "" {
		return "", nil
	}
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown anchor state %q", s)
	}
	return st, nil
}

var transitions = map[State][]State{
	StatePending:   {StatePending, StateSubmitted, StateFailed},
	StateSubmitted: {StateSubmitted, StateConfirmed, StateFailed},
	StateFailed:    {StatePending},
}

// CanTransition reports whether a record may move from one state to another.
// CONFIRMED is terminal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record is the local bookkeeping of one certificate's anchoring.
type Record struct {
	CertificateID string              `json:"certificate_id"`
	Digest        canonicalize.Digest `json:"digest"`
	State         State               `json:"state"`
	LedgerRef     string              `json:"ledger_ref,omitempty"`
	Confirmations uint64              `json:"confirmations"`
	BlockNumber   uint64              `json:"block_number,omitempty"`
	// Attempts counts submissions in the current PENDING episode.
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
	ReceiptRef string `json:"receipt_ref,omitempty"`
	// Version increments on every write.
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at,omitempty"`
}

// NewRecord returns a fresh PENDING record.
func NewRecord(certificateID string, digest canonicalize.Digest, now time.Time) Record {
	now = now.UTC()
	return Record{
		CertificateID: certificateID,
		Digest:        digest,
		State:         StatePending,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func validateNew(r Record) error {
	if r.CertificateID == "" {
		return errors.New("store: certificate id required")
	}
	if r.Digest.IsZero() {
		return errors.New("store: digest required")
	}
	if r.State != StatePending {
		return fmt.Errorf("%w: new records start %s, got %s", ErrInvalidTransition, StatePending, r.State)
	}
	return nil
}

// checkUpdate validates next against the stored current record. next.Version
// must equal the stored version.
func checkUpdate(current, next Record) error {
	if next.Version != current.Version {
		return fmt.Errorf("%w: %s at version %d, write based on %d", ErrConflict, current.CertificateID, current.Version, next.Version)
	}
	if !CanTransition(current.State, next.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, next.State)
	}
	if next.Digest != current.Digest {
		return fmt.Errorf("%w: digest is immutable", ErrInvalidTransition)
	}
	return nil
}

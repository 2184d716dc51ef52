// Package verification answers whether a certificate still matches what was
// anchored for it.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
	"github.com/Mindburn-Labs/certanchor/pkg/certificates"
	"github.com/Mindburn-Labs/certanchor/pkg/ledger"
	"github.com/Mindburn-Labs/certanchor/pkg/observability"
	"github.com/Mindburn-Labs/certanchor/pkg/store"
)

// Verdict is the outcome of a verification.
type Verdict string

const (
	VerdictVerified          Verdict = "VERIFIED"
	VerdictTampered          Verdict = "TAMPERED"
	VerdictNotAnchored       Verdict = "NOT_ANCHORED"
	VerdictLedgerUnavailable Verdict = "LEDGER_UNAVAILABLE"
)

// Result is a verification report. Digests that could not be obtained are
// left zero and omitted from JSON.
type Result struct {
	CertificateID string  `json:"certificate_id"`
	Verdict       Verdict `json:"verdict"`
	// Recomputed is the digest of the attributes as they are now.
	Recomputed canonicalize.Digest `json:"recomputed"`
	// Stored is the digest in the local anchor record.
	Stored *canonicalize.Digest `json:"stored,omitempty"`
	// Ledger is the digest the ledger reports.
	Ledger *canonicalize.Digest `json:"ledger,omitempty"`
	// Anchored is the digest the certificate was anchored with. On TAMPERED
	// it is the ledger's value whenever that disagrees with Recomputed.
	Anchored      *canonicalize.Digest `json:"anchored,omitempty"`
	Confirmations uint64               `json:"confirmations"`
	State         store.State          `json:"state,omitempty"`
	Message       string               `json:"message,omitempty"`
}

// Options configures a Service.
type Options struct {
	// Confirmations is the ledger depth below which a digest is not yet
	// trusted.
	Confirmations uint64
	Logger        *slog.Logger
	Telemetry     *observability.Provider
}

// Service reconciles certificate attributes, anchor records and the ledger.
// It never writes.
type Service struct {
	source certificates.Source
	store  store.Store
	ledger ledger.Client
	opts   Options
	logger *slog.Logger
}

func NewService(source certificates.Source, st store.Store, lc ledger.Client, opts Options) *Service {
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		source: source,
		store:  st,
		ledger: lc,
		opts:   opts,
		logger: opts.Logger.With("component", "verification"),
	}
}

// Verify checks certificateID. An error means no verdict could be reached
// (unknown certificate, invalid attributes, store failure). An unreachable
// ledger is a verdict, not an error.
func (s *Service) Verify(ctx context.Context, certificateID string) (res Result, err error) {
	ctx, done := s.opts.Telemetry.TrackOperation(ctx, "verification.verify", observability.AttrCertificateID.String(certificateID))
	defer func() { done(err) }()

	attrs, err := s.source.Get(ctx, certificateID)
	if err != nil {
		return Result{}, fmt.Errorf("verification: load certificate %s: %w", certificateID, err)
	}
	recomputed, err := canonicalize.Hash(attrs)
	if err != nil {
		return Result{}, err
	}
	res = Result{CertificateID: certificateID, Recomputed: recomputed}

	rec, err := s.store.Get(ctx, certificateID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.finish(ctx, res, VerdictNotAnchored, "no anchor record"), nil
	case err != nil:
		return Result{}, fmt.Errorf("verification: load anchor record %s: %w", certificateID, err)
	}
	stored := rec.Digest
	res.Stored = &stored
	res.State = rec.State
	res.Confirmations = rec.Confirmations

	switch rec.State {
	case store.StatePending, store.StateSubmitted:
		return s.finish(ctx, res, VerdictNotAnchored, "anchoring in progress"), nil
	case store.StateFailed:
		return s.finish(ctx, res, VerdictNotAnchored, "anchoring failed: "+rec.LastError), nil
	}

	entry, err := s.ledger.Query(ctx, certificateID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return s.finish(ctx, res, VerdictNotAnchored, "ledger has no entry"), nil
	case err != nil:
		s.logger.Warn("ledger unavailable during verification", "certificate_id", certificateID, "error", err)
		return s.finish(ctx, res, VerdictLedgerUnavailable, err.Error()), nil
	}
	onLedger := entry.Digest
	res.Ledger = &onLedger
	res.Confirmations = entry.Confirmations
	if entry.Confirmations < s.opts.Confirmations {
		return s.finish(ctx, res, VerdictNotAnchored,
			fmt.Sprintf("ledger entry has %d of %d confirmations", entry.Confirmations, s.opts.Confirmations)), nil
	}

	if recomputed == stored && stored == onLedger {
		res.Anchored = &stored
		return s.finish(ctx, res, VerdictVerified, ""), nil
	}

	res.Anchored = &stored
	msg := "certificate attributes do not match the anchored digest"
	if onLedger != recomputed {
		res.Anchored = &onLedger
	}
	if stored != onLedger {
		msg = "local anchor record disagrees with the ledger"
	}
	s.logger.Warn("certificate tampered",
		"certificate_id", certificateID,
		"recomputed", recomputed.Hex(),
		"stored", stored.Hex(),
		"ledger", onLedger.Hex(),
	)
	return s.finish(ctx, res, VerdictTampered, msg), nil
}

func (s *Service) finish(ctx context.Context, res Result, v Verdict, msg string) Result {
	res.Verdict = v
	res.Message = msg
	s.opts.Telemetry.RecordVerdict(ctx, string(v))
	s.logger.Debug("verification finished", "certificate_id", res.CertificateID, "verdict", string(v))
	return res
}

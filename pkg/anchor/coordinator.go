// Package anchor drives certificate digests onto the ledger and tracks them
// until they are buried deep enough to be trusted.
//
// The Coordinator is the only writer of anchor records. Work on one
// certificate is serialized by a Locker; the store's optimistic versioning
// catches anything that slips past it.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/certanchor/pkg/artifacts"
	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
	"github.com/Mindburn-Labs/certanchor/pkg/ledger"
	"github.com/Mindburn-Labs/certanchor/pkg/observability"
	"github.com/Mindburn-Labs/certanchor/pkg/retry"
	"github.com/Mindburn-Labs/certanchor/pkg/store"
)

const (
	DefaultConfirmations    = 6
	DefaultStaleAfter       = 30 * time.Minute
	DefaultSweepConcurrency = 4
)

// Options configures a Coordinator. Zero values take the defaults.
type Options struct {
	// Confirmations is the depth at which a submission becomes CONFIRMED.
	Confirmations uint64
	// Retry bounds submission attempts within one PENDING episode.
	Retry retry.Policy
	// StaleAfter fails a SUBMITTED record the ledger still does not show.
	StaleAfter       time.Duration
	SweepConcurrency int
	// Network is written into receipts.
	Network   string
	Logger    *slog.Logger
	Telemetry *observability.Provider
	// Archive receives a receipt per confirmed record. Optional.
	Archive artifacts.Store
	Locker  Locker
	Clock   func() time.Time
	Sleeper retry.Sleeper
}

func (o *Options) defaults() {
	if o.Confirmations == 0 {
		o.Confirmations = DefaultConfirmations
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.DefaultPolicy()
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.SweepConcurrency <= 0 {
		o.SweepConcurrency = DefaultSweepConcurrency
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Locker == nil {
		o.Locker = NewLocalLocker()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Sleeper == nil {
		o.Sleeper = retry.Sleep
	}
}

// SweepSummary reports what one Sweep did.
type SweepSummary struct {
	Advanced  int `json:"advanced"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Resumed   int `json:"resumed"`
	Errors    int `json:"errors"`
}

// Coordinator runs the anchoring state machine.
type Coordinator struct {
	store  store.Store
	ledger ledger.Client
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

// New returns a Coordinator over st and lc.
func New(st store.Store, lc ledger.Client, opts Options) (*Coordinator, error) {
	if st == nil || lc == nil {
		return nil, errors.New("anchor: store and ledger are required")
	}
	opts.defaults()
	if err := opts.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("anchor: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:    st,
		ledger:   lc,
		opts:     opts,
		logger:   opts.Logger.With("component", "anchor"),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}, nil
}

// Anchor records and submits the digest of attrs. A certificate is anchored
// once: later calls return the existing record as is.
func (c *Coordinator) Anchor(ctx context.Context, attrs canonicalize.Attributes) (rec store.Record, err error) {
	digest, err := canonicalize.Hash(attrs)
	if err != nil {
		return store.Record{}, err
	}
	id := attrs.CertificateID

	ctx, done := c.opts.Telemetry.TrackOperation(ctx, "anchor.anchor", observability.AttrCertificateID.String(id))
	defer func() { done(err) }()

	unlock, err := c.opts.Locker.Lock(ctx, id)
	if err != nil {
		return store.Record{}, fmt.Errorf("anchor: lock %s: %w", id, err)
	}
	defer unlock()

	if rec, err = c.existing(ctx, id, digest); !errors.Is(err, store.ErrNotFound) {
		return rec, err
	}

	if err := c.claim(id); err != nil {
		return store.Record{}, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			c.release(id)
		}
	}()

	rec = store.NewRecord(id, digest, c.opts.Clock())
	if err := c.store.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrExists) {
			// Another replica won the race.
			return c.existing(ctx, id, digest)
		}
		return store.Record{}, fmt.Errorf("anchor: create %s: %w", id, err)
	}
	c.logger.Info("anchor record created", "certificate_id", id, "digest", digest.Hex())

	rec, again, err := c.attempt(ctx, rec, false)
	if err != nil {
		return rec, err
	}
	if again {
		handedOff = c.spawn(id)
	}
	return rec, nil
}

// existing returns the stored record for id, or ErrAttributesChanged when it
// was anchored with a different digest. store.ErrNotFound passes through.
func (c *Coordinator) existing(ctx context.Context, id string, digest canonicalize.Digest) (store.Record, error) {
	rec, err := c.store.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.Record{}, err
	case err != nil:
		return store.Record{}, fmt.Errorf("anchor: load %s: %w", id, err)
	case rec.Digest != digest:
		c.logger.Warn("anchor requested with changed attributes",
			"certificate_id", id,
			"stored_digest", rec.Digest.Hex(),
			"digest", digest.Hex(),
		)
		return rec, ErrAttributesChanged
	}
	return rec, nil
}

// Retry moves a FAILED record back to PENDING and submits it again with a
// fresh attempt budget.
func (c *Coordinator) Retry(ctx context.Context, certificateID string) (rec store.Record, err error) {
	ctx, done := c.opts.Telemetry.TrackOperation(ctx, "anchor.retry", observability.AttrCertificateID.String(certificateID))
	defer func() { done(err) }()

	unlock, err := c.opts.Locker.Lock(ctx, certificateID)
	if err != nil {
		return store.Record{}, fmt.Errorf("anchor: lock %s: %w", certificateID, err)
	}
	defer unlock()

	rec, err = c.store.Get(ctx, certificateID)
	if err != nil {
		return store.Record{}, err
	}
	if rec.State != store.StateFailed {
		return rec, fmt.Errorf("%w: %s is %s", ErrNotRetryable, certificateID, rec.State)
	}
	if err := c.claim(certificateID); err != nil {
		return rec, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			c.release(certificateID)
		}
	}()

	next := rec
	next.State = store.StatePending
	next.Attempts = 0
	next.LastError = ""
	next.LedgerRef = ""
	next.Confirmations = 0
	next.BlockNumber = 0
	next.SubmittedAt = time.Time{}
	if rec, err = c.write(ctx, rec, next); err != nil {
		return rec, err
	}
	c.logger.Info("anchor retry requested", "certificate_id", certificateID)

	rec, again, err := c.attempt(ctx, rec, true)
	if err != nil {
		return rec, err
	}
	if again {
		handedOff = c.spawn(certificateID)
	}
	return rec, nil
}

// Advance polls the ledger for a SUBMITTED record and moves it forward.
// Records in any other state are returned unchanged.
func (c *Coordinator) Advance(ctx context.Context, certificateID string) (rec store.Record, err error) {
	ctx, done := c.opts.Telemetry.TrackOperation(ctx, "anchor.advance", observability.AttrCertificateID.String(certificateID))
	defer func() { done(err) }()

	unlock, err := c.opts.Locker.Lock(ctx, certificateID)
	if err != nil {
		return store.Record{}, fmt.Errorf("anchor: lock %s: %w", certificateID, err)
	}
	defer unlock()

	rec, err = c.store.Get(ctx, certificateID)
	if err != nil {
		return store.Record{}, err
	}
	if rec.State != store.StateSubmitted {
		return rec, nil
	}

	entry, err := c.ledger.Query(ctx, certificateID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		age := c.opts.Clock().Sub(rec.SubmittedAt)
		if age <= c.opts.StaleAfter {
			return rec, nil
		}
		return c.fail(ctx, rec, fmt.Sprintf("submission not visible on ledger after %s", age.Truncate(time.Second)))
	case err != nil:
		return rec, fmt.Errorf("anchor: query %s: %w", certificateID, err)
	case entry.Digest != rec.Digest:
		c.logger.Warn("ledger holds a conflicting digest",
			"certificate_id", certificateID,
			"digest", rec.Digest.Hex(),
			"ledger_digest", entry.Digest.Hex(),
		)
		return c.fail(ctx, rec, "ledger holds a conflicting digest")
	}

	next := rec
	next.Confirmations = entry.Confirmations
	next.BlockNumber = entry.BlockNumber
	if next.LedgerRef == "" {
		next.LedgerRef = entry.Ref
	}
	if next.Confirmations >= c.opts.Confirmations {
		next.State = store.StateConfirmed
		next.ConfirmedAt = c.opts.Clock().UTC()
		ref, err := c.archive(ctx, next)
		if err != nil {
			// CONFIRMED is immutable, so nothing is written until the
			// receipt is safe. The next sweep tries again.
			return rec, fmt.Errorf("anchor: archive receipt for %s: %w", certificateID, err)
		}
		next.ReceiptRef = ref
	}
	if next.State == rec.State && next.Confirmations == rec.Confirmations &&
		next.BlockNumber == rec.BlockNumber && next.LedgerRef == rec.LedgerRef {
		return rec, nil
	}
	return c.write(ctx, rec, next)
}

// Sweep advances every SUBMITTED record and resumes PENDING records that
// have no worker, such as those left behind by a restart.
func (c *Coordinator) Sweep(ctx context.Context) (SweepSummary, error) {
	var summary SweepSummary

	submitted, err := c.store.List(ctx, store.StateSubmitted)
	if err != nil {
		return summary, fmt.Errorf("anchor: list submitted: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(c.opts.SweepConcurrency)
	for _, r := range submitted {
		id := r.CertificateID
		g.Go(func() error {
			rec, err := c.Advance(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Errors++
				errs = append(errs, err)
				return nil
			}
			switch rec.State {
			case store.StateConfirmed:
				summary.Confirmed++
			case store.StateFailed:
				summary.Failed++
			default:
				summary.Advanced++
			}
			return nil
		})
	}
	_ = g.Wait()

	pending, err := c.store.List(ctx, store.StatePending)
	if err != nil {
		errs = append(errs, fmt.Errorf("anchor: list pending: %w", err))
		summary.Errors++
	}
	for _, r := range pending {
		if c.claim(r.CertificateID) != nil {
			continue
		}
		if c.spawn(r.CertificateID) {
			summary.Resumed++
			c.logger.Info("resuming pending anchor", "certificate_id", r.CertificateID, "attempts", r.Attempts)
		}
	}

	c.logger.Debug("sweep finished",
		"advanced", summary.Advanced,
		"confirmed", summary.Confirmed,
		"failed", summary.Failed,
		"resumed", summary.Resumed,
		"errors", summary.Errors,
	)
	return summary, errors.Join(errs...)
}

// Run sweeps every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("sweep completed with errors", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Get returns the record for certificateID.
func (c *Coordinator) Get(ctx context.Context, certificateID string) (store.Record, error) {
	return c.store.Get(ctx, certificateID)
}

// List returns records in state, or all records for the empty state.
func (c *Coordinator) List(ctx context.Context, state store.State) ([]store.Record, error) {
	return c.store.List(ctx, state)
}

// Confirmations returns the configured confirmation depth.
func (c *Coordinator) Confirmations() uint64 { return c.opts.Confirmations }

// Wait blocks until no background worker is running.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Close stops background workers and waits for them to exit. Records they
// were working on stay PENDING and are picked up by a later Sweep.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// attempt makes one submission attempt for a PENDING record. With
// queryFirst set the ledger is asked first, so a write that landed before a
// crash or a lost response is not sent twice. again reports whether the
// record is still PENDING with budget left.
func (c *Coordinator) attempt(ctx context.Context, rec store.Record, queryFirst bool) (_ store.Record, again bool, err error) {
	if queryFirst {
		entry, err := c.ledger.Query(ctx, rec.CertificateID)
		switch {
		case err == nil && entry.Digest == rec.Digest:
			rec, err = c.adopt(ctx, rec, entry)
			return rec, false, err
		case err == nil:
			rec, err = c.fail(ctx, rec, "ledger holds a conflicting digest")
			return rec, false, err
		case !errors.Is(err, ledger.ErrNotFound):
			next := rec
			next.Attempts++
			return c.submitFailed(ctx, rec, next, err)
		}
	}

	next := rec
	next.Attempts++
	h, err := c.ledger.Submit(ctx, rec.CertificateID, rec.Digest)
	if err != nil {
		// The registry is write-once. A refused write may mean this digest is
		// already there.
		if ledger.KindOf(err) == ledger.KindRejected {
			if entry, qerr := c.ledger.Query(ctx, rec.CertificateID); qerr == nil && entry.Digest == rec.Digest {
				rec, err = c.adopt(ctx, rec, entry)
				return rec, false, err
			}
		}
		return c.submitFailed(ctx, rec, next, err)
	}
	next.State = store.StateSubmitted
	next.LedgerRef = h.Ref
	next.SubmittedAt = h.SubmittedAt
	if next.SubmittedAt.IsZero() {
		next.SubmittedAt = c.opts.Clock().UTC()
	}
	next.LastError = ""
	rec, err = c.write(ctx, rec, next)
	if err == nil {
		c.logger.Info("digest submitted", "certificate_id", rec.CertificateID, "ledger_ref", h.Ref, "attempts", rec.Attempts)
	}
	return rec, false, err
}

// adopt moves rec to SUBMITTED on the strength of an entry already on the
// ledger with the same digest.
func (c *Coordinator) adopt(ctx context.Context, rec store.Record, entry ledger.Entry) (store.Record, error) {
	next := rec
	next.State = store.StateSubmitted
	next.LedgerRef = entry.Ref
	next.Confirmations = entry.Confirmations
	next.BlockNumber = entry.BlockNumber
	next.SubmittedAt = c.opts.Clock().UTC()
	next.LastError = ""
	c.logger.Info("digest already on ledger", "certificate_id", rec.CertificateID, "ledger_ref", entry.Ref)
	return c.write(ctx, rec, next)
}

// submitFailed applies a failed attempt. Transient and unclassified errors
// keep the record PENDING until the policy runs out of attempts.
func (c *Coordinator) submitFailed(ctx context.Context, rec, next store.Record, cause error) (store.Record, bool, error) {
	kind := ledger.KindOf(cause)
	if kind == ledger.KindRejected || kind == ledger.KindPermanent {
		c.logger.Warn("ledger refused submission", "certificate_id", rec.CertificateID, "kind", kind.String(), "error", cause)
		next.State = store.StateFailed
		next.LastError = cause.Error()
		out, err := c.write(ctx, rec, next)
		return out, false, err
	}

	if next.Attempts >= c.opts.Retry.MaxAttempts {
		c.logger.Warn("submission retries exhausted", "certificate_id", rec.CertificateID, "attempts", next.Attempts, "error", cause)
		next.State = store.StateFailed
		next.LastError = fmt.Sprintf("%s: %s", retry.ErrExhausted, cause)
		out, err := c.write(ctx, rec, next)
		return out, false, err
	}

	c.logger.Info("submission failed, will retry", "certificate_id", rec.CertificateID, "attempts", next.Attempts, "error", cause)
	next.State = store.StatePending
	next.LastError = cause.Error()
	out, err := c.write(ctx, rec, next)
	if err != nil {
		return out, false, err
	}
	return out, true, nil
}

func (c *Coordinator) fail(ctx context.Context, rec store.Record, reason string) (store.Record, error) {
	next := rec
	next.State = store.StateFailed
	next.LastError = reason
	return c.write(ctx, rec, next)
}

// write persists next over rec and records the transition.
func (c *Coordinator) write(ctx context.Context, rec, next store.Record) (store.Record, error) {
	out, err := c.store.Update(ctx, next)
	if err != nil {
		return rec, fmt.Errorf("anchor: update %s: %w", rec.CertificateID, err)
	}
	if out.State != rec.State {
		c.opts.Telemetry.RecordTransition(ctx, string(rec.State), string(out.State))
		c.logger.Debug("anchor state changed",
			"certificate_id", out.CertificateID,
			"from", string(rec.State),
			"state", string(out.State),
		)
	}
	return out, nil
}

func (c *Coordinator) archive(ctx context.Context, rec store.Record) (string, error) {
	if c.opts.Archive == nil {
		return "", nil
	}
	body, err := NewReceipt(rec, c.opts.Network, rec.ConfirmedAt).Canonical()
	if err != nil {
		return "", err
	}
	return c.opts.Archive.Store(ctx, body)
}

// claim marks certificateID as owned by a caller or worker. It returns
// ErrClosed once the coordinator is shutting down and ErrBusy when someone
// already owns it.
func (c *Coordinator) claim(certificateID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, busy := c.inflight[certificateID]; busy {
		return ErrBusy
	}
	c.inflight[certificateID] = struct{}{}
	return nil
}

func (c *Coordinator) release(certificateID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, certificateID)
}

// spawn hands a claimed certificate to a background worker. On false the
// claim has been dropped.
func (c *Coordinator) spawn(certificateID string) bool {
	c.mu.Lock()
	if c.closed {
		delete(c.inflight, certificateID)
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.work(certificateID)
	return true
}

func (c *Coordinator) work(certificateID string) {
	defer c.wg.Done()
	for {
		rec, err := c.store.Get(c.ctx, certificateID)
		if err != nil || rec.State != store.StatePending {
			if err != nil && c.ctx.Err() == nil {
				c.logger.Error("anchor worker stopped", "certificate_id", certificateID, "error", err)
			}
			c.release(certificateID)
			return
		}
		if err := c.opts.Sleeper(c.ctx, c.opts.Retry.Delay(certificateID, rec.Attempts)); err != nil {
			c.release(certificateID)
			return
		}
		if !c.step(certificateID) {
			return
		}
	}
}

// step runs one attempt under the certificate lock. The claim is dropped
// before the lock is, so Retry never sees a FAILED record that still has a
// worker.
func (c *Coordinator) step(certificateID string) bool {
	unlock, err := c.opts.Locker.Lock(c.ctx, certificateID)
	if err != nil {
		c.release(certificateID)
		return false
	}
	defer unlock()

	rec, err := c.store.Get(c.ctx, certificateID)
	if err != nil || rec.State != store.StatePending {
		c.release(certificateID)
		return false
	}
	_, again, err := c.attempt(c.ctx, rec, true)
	if err != nil && c.ctx.Err() == nil {
		c.logger.Error("anchor attempt failed", "certificate_id", certificateID, "error", err)
	}
	if err != nil || !again {
		c.release(certificateID)
		return false
	}
	return true
}

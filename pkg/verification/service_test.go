package verification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/certanchor/pkg/anchor"
	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
	"github.com/Mindburn-Labs/certanchor/pkg/certificates"
	"github.com/Mindburn-Labs/certanchor/pkg/ledger"
	"github.com/Mindburn-Labs/certanchor/pkg/observability"
	"github.com/Mindburn-Labs/certanchor/pkg/store"
)

const confirmations = 2

type env struct {
	source *certificates.MemorySource
	store  *store.MemoryStore
	ledger *ledger.MemoryLedger
	coord  *anchor.Coordinator
	svc    *Service
}

func newEnv(t *testing.T, telemetry *observability.Provider) *env {
	t.Helper()
	e := &env{
		source: certificates.NewMemorySource(),
		store:  store.NewMemoryStore(),
		ledger: ledger.NewMemoryLedger(),
	}
	coord, err := anchor.New(e.store, e.ledger, anchor.Options{
		Confirmations: confirmations,
		Sleeper:       func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	e.coord = coord
	e.svc = NewService(e.source, e.store, e.ledger, Options{Confirmations: confirmations, Telemetry: telemetry})
	return e
}

func cert(id string) canonicalize.Attributes {
	return canonicalize.Attributes{
		CertificateID: id,
		SubjectID:     "U1",
		CredentialID:  "CRS1",
		IssuedAt:      time.Date(2026, 2, 5, 10, 30, 0, 0, time.UTC),
	}
}

// anchorConfirmed issues and fully anchors a certificate.
func (e *env) anchorConfirmed(t *testing.T, a canonicalize.Attributes) canonicalize.Digest {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.source.Put(ctx, a))
	rec, err := e.coord.Anchor(ctx, a)
	require.NoError(t, err)
	e.ledger.Mine(confirmations)
	rec, err = e.coord.Advance(ctx, a.CertificateID)
	require.NoError(t, err)
	require.Equal(t, store.StateConfirmed, rec.State)
	return rec.Digest
}

func TestVerify_RoundTrip(t *testing.T) {
	e := newEnv(t, nil)
	digest := e.anchorConfirmed(t, cert("CERT-1"))

	res, err := e.svc.Verify(context.Background(), "CERT-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictVerified, res.Verdict)
	assert.Equal(t, digest, res.Recomputed)
	require.NotNil(t, res.Anchored)
	assert.Equal(t, digest, *res.Anchored)
	assert.Equal(t, digest, *res.Ledger)
	assert.Equal(t, store.StateConfirmed, res.State)
	assert.Equal(t, uint64(confirmations), res.Confirmations)
}

func TestVerify_TamperedAttributes(t *testing.T) {
	e := newEnv(t, nil)
	original := e.anchorConfirmed(t, cert("CERT-1"))

	// The issuance store is edited after anchoring.
	mutated := cert("CERT-1")
	mutated.SubjectID = "U2"
	require.NoError(t, e.source.Put(context.Background(), mutated))
	want, err := canonicalize.Hash(mutated)
	require.NoError(t, err)

	res, err := e.svc.Verify(context.Background(), "CERT-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictTampered, res.Verdict)
	assert.Equal(t, want, res.Recomputed)
	require.NotNil(t, res.Anchored)
	assert.Equal(t, original, *res.Anchored)
	assert.NotEqual(t, res.Recomputed, *res.Anchored)
}

func TestVerify_LedgerRewrittenReportsLedgerDigest(t *testing.T) {
	e := newEnv(t, nil)
	original := e.anchorConfirmed(t, cert("CERT-1"))

	forgedAttrs := cert("CERT-1")
	forgedAttrs.CredentialID = "CRS9"
	forged, err := canonicalize.Hash(forgedAttrs)
	require.NoError(t, err)
	e.ledger.Rewrite("CERT-1", forged)
	e.ledger.Mine(confirmations)

	res, err := e.svc.Verify(context.Background(), "CERT-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictTampered, res.Verdict)
	assert.Equal(t, original, res.Recomputed)
	assert.Equal(t, original, *res.Stored)
	assert.Equal(t, forged, *res.Anchored)
	assert.Contains(t, res.Message, "disagrees with the ledger")
}

func TestVerify_ConfirmedRecordAgainstConflictingLedger(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	original := e.anchorConfirmed(t, cert("CERT-1"))

	forgedAttrs := cert("CERT-1")
	forgedAttrs.SubjectID = "U9"
	forged, err := canonicalize.Hash(forgedAttrs)
	require.NoError(t, err)

	// A second write through the registry is refused.
	_, err = e.ledger.Submit(ctx, "CERT-1", forged)
	assert.Equal(t, ledger.KindRejected, ledger.KindOf(err))
	res, err := e.svc.Verify(ctx, "CERT-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictVerified, res.Verdict)

	// Only a rewrite that bypasses the registry can move the entry.
	e.ledger.Rewrite("CERT-1", forged)
	e.ledger.Mine(confirmations)

	res, err = e.svc.Verify(ctx, "CERT-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictTampered, res.Verdict)
	assert.Equal(t, store.StateConfirmed, res.State)
	assert.Equal(t, original, res.Recomputed)
	require.NotNil(t, res.Stored)
	assert.Equal(t, res.Recomputed, *res.Stored)
	require.NotNil(t, res.Ledger)
	assert.Equal(t, forged, *res.Ledger)
	require.NotNil(t, res.Anchored)
	assert.Equal(t, forged, *res.Anchored)
	assert.GreaterOrEqual(t, res.Confirmations, uint64(confirmations))
}

func TestVerify_NotAnchored(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, e.source.Put(ctx, cert("CERT-1")))
	res, err := e.svc.Verify(ctx, "CERT-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictNotAnchored, res.Verdict)
	assert.Nil(t, res.Stored)

	_, err = e.coord.Anchor(ctx, cert("CERT-1"))
	require.NoError(t, err)
	res, err = e.svc.Verify(ctx, "CERT-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictNotAnchored, res.Verdict)
	assert.Equal(t, "anchoring in progress", res.Message)
	assert.Equal(t, store.StateSubmitted, res.State)
}

func TestVerify_FailedRecord(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, e.source.Put(ctx, cert("CERT-1")))
	e.ledger.FailSubmits(ledger.Rejected("submit", errors.New("insufficient funds")))

	_, err := e.coord.Anchor(ctx, cert("CERT-1"))
	require.NoError(t, err)

	res, err := e.svc.Verify(ctx, "CERT-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictNotAnchored, res.Verdict)
	assert.Equal(t, store.StateFailed, res.State)
	assert.Contains(t, res.Message, "insufficient funds")
}

func TestVerify_LedgerUnavailable(t *testing.T) {
	e := newEnv(t, nil)
	e.anchorConfirmed(t, cert("CERT-1"))
	e.ledger.FailQueries(ledger.Transient("query", errors.New("dial tcp: connection refused")))

	res, err := e.svc.Verify(context.Background(), "CERT-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictLedgerUnavailable, res.Verdict)
	assert.Nil(t, res.Ledger)
	assert.Contains(t, res.Message, "connection refused")
}

func TestVerify_LedgerBelowThreshold(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.anchorConfirmed(t, cert("CERT-1"))

	svc := NewService(e.source, e.store, e.ledger, Options{Confirmations: 50})
	res, err := svc.Verify(ctx, "CERT-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictNotAnchored, res.Verdict)
	assert.Contains(t, res.Message, "of 50 confirmations")
}

func TestVerify_UnknownCertificate(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.svc.Verify(context.Background(), "CERT-404")
	require.ErrorIs(t, err, certificates.ErrNotFound)
}

func TestVerify_RecordsVerdictMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	telemetry, err := observability.NewWithReader(reader)
	require.NoError(t, err)
	e := newEnv(t, telemetry)
	e.anchorConfirmed(t, cert("CERT-1"))

	_, err = e.svc.Verify(context.Background(), "CERT-1")
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "certanchor.verification.verdicts" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			v, _ := sum.DataPoints[0].Attributes.Value(observability.AttrVerdict)
			assert.Equal(t, string(VerdictVerified), v.AsString())
			found = true
		}
	}
	assert.True(t, found)
}

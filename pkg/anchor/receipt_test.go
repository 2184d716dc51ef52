package anchor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/certanchor/pkg/artifacts"
	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
	"github.com/Mindburn-Labs/certanchor/pkg/store"
)

func TestReceipt_Canonical(t *testing.T) {
	digest, err := canonicalize.Hash(attrs("CERT-1"))
	require.NoError(t, err)
	rec := store.NewRecord("CERT-1", digest, time.Now())
	rec.LedgerRef = "0xabc"
	rec.BlockNumber = 7
	rec.Confirmations = 12
	confirmedAt := time.Date(2026, 2, 5, 11, 0, 0, 123456789, time.FixedZone("CET", 3600))

	body, err := NewReceipt(rec, "sepolia", confirmedAt).Canonical()
	require.NoError(t, err)

	want := `{"block_number":7,"certificate_id":"CERT-1","confirmations":12,` +
		`"confirmed_at":"2026-02-05T10:00:00.123Z",` +
		`"digest":"` + digest.Hex() + `","ledger_ref":"0xabc","network":"sepolia",` +
		`"version":"certanchor.receipt/v1"}`
	assert.Equal(t, want, string(body))

	// The address only depends on the record contents.
	rec.UpdatedAt = rec.UpdatedAt.Add(time.Hour)
	again, err := NewReceipt(rec, "sepolia", confirmedAt).Canonical()
	require.NoError(t, err)
	assert.Equal(t, artifacts.Address(body), artifacts.Address(again))
}

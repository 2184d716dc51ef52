package anchor

import (
	"time"

	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
	"github.com/Mindburn-Labs/certanchor/pkg/store"
)

// ReceiptVersion tags the receipt document format.
const ReceiptVersion = "certanchor.receipt/v1"

// Receipt is the portable proof of a confirmed anchoring. It is archived once
// as RFC 8785 canonical JSON, so its content address is reproducible from the
// record alone.
type Receipt struct {
	Version       string              `json:"version"`
	CertificateID string              `json:"certificate_id"`
	Digest        canonicalize.Digest `json:"digest"`
	LedgerRef     string              `json:"ledger_ref"`
	BlockNumber   uint64              `json:"block_number"`
	Confirmations uint64              `json:"confirmations"`
	Network       string              `json:"network"`
	ConfirmedAt   string              `json:"confirmed_at"`
}

// NewReceipt builds the receipt of a record at confirmation time.
func NewReceipt(rec store.Record, network string, confirmedAt time.Time) Receipt {
	return Receipt{
		Version:       ReceiptVersion,
		CertificateID: rec.CertificateID,
		Digest:        rec.Digest,
		LedgerRef:     rec.LedgerRef,
		BlockNumber:   rec.BlockNumber,
		Confirmations: rec.Confirmations,
		Network:       network,
		ConfirmedAt:   canonicalize.NormalizeIssuedAt(confirmedAt),
	}
}

// Canonical returns the JCS encoding of r.
func (r Receipt) Canonical() ([]byte, error) {
	return canonicalize.JCS(r)
}

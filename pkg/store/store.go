package store

import (
	"context"
	"sort"
)

// Store is the durable holder of anchor records.
type Store interface {
	// Create persists a new PENDING record. ErrExists if one is present.
	Create(ctx context.Context, rec Record) error

	// Get retrieves the record for a certificate.
	Get(ctx context.Context, certificateID string) (Record, error)

	// Update replaces the stored record. rec.Version must match the stored
	// version; the returned record carries the incremented version.
	Update(ctx context.Context, rec Record) (Record, error)

	// List returns records in the given state ordered by creation time, or
	// every record when state is empty.
	List(ctx context.Context, state State) ([]Record, error)
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].CertificateID < recs[j].CertificateID
	})
}

// Package certificates reads certificate attributes from the issuance store.
// The issuance store is owned by another system; this package only reads it,
// except for Put, which dev mode and tests use to seed data.
package certificates

import (
	"context"
	"errors"
	"sync"

	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
)

// ErrNotFound is returned when the issuance store has no such certificate.
var ErrNotFound = errors.New("certificate not found")

// Source supplies the attributes of issued certificates.
type Source interface {
	Get(ctx context.Context, certificateID string) (canonicalize.Attributes, error)
}

// MemorySource is a map-backed Source.
type MemorySource struct {
	mu    sync.RWMutex
	certs map[string]canonicalize.Attributes
}

func NewMemorySource(certs ...canonicalize.Attributes) *MemorySource {
	m := &MemorySource{certs: make(map[string]canonicalize.Attributes, len(certs))}
	for _, c := range certs {
		m.certs[c.CertificateID] = c
	}
	return m
}

func (m *MemorySource) Get(_ context.Context, certificateID string) (canonicalize.Attributes, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.certs[certificateID]
	if !ok {
		return canonicalize.Attributes{}, ErrNotFound
	}
	return a, nil
}

// Put inserts or replaces a certificate.
func (m *MemorySource) Put(_ context.Context, a canonicalize.Attributes) error {
	if a.CertificateID == "" {
		return &canonicalize.ValidationError{Field: "certificate_id", Reason: "required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.certs[a.CertificateID] = a
	return nil
}

var _ Source = (*MemorySource)(nil)

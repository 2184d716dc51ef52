// Package artifacts is the content-addressed archive for anchor receipts.
// Blobs are addressed as "sha256:<hex>" of their exact bytes, so writing the
// same receipt twice is a no-op and any reader can check what it fetched.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const addressPrefix = "sha256:"

var (
	// ErrNotFound is returned by Get for an unknown address.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidAddress is returned for malformed content addresses.
	ErrInvalidAddress = errors.New("invalid artifact address")
)

// Store defines the contract for content-addressed storage.
type Store interface {
	// Store persists data and returns its content address.
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content address.
	Get(ctx context.Context, address string) ([]byte, error)
	// Exists reports whether an address is present.
	Exists(ctx context.Context, address string) (bool, error)
}

// Address returns the content address of data.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return addressPrefix + hex.EncodeToString(sum[:])
}

// parseAddress returns the hex part of a content address.
func parseAddress(address string) (string, error) {
	raw, ok := strings.CutPrefix(address, addressPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return raw, nil
}

func objectKey(prefix, raw string) string {
	return prefix + raw + ".blob"
}

// verifyContent checks that data hashes to address.
func verifyContent(address string, data []byte) error {
	if got := Address(data); got != address {
		return fmt.Errorf("artifact %s is corrupt: content hashes to %s", address, got)
	}
	return nil
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a new archive at the specified directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: receipts are public documents
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Dir returns the archive directory.
func (s *FileStore) Dir() string { return s.baseDir }

func (s *FileStore) Store(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	address := Address(data)
	raw, _ := parseAddress(address)
	path := filepath.Join(s.baseDir, objectKey("", raw))

	if _, err := os.Stat(path); err == nil {
		return address, nil
	}

	tmp, err := os.CreateTemp(s.baseDir, raw+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	//nolint:gosec // G302: receipts are public documents
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return address, nil
}

func (s *FileStore) Get(_ context.Context, address string) ([]byte, error) {
	raw, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(filepath.Join(s.baseDir, objectKey("", raw))) //nolint:gosec // address validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		return nil, err
	}
	defer f.Close() //nolint:errcheck // read-only

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if err := verifyContent(address, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, address string) (bool, error) {
	raw, err := parseAddress(address)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, objectKey("", raw)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// MemoryStore keeps blobs in memory. Used in dev mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Store(_ context.Context, data []byte) (string, error) {
	address := Address(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[address]; !ok {
		m.blobs[address] = append([]byte(nil), data...)
	}
	return address, nil
}

func (m *MemoryStore) Get(_ context.Context, address string) ([]byte, error) {
	if _, err := parseAddress(address); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Exists(_ context.Context, address string) (bool, error) {
	if _, err := parseAddress(address); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[address]
	return ok, nil
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

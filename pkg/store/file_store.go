package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore implements Store using a local JSON file. Every write rewrites
// the file through a temp file and rename.
type FileStore struct {
	path  string
	mu    sync.RWMutex
	data  map[string]Record
	clock func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	return NewFileStoreWithClock(path, time.Now)
}

func NewFileStoreWithClock(path string, clock func() time.Time) (*FileStore, error) {
	fs := &FileStore{
		path:  path,
		data:  make(map[string]Record),
		clock: clock,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read %s: %w", f.path, err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &f.data); err != nil {
		return fmt.Errorf("store: decode %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStore) save() error {
	b, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *FileStore) Create(_ context.Context, rec Record) error {
	if err := validateNew(rec); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := createIn(f.data, rec); err != nil {
		return err
	}
	if err := f.save(); err != nil {
		delete(f.data, rec.CertificateID)
		return err
	}
	return nil
}

func (f *FileStore) Get(_ context.Context, certificateID string) (Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rec, exists := f.data[certificateID]
	if !exists {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (f *FileStore) Update(_ context.Context, rec Record) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	previous := f.data[rec.CertificateID]
	updated, err := updateIn(f.data, rec, f.clock())
	if err != nil {
		return Record{}, err
	}
	if err := f.save(); err != nil {
		f.data[rec.CertificateID] = previous
		return Record{}, err
	}
	return updated, nil
}

func (f *FileStore) List(_ context.Context, state State) ([]Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return listIn(f.data, state), nil
}

var _ Store = (*FileStore)(nil)

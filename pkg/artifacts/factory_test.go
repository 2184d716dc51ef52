package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore_DefaultIsFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "receipts")
	store, err := NewStore(context.Background(), Config{Dir: dir})
	require.NoError(t, err)

	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	assert.Equal(t, dir, fs.Dir())
}

func TestNewStore_Memory(t *testing.T) {
	store, err := NewStore(context.Background(), Config{Type: StoreTypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
}

func TestNewStore_S3MissingBucket(t *testing.T) {
	_, err := NewStore(context.Background(), Config{Type: StoreTypeS3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestNewStore_GCSMissingBucket(t *testing.T) {
	_, err := NewStore(context.Background(), Config{Type: StoreTypeGCS})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestNewStore_GCSWithoutBuildTag(t *testing.T) {
	_, err := NewStore(context.Background(), Config{Type: StoreTypeGCS, Bucket: "receipts"})
	if err == nil {
		t.Skip("built with gcp tag and credentials available")
	}
	if !strings.Contains(err.Error(), "not enabled") && !strings.Contains(err.Error(), "GCS client") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewStore_UnsupportedType(t *testing.T) {
	_, err := NewStore(context.Background(), Config{Type: "azure"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported archive storage type")
}

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "receipts"))
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte(`{"certificate_id":"CERT-1"}`)

	address, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(address, "sha256:"))
	assert.Equal(t, Address(data), address)

	got, err := store.Get(ctx, address)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, address)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStore_Idempotent(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "receipts"))
	require.NoError(t, err)

	ctx := context.Background()
	a1, err := store.Store(ctx, []byte("receipt"))
	require.NoError(t, err)
	a2, err := store.Store(ctx, []byte("receipt"))
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileStore_GetNotFound(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "receipts"))
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "sha256:"+strings.Repeat("0", 64))
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := store.Exists(context.Background(), "sha256:"+strings.Repeat("0", 64))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_DetectsCorruption(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "receipts"))
	require.NoError(t, err)

	address, err := store.Store(context.Background(), []byte("original"))
	require.NoError(t, err)
	raw := strings.TrimPrefix(address, "sha256:")
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), raw+".blob"), []byte("altered"), 0600))

	_, err = store.Get(context.Background(), address)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}

func TestInvalidAddresses(t *testing.T) {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "receipts"))
	require.NoError(t, err)
	stores := map[string]Store{"fs": fs, "memory": NewMemoryStore()}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			for _, bad := range []string{"invalid-hash", "sha256:zz", "sha256:abcd", "md5:" + strings.Repeat("0", 32)} {
				_, err := store.Get(context.Background(), bad)
				require.ErrorIs(t, err, ErrInvalidAddress, bad)
				_, err = store.Exists(context.Background(), bad)
				require.ErrorIs(t, err, ErrInvalidAddress, bad)
			}
		})
	}
}

func TestMemoryStore_CopiesData(t *testing.T) {
	m := NewMemoryStore()
	data := []byte("receipt")
	address, err := m.Store(context.Background(), data)
	require.NoError(t, err)
	data[0] = 'X'

	got, err := m.Get(context.Background(), address)
	require.NoError(t, err)
	assert.Equal(t, "receipt", string(got))
	assert.Equal(t, 1, m.Len())
}

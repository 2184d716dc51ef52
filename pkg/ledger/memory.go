package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
)

const genesisHash = "genesis"

// Block is one hash-chained block of the in-memory ledger.
type Block struct {
	Number    uint64    `json:"number"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash"`
	Timestamp time.Time `json:"timestamp"`
	Txs       []Tx      `json:"txs"`
}

// Tx is a write carried by a block.
type Tx struct {
	Ref           string              `json:"ref"`
	CertificateID string              `json:"certificate_id"`
	Digest        canonicalize.Digest `json:"digest"`
}

type memEntry struct {
	digest canonicalize.Digest
	block  uint64
	ref    string
}

// MemoryLedger is an in-process, hash-chained ledger. Writes land in a
// mempool and become visible once a block is mined, either explicitly with
// Mine or on every Submit when auto-mining is on.
type MemoryLedger struct {
	mu       sync.RWMutex
	blocks   []Block
	mempool  []Tx
	entries  map[string]memEntry
	nonce    uint64
	autoMine bool
	clock    func() time.Time

	submitFaults []error
	queryFaults  []error
	submits      int
	queries      int
}

// NewMemoryLedger creates an empty ledger with a genesis block at height 0.
func NewMemoryLedger() *MemoryLedger {
	l := &MemoryLedger{
		entries: make(map[string]memEntry),
		clock:   time.Now,
	}
	l.blocks = append(l.blocks, Block{Number: 0, Hash: genesisHash, Timestamp: l.clock().UTC()})
	return l
}

// WithClock overrides clock for testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

// WithAutoMine mines a block for every accepted write.
func (l *MemoryLedger) WithAutoMine(on bool) *MemoryLedger {
	l.autoMine = on
	return l
}

// FailSubmits makes the next len(errs) Submit calls fail with errs in order.
func (l *MemoryLedger) FailSubmits(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitFaults = append(l.submitFaults, errs...)
}

// FailQueries makes the next len(errs) Query calls fail with errs in order.
func (l *MemoryLedger) FailQueries(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queryFaults = append(l.queryFaults, errs...)
}

// Submit implements Client.
func (l *MemoryLedger) Submit(ctx context.Context, certificateID string, digest canonicalize.Digest) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, Transient("submit", err)
	}
	if certificateID == "" {
		return Handle{}, Permanent("submit", fmt.Errorf("empty certificate id"))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.submits++
	if len(l.submitFaults) > 0 {
		err := l.submitFaults[0]
		l.submitFaults = l.submitFaults[1:]
		return Handle{}, err
	}

	if l.anchoredLocked(certificateID) {
		return Handle{}, Rejected("submit", fmt.Errorf("certificate %s already anchored", certificateID))
	}

	l.nonce++
	tx := Tx{
		Ref:           l.txRef(certificateID, digest),
		CertificateID: certificateID,
		Digest:        digest,
	}
	l.mempool = append(l.mempool, tx)
	if l.autoMine {
		l.mineLocked()
	}
	return Handle{Ref: tx.Ref, SubmittedAt: l.clock().UTC()}, nil
}

// anchoredLocked reports whether certificateID is mined or pending. The
// registry is write-once, so either state refuses another write.
func (l *MemoryLedger) anchoredLocked(certificateID string) bool {
	if _, ok := l.entries[certificateID]; ok {
		return true
	}
	for _, tx := range l.mempool {
		if tx.CertificateID == certificateID {
			return true
		}
	}
	return false
}

// Query implements Client.
func (l *MemoryLedger) Query(ctx context.Context, certificateID string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, Transient("query", err)
	}

	l.mu.Lock()
	l.queries++
	if len(l.queryFaults) > 0 {
		err := l.queryFaults[0]
		l.queryFaults = l.queryFaults[1:]
		l.mu.Unlock()
		return Entry{}, err
	}
	l.mu.Unlock()

	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[certificateID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return Entry{
		Digest:        e.digest,
		Confirmations: l.heightLocked() - e.block + 1,
		BlockNumber:   e.block,
		Ref:           e.ref,
	}, nil
}

// Mine seals n blocks. The first carries every pending write.
func (l *MemoryLedger) Mine(n int) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.mineLocked()
	}
	return l.heightLocked()
}

func (l *MemoryLedger) mineLocked() {
	prev := l.blocks[len(l.blocks)-1]
	b := Block{
		Number:    prev.Number + 1,
		PrevHash:  prev.Hash,
		Timestamp: l.clock().UTC(),
		Txs:       l.mempool,
	}
	b.Hash = blockHash(b)
	l.mempool = nil
	l.blocks = append(l.blocks, b)

	for _, tx := range b.Txs {
		l.entries[tx.CertificateID] = memEntry{digest: tx.Digest, block: b.Number, ref: tx.Ref}
	}
}

// Rewrite overwrites the on-ledger digest of certificateID in a new block,
// bypassing Submit and its write-once check. Tests use it to simulate a
// conflicting write.
func (l *MemoryLedger) Rewrite(certificateID string, digest canonicalize.Digest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nonce++
	l.mempool = append(l.mempool, Tx{Ref: l.txRef(certificateID, digest), CertificateID: certificateID, Digest: digest})
	l.mineLocked()
}

// Height returns the number of the newest block.
func (l *MemoryLedger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.heightLocked()
}

func (l *MemoryLedger) heightLocked() uint64 {
	return l.blocks[len(l.blocks)-1].Number
}

// Head returns the hash of the newest block.
func (l *MemoryLedger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[len(l.blocks)-1].Hash
}

// Pending returns the number of writes waiting for a block.
func (l *MemoryLedger) Pending() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.mempool)
}

// Submits returns how many Submit calls reached the ledger, failed ones included.
func (l *MemoryLedger) Submits() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.submits
}

// Queries returns how many Query calls reached the ledger.
func (l *MemoryLedger) Queries() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.queries
}

// Verify checks the integrity of the entire block chain.
func (l *MemoryLedger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := genesisHash
	for _, b := range l.blocks[1:] {
		if b.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at block %d: expected prev %s, got %s", b.Number, prevHash, b.PrevHash)
		}
		if blockHash(b) != b.Hash {
			return false, fmt.Sprintf("hash mismatch at block %d", b.Number)
		}
		prevHash = b.Hash
	}
	return true, "chain verified"
}

func (l *MemoryLedger) txRef(certificateID string, digest canonicalize.Digest) string {
	h := sha256.New()
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], l.nonce)
	h.Write(n[:])
	h.Write([]byte(certificateID))
	h.Write(digest[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func blockHash(b Block) string {
	h := sha256.New()
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], b.Number)
	h.Write(n[:])
	h.Write([]byte(b.PrevHash))
	for _, tx := range b.Txs {
		h.Write([]byte(tx.Ref))
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

var _ Client = (*MemoryLedger)(nil)

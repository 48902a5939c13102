// Package strintern implements the per-VM string interning table described
// in spec.md §3: strings are immutable byte sequences interned by
// hash+length, global to the VM, so that string equality reduces to
// pointer equality.
package strintern

import (
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cespare/xxhash/v2"
	"github.com/pactlang/ares/internal/heap"
)

// String is the heap object backing an interned byte sequence.
type String struct {
	header heap.Header
	bytes  []byte
	hash   uint64
}

// HeapHeader implements heap.Object.
func (s *String) HeapHeader() *heap.Header { return &s.header }

// Children implements heap.Object; strings are leaves.
func (s *String) Children(dst []heap.Object) []heap.Object { return dst }

// Bytes returns the interned byte content. The caller must not mutate it —
// strings are immutable.
func (s *String) Bytes() []byte { return s.bytes }

// Hash returns the cached hash used for table-key hashing.
func (s *String) Hash() uint64 { return s.hash }

func (s *String) String() string { return string(s.bytes) }

// bucket is a short collision chain: fastcache gives us a fast existence
// hint keyed by hash, but identity correctness — two different byte
// sequences may share a 64-bit hash — is resolved by this exact chain.
type bucket struct {
	mu      sync.Mutex
	entries []*String
}

// Table is a VM-wide intern table. The zero value is not usable; use New.
type Table struct {
	collector *heap.Collector
	memcat    uint8

	hint *fastcache.Cache // hash -> presence hint, sized for the embedder's expected working set

	mu      sync.RWMutex
	buckets map[uint64]*bucket
}

// New creates an intern table. hintBytes sizes the fastcache existence
// hint; 0 selects a small default suitable for a single script instance.
func New(collector *heap.Collector, memcat uint8, hintBytes int) *Table {
	if hintBytes <= 0 {
		hintBytes = 32 * 1024
	}
	return &Table{
		collector: collector,
		memcat:    memcat,
		hint:      fastcache.New(hintBytes),
		buckets:   make(map[uint64]*bucket),
	}
}

// Intern returns the canonical *String for bytes, allocating and recording
// a new one on first sight. Interning is append-only: once created, a
// String is never removed from the table even if unreachable, because the
// table's own map entry keeps it alive (matching spec.md §5 "the string
// intern table is VM-wide and append-only under GC").
func (t *Table) Intern(b []byte) *String {
	h := xxhash.Sum64(b)

	// Existence hint: seen only decides whether the hash still has to be
	// recorded in fastcache afterwards; the lookup itself always goes
	// through the bucket map under its lock.
	seen := t.hint.Has(hashKey(h))

	t.mu.RLock()
	bkt, ok := t.buckets[h]
	t.mu.RUnlock()
	if !ok {
		t.mu.Lock()
		bkt, ok = t.buckets[h]
		if !ok {
			bkt = &bucket{}
			t.buckets[h] = bkt
		}
		t.mu.Unlock()
	}

	bkt.mu.Lock()
	defer bkt.mu.Unlock()
	for _, s := range bkt.entries {
		if string(s.bytes) == string(b) {
			return s
		}
	}

	owned := make([]byte, len(b))
	copy(owned, b)
	s := &String{
		header: heap.NewHeader(heap.KindString, t.memcat, int64(len(owned))+24),
		bytes:  owned,
		hash:   h,
	}
	if t.collector != nil {
		_, _ = t.collector.Allocate(s)
	}
	bkt.entries = append(bkt.entries, s)
	if !seen {
		t.hint.Set(hashKey(h), []byte{1})
	}
	return s
}

// Restore builds a standalone String from raw bytes read off an Ares
// stream, without consulting or populating any intern Table. Two separate
// deserialize calls that both decode the same byte content get distinct
// String objects — sharing within a single request is still preserved via
// the stream's back-reference mechanism, which is all spec.md §4.D's
// round-trip invariant requires; full cross-request re-interning is the
// embedder's job if it re-runs deserialized strings through a Table.Intern
// call of its own.
func Restore(memcat uint8, raw []byte) *String {
	return &String{
		header: heap.NewHeader(heap.KindString, memcat, int64(len(raw))+24),
		bytes:  raw,
		hash:   xxhash.Sum64(raw),
	}
}

// Len reports the number of distinct interned strings (for diagnostics).
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		b.mu.Lock()
		n += len(b.entries)
		b.mu.Unlock()
	}
	return n
}

func hashKey(h uint64) []byte {
	return []byte{
		byte(h), byte(h >> 8), byte(h >> 16), byte(h >> 24),
		byte(h >> 32), byte(h >> 40), byte(h >> 48), byte(h >> 56),
	}
}

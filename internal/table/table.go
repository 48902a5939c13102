// Package table implements the iteration-stable associative array from
// spec.md §3 and §4.A: a dense array part indexed from 1, a hash part of
// (key, value, next) nodes, an optional iteration-order vector pinning
// externally-observed next-key order across a serialize/deserialize cycle,
// a read-only flag, and a "safe environment" flag.
package table

import (
	"github.com/pactlang/ares/internal/heap"
	"github.com/pactlang/ares/internal/value"
	"github.com/pkg/errors"
)

// Node is one hash-part slot: a key/value pair plus the chain pointer used
// for same-bucket collision walking. Next is informational — see
// DESIGN.md — lookups always go through Table's internal index, so a
// deserializing host is free to leave Next however it likes without
// affecting correctness; it exists so the wire format matches spec.md §4.D.
type Node struct {
	Key  value.Value
	Val  value.Value
	Next int32 // -1 terminates the chain
}

// ErrReadOnly is returned by Set when the table's read-only flag is set.
var ErrReadOnly = errors.New("table: attempt to modify a read-only table")

// ErrNilKey is returned by Set when the key is nil.
var ErrNilKey = errors.New("table: table index is nil")

// ErrStaleIterator is returned by Next when the supplied key was removed by
// a tombstoning delete during iteration (spec.md §9 open question: the
// source rejects resuming from a nil-ed key, and this spec adopts that).
var ErrStaleIterator = errors.New("table: invalid key to 'next' (key removed during iteration)")

// Table is the VM's composite hashed array.
type Table struct {
	header heap.Header

	array []value.Value // array[i] holds logical key i+1

	nodes []Node
	index map[value.Value]int32 // key -> slot index into nodes

	// order is the iteration-order vector: a list of combined-address-space
	// indices (0..len(array)-1 for the array part, len(array)+i for node i)
	// giving externally-observed next-key order. Nil means "natural order"
	// (array ascending, then nodes ascending by slot), which is always the
	// order a freshly-grown or freshly-shrunk table uses.
	order []int32

	readOnly bool
	safeEnv  bool
}

// New creates an empty table in the given memory category.
func New(memcat uint8) *Table {
	return &Table{
		header: heap.NewHeader(heap.KindTable, memcat, 64),
		index:  make(map[value.Value]int32),
	}
}

// HeapHeader implements heap.Object.
func (t *Table) HeapHeader() *heap.Header { return &t.header }

// Children implements heap.Object: every collectable key and value.
func (t *Table) Children(dst []heap.Object) []heap.Object {
	for _, v := range t.array {
		if v.Collectable() {
			dst = append(dst, v.Object())
		}
	}
	for _, n := range t.nodes {
		if n.Key.Collectable() {
			dst = append(dst, n.Key.Object())
		}
		if n.Val.Collectable() {
			dst = append(dst, n.Val.Object())
		}
	}
	return dst
}

// ReadOnly reports the read-only flag.
func (t *Table) ReadOnly() bool { return t.readOnly }

// SetReadOnly sets or clears the read-only flag.
func (t *Table) SetReadOnly(b bool) { t.readOnly = b }

// SafeEnv reports the sandboxing "safe environment" flag.
func (t *Table) SafeEnv() bool { return t.safeEnv }

// SetSafeEnv sets or clears the safe-environment flag.
func (t *Table) SetSafeEnv(b bool) { t.safeEnv = b }

func asArrayIndex(k value.Value) (int, bool) {
	if k.Kind() != value.KindNumber {
		return 0, false
	}
	f := k.AsNumber()
	i := int(f)
	if float64(i) != f || i < 1 {
		return 0, false
	}
	return i, true
}

// Get returns the value stored at key, or value.Nil if absent.
func (t *Table) Get(key value.Value) value.Value {
	if i, ok := asArrayIndex(key); ok && i <= len(t.array) {
		return t.array[i-1]
	}
	if slot, ok := t.index[key]; ok {
		return t.nodes[slot].Val
	}
	return value.Nil
}

// Set stores val at key, enforcing the read-only flag and the "no nil key"
// invariant, and maintaining the iteration-order-vector invalidation rule
// from spec.md §4.A: a transition nil -> non-nil (insert) or non-nil -> nil
// (delete) invalidates the vector; an in-place non-nil -> non-nil update
// does not.
func (t *Table) Set(key, val value.Value) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if key.IsNil() {
		return ErrNilKey
	}

	if i, ok := asArrayIndex(key); ok {
		switch {
		case i <= len(t.array):
			was := t.array[i-1]
			t.array[i-1] = val
			if was.IsNil() != val.IsNil() {
				t.invalidate()
			}
			return nil
		case i == len(t.array)+1 && !val.IsNil():
			// Migrate a same-keyed hash-part entry into the array, matching
			// the conventional "array grows by absorbing the next integer
			// key" table-growth heuristic.
			t.array = append(t.array, val)
			numKey := value.Number(float64(i))
			if slot, ok := t.index[numKey]; ok {
				t.nodes[slot].Val = value.Nil
				delete(t.index, numKey)
			}
			t.invalidate()
			return nil
		}
	}

	slot, exists := t.index[key]
	if exists {
		was := t.nodes[slot].Val
		t.nodes[slot].Val = val
		if was.IsNil() != val.IsNil() {
			t.invalidate()
		}
		return nil
	}
	if val.IsNil() {
		return nil // deleting an absent key is a no-op, no invalidation
	}
	slot = int32(len(t.nodes))
	t.nodes = append(t.nodes, Node{Key: key, Val: val, Next: -1})
	t.index[key] = slot
	t.invalidate()
	return nil
}

func (t *Table) invalidate() { t.order = nil }

// ArraySize returns the current array-part length.
func (t *Table) ArraySize() int { return len(t.array) }

// NodeSize returns the current node-part length.
func (t *Table) NodeSize() int { return len(t.nodes) }

// RawArray exposes the array part for the persistence layer.
func (t *Table) RawArray() []value.Value { return t.array }

// RawNodes exposes the node part for the persistence layer.
func (t *Table) RawNodes() []Node { return t.nodes }

// OrderVector returns the iteration-order vector, or nil if the table is in
// natural order.
func (t *Table) OrderVector() []int32 { return t.order }

// Restore rebuilds a table from a persisted snapshot: array, nodes (at
// their exact original slot positions), flags, and the iteration-order
// vector verbatim. Used exclusively by the Ares deserializer.
func Restore(memcat uint8, array []value.Value, nodes []Node, order []int32, readOnly, safeEnv bool) *Table {
	t := &Table{
		header:   heap.NewHeader(heap.KindTable, memcat, 64),
		array:    array,
		nodes:    nodes,
		order:    order,
		readOnly: readOnly,
		safeEnv:  safeEnv,
		index:    make(map[value.Value]int32, len(nodes)),
	}
	for i, n := range nodes {
		if !n.Key.IsNil() {
			t.index[n.Key] = int32(i)
		}
	}
	return t
}

// combinedSlot resolves a combined-address-space index to its (key, value),
// returning ok=false for an index past either part's bound.
func (t *Table) combinedSlot(idx int32) (key, val value.Value, ok bool) {
	n := int32(len(t.array))
	if idx < n {
		if idx < 0 {
			return value.Nil, value.Nil, false
		}
		return value.Number(float64(idx + 1)), t.array[idx], true
	}
	ni := idx - n
	if ni < 0 || int(ni) >= len(t.nodes) {
		return value.Nil, value.Nil, false
	}
	nd := t.nodes[ni]
	return nd.Key, nd.Val, true
}

func (t *Table) slotOfKey(key value.Value) (int32, bool) {
	if i, ok := asArrayIndex(key); ok && i <= len(t.array) {
		return int32(i - 1), true
	}
	if slot, ok := t.index[key]; ok {
		return int32(len(t.array)) + slot, true
	}
	return 0, false
}

// Next implements the generic-for iteration primitive. key == value.Nil
// starts iteration. It walks the iteration-order vector when one is
// present (post-deserialize, pre-mutation shape) and natural
// array-then-node order otherwise. In natural order, a key that no longer
// resolves to a live slot (because it was tombstoned since the caller last
// saw it) is rejected with ErrStaleIterator, matching the adopted
// open-question decision in spec.md §9. While an order vector is present, a
// tombstoned key whose slot is still listed in the vector resumes the walk
// from that position; only a key absent from the table or from the vector
// is rejected.
func (t *Table) Next(key value.Value) (nextKey, nextVal value.Value, ok bool, err error) {
	if t.order != nil {
		return t.nextOrdered(key)
	}
	return t.nextNatural(key)
}

func (t *Table) nextNatural(key value.Value) (value.Value, value.Value, bool, error) {
	start := 0
	if !key.IsNil() {
		slot, found := t.slotOfKey(key)
		if !found {
			return value.Nil, value.Nil, false, ErrStaleIterator
		}
		if _, v, ok := t.combinedSlot(slot); !ok || v.IsNil() {
			return value.Nil, value.Nil, false, ErrStaleIterator
		}
		start = int(slot) + 1
	}
	total := len(t.array) + len(t.nodes)
	for i := start; i < total; i++ {
		k, v, ok := t.combinedSlot(int32(i))
		if ok && !v.IsNil() {
			return k, v, true, nil
		}
	}
	return value.Nil, value.Nil, false, nil
}

func (t *Table) nextOrdered(key value.Value) (value.Value, value.Value, bool, error) {
	pos := -1
	if !key.IsNil() {
		slot, found := t.slotOfKey(key)
		if !found {
			return value.Nil, value.Nil, false, ErrStaleIterator
		}
		for i, idx := range t.order {
			if idx == slot {
				pos = i
				break
			}
		}
		if pos < 0 {
			return value.Nil, value.Nil, false, ErrStaleIterator
		}
	}
	for i := pos + 1; i < len(t.order); i++ {
		k, v, ok := t.combinedSlot(t.order[i])
		if ok && !v.IsNil() {
			return k, v, true, nil
		}
	}
	return value.Nil, value.Nil, false, nil
}

// Length implements the length operator from spec.md §4.A: the largest n
// such that indices 1..n all hold non-nil values in the combined
// array+hash view, found by a boundary search rather than a full scan.
func (t *Table) Length() int {
	n := len(t.array)
	if n > 0 && t.array[n-1].IsNil() {
		lo, hi := 0, n
		for hi-lo > 1 {
			mid := (lo + hi) / 2
			if t.array[mid-1].IsNil() {
				hi = mid
			} else {
				lo = mid
			}
		}
		return lo
	}
	if t.Get(value.Number(float64(n + 1))).IsNil() {
		return n
	}
	i, j := n, n+1
	for !t.Get(value.Number(float64(j))).IsNil() {
		i = j
		if j > 1<<30 {
			for !t.Get(value.Number(float64(i + 1))).IsNil() {
				i++
			}
			return i
		}
		j *= 2
	}
	for j-i > 1 {
		m := (i + j) / 2
		if t.Get(value.Number(float64(m))).IsNil() {
			j = m
		} else {
			i = m
		}
	}
	return i
}

// BuildOrderVector computes and installs a fresh natural-order iteration
// vector over all currently live (non-nil) slots. The Ares deserializer does
// not call it: a deserialized table gets its vector set verbatim via
// Restore, from the bytes the stream carried, or none when the stream
// carried none.
func (t *Table) BuildOrderVector() {
	total := len(t.array) + len(t.nodes)
	order := make([]int32, 0, total)
	for i := 0; i < total; i++ {
		_, v, ok := t.combinedSlot(int32(i))
		if ok && !v.IsNil() {
			order = append(order, int32(i))
		}
	}
	t.order = order
}

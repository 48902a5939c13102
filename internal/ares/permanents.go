package ares

import "github.com/pactlang/ares/internal/heap"

// Permanents is the bidirectional mapping spec.md §4.D requires: on
// serialize, objects that must not be inlined (native closures, the
// globals object, well-known metatables, built-in library routines) map to
// short string keys; on deserialize the inverse mapping resolves those keys
// back to local objects. The runtime registers a default set covering
// continuation functions for the coroutine primitives and event/timer
// helpers; embedders extend it for their own native library.
type Permanents struct {
	toKey map[heap.Object]string
	toObj map[string]heap.Object
}

// NewPermanents creates an empty bidirectional table.
func NewPermanents() *Permanents {
	return &Permanents{
		toKey: make(map[heap.Object]string),
		toObj: make(map[string]heap.Object),
	}
}

// Register associates obj with key in both directions. Registering the same
// key twice with a different object overwrites the mapping; callers should
// treat permanents keys as a stable namespace, not a dynamic cache.
func (p *Permanents) Register(key string, obj heap.Object) {
	p.toKey[obj] = key
	p.toObj[key] = obj
}

// KeyOf returns the permanents key for obj, if registered.
func (p *Permanents) KeyOf(obj heap.Object) (string, bool) {
	k, ok := p.toKey[obj]
	return k, ok
}

// ObjectOf returns the object registered under key, if any.
func (p *Permanents) ObjectOf(key string) (heap.Object, bool) {
	o, ok := p.toObj[key]
	return o, ok
}

// Len reports how many permanents are registered, written into the stream
// header as the "permanents-table size expectation marker" (spec.md §6) so
// a deserializer can sanity-check it was seeded with a compatible set
// before attempting to resolve any key.
func (p *Permanents) Len() int { return len(p.toObj) }

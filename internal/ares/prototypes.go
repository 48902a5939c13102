package ares

import "github.com/pactlang/ares/internal/closure"

// PrototypeTable resolves *closure.Prototype values to stable indices within
// one base image, and back. Prototypes are loaded once from the bytecode
// container and never re-serialized; per spec.md §4.D "Thread hierarchy on
// reload", a deserialized closure's prototype is taken from the base image
// currently associated with the forker, not re-read from the stream. The
// index assignment is a deterministic pre-order walk starting at the
// entry prototype, so the same bytecode container yields the same table on
// every host.
type PrototypeTable struct {
	byProto map[*closure.Prototype]uint32
	byIndex []*closure.Prototype
}

// NewPrototypeTable walks entry and every prototype nested under it
// (pre-order, matching closure.Prototype.Prototypes order) and assigns each
// one a stable index.
func NewPrototypeTable(entry *closure.Prototype) *PrototypeTable {
	t := &PrototypeTable{byProto: make(map[*closure.Prototype]uint32)}
	t.walk(entry)
	return t
}

func (t *PrototypeTable) walk(p *closure.Prototype) {
	if p == nil {
		return
	}
	if _, ok := t.byProto[p]; ok {
		return
	}
	t.byProto[p] = uint32(len(t.byIndex))
	t.byIndex = append(t.byIndex, p)
	for _, child := range p.Prototypes {
		t.walk(child)
	}
}

// IndexOf returns the stable index for p, or false if p is not reachable
// from the table's entry prototype.
func (t *PrototypeTable) IndexOf(p *closure.Prototype) (uint32, bool) {
	idx, ok := t.byProto[p]
	return idx, ok
}

// ByIndex resolves a stable index back to its prototype.
func (t *PrototypeTable) ByIndex(idx uint32) (*closure.Prototype, bool) {
	if int(idx) >= len(t.byIndex) {
		return nil, false
	}
	return t.byIndex[idx], true
}

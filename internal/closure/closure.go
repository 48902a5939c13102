// Package closure implements script/native function closures, their
// prototypes, and the open/closed upvalue mechanics described in spec.md
// §3 and §4.B.
package closure

import (
	"github.com/pactlang/ares/internal/heap"
	"github.com/pactlang/ares/internal/value"
)

// DebugLine maps a bytecode instruction index to a source line number.
type DebugLine struct {
	PC   uint32
	Line uint32
}

// UpvalDesc tells OpClosure where a captured upvalue comes from: either a
// local slot in the enclosing frame (to be opened via FindOrCreateUpvalue)
// or an upvalue already captured by the enclosing closure (to be shared by
// reference), matching the conventional closure-construction encoding.
type UpvalDesc struct {
	FromParentLocal bool
	Index           uint8
}

// Prototype is a compiled function: code, constants, and debug info, plus
// pointers to nested (child) prototypes created by OpClosure-equivalent
// instructions. Prototypes are produced by the external compiler (out of
// scope, spec.md §1) and loaded via the bytecode container format (§6).
type Prototype struct {
	header heap.Header

	Source     string // chunk-wide source name
	LineOffset uint32

	NumParams  uint8
	IsVararg   bool
	MaxStack   uint8
	Code       []byte // fixed-width instruction stream, see engine package
	Constants  []value.Value
	Lines      []DebugLine
	Prototypes []*Prototype // nested function prototypes, referenced by OpClosure
	Upvals     []UpvalDesc  // one entry per upvalue the prototype's closures capture
}

// HeapHeader implements heap.Object.
func (p *Prototype) HeapHeader() *heap.Header { return &p.header }

// Children implements heap.Object: constants that are collectable, and
// nested prototypes.
func (p *Prototype) Children(dst []heap.Object) []heap.Object {
	for _, c := range p.Constants {
		if c.Collectable() {
			dst = append(dst, c.Object())
		}
	}
	for _, child := range p.Prototypes {
		dst = append(dst, child)
	}
	return dst
}

// NewPrototype allocates a Prototype in the given memory category.
func NewPrototype(memcat uint8) *Prototype {
	return &Prototype{header: heap.NewHeader(heap.KindPrototype, memcat, 128)}
}

// StackHost is implemented by the thread package's Thread type. An open
// Upvalue re-resolves its slot through this interface on every access
// rather than holding a raw pointer, because a thread's value stack can be
// reallocated by append; indexing by offset survives that, a raw *Value
// into the old backing array would not.
type StackHost interface {
	StackSlot(offset int) *value.Value
}

// Upvalue is an independent heap object, open (pointing at a live stack
// slot on some thread) or closed (owning its own copy). Multiple closures
// may share the same open Upvalue object, and that sharing must survive
// serialization (spec.md §3, §4.B, §4.D).
type Upvalue struct {
	header heap.Header

	host   StackHost // nil once closed
	offset int       // valid only while host != nil

	closedVal value.Value
}

// HeapHeader implements heap.Object.
func (u *Upvalue) HeapHeader() *heap.Header { return &u.header }

// Children implements heap.Object: the closed value, if collectable. An
// open upvalue's referent is reachable via the owning thread's stack, not
// via this edge, so Children reports nothing while open.
func (u *Upvalue) Children(dst []heap.Object) []heap.Object {
	if u.host == nil && u.closedVal.Collectable() {
		dst = append(dst, u.closedVal.Object())
	}
	return dst
}

// NewOpen creates an open upvalue pointing at offset on host.
func NewOpen(memcat uint8, host StackHost, offset int) *Upvalue {
	return &Upvalue{
		header: heap.NewHeader(heap.KindUpvalue, memcat, 32),
		host:   host,
		offset: offset,
	}
}

// NewClosed creates an already-closed upvalue owning val directly; used by
// the Ares deserializer to reconstruct an upvalue whose owning thread's
// frame has already returned.
func NewClosed(memcat uint8, val value.Value) *Upvalue {
	return &Upvalue{header: heap.NewHeader(heap.KindUpvalue, memcat, 32), closedVal: val}
}

// IsOpen reports whether the upvalue still points into a live stack.
func (u *Upvalue) IsOpen() bool { return u.host != nil }

// Host returns the stack host an open upvalue resolves through, or nil once
// closed. Used by the persistence layer to record the owning thread
// identity alongside the stack offset (spec.md §9 "Open upvalues").
func (u *Upvalue) Host() StackHost { return u.host }

// Offset returns the stack offset for an open upvalue (undefined once closed).
func (u *Upvalue) Offset() int { return u.offset }

// Get returns the current value, resolving through the host stack while open.
func (u *Upvalue) Get() value.Value {
	if u.host != nil {
		return *u.host.StackSlot(u.offset)
	}
	return u.closedVal
}

// Set updates the current value, through the host stack while open.
func (u *Upvalue) Set(v value.Value) {
	if u.host != nil {
		*u.host.StackSlot(u.offset) = v
		return
	}
	u.closedVal = v
}

// Relink reattaches a previously-closed upvalue to host at offset, turning
// it back into an open upvalue. Used exclusively by the Ares deserializer
// once the owning thread's stack has been fully restored (spec.md §9 "Open
// upvalues": "the thread is restored first, stack length restored, then
// each upvalue is relinked by stack offset").
func (u *Upvalue) Relink(host StackHost, offset int) {
	u.host = host
	u.offset = offset
}

// Close copies out the current value and detaches from the host stack.
// Called when the frame that owns the stack slot returns (spec.md §4.B).
func (u *Upvalue) Close() {
	if u.host == nil {
		return
	}
	u.closedVal = *u.host.StackSlot(u.offset)
	u.host = nil
}

// Continuation is called when a native closure's script call yields or is
// resumed, letting the native frame act as a restartable continuation
// (spec.md §4.B "Continuations"). args are the values the underlying
// script call yielded or returned; the bool result indicates whether the
// continuation itself is finished (true) or wants to yield again (false).
type Continuation func(args []value.Value) (results []value.Value, done bool, err error)

// Native is a host-provided function body. vm is an opaque handle to the
// calling engine (the engine package supplies the concrete type; kept as
// interface{} here to avoid a closure -> engine import cycle, since the
// engine package must import closure for Closure/Prototype).
type Native func(vm interface{}, args []value.Value) (results []value.Value, err error)

// Closure is either a native (host-provided) function with N upvalues and
// an optional continuation, or a script function over a Prototype with N
// upvalues (spec.md §3).
type Closure struct {
	header heap.Header

	// Native closures set Fn (and optionally Cont); script closures set
	// Proto. Exactly one of Fn/Proto is non-nil.
	Fn   Native
	Cont Continuation
	Name string // permanents-table key hint for native closures

	Proto *Prototype

	Upvals []*Upvalue
}

// HeapHeader implements heap.Object.
func (c *Closure) HeapHeader() *heap.Header { return &c.header }

// Children implements heap.Object: the prototype (if script) and all upvalues.
func (c *Closure) Children(dst []heap.Object) []heap.Object {
	if c.Proto != nil {
		dst = append(dst, c.Proto)
	}
	for _, uv := range c.Upvals {
		dst = append(dst, uv)
	}
	return dst
}

// IsNative reports whether this is a native (host) closure.
func (c *Closure) IsNative() bool { return c.Fn != nil }

// NewScript creates a script closure over proto with the given upvalues.
func NewScript(memcat uint8, proto *Prototype, upvals []*Upvalue) *Closure {
	return &Closure{
		header: heap.NewHeader(heap.KindClosure, memcat, 64),
		Proto:  proto,
		Upvals: upvals,
	}
}

// NewNative creates a native closure. name is the key under which it (and
// its continuation, if any) must be registered in the Ares permanents
// table to be serialization-transparent (spec.md §4.D).
func NewNative(memcat uint8, name string, fn Native, cont Continuation, upvals []*Upvalue) *Closure {
	return &Closure{
		header: heap.NewHeader(heap.KindClosure, memcat, 64),
		Fn:     fn,
		Cont:   cont,
		Name:   name,
		Upvals: upvals,
	}
}

// Package thread implements the user thread (cooperative task) type from
// spec.md §3 and §4.B's state machine, plus the four-layer thread
// hierarchy from spec.md §4.C.
package thread

import (
	"github.com/pactlang/ares/internal/closure"
	"github.com/pactlang/ares/internal/heap"
	"github.com/pactlang/ares/internal/table"
	"github.com/pactlang/ares/internal/value"
	"github.com/pkg/errors"
)

// Status is the user-thread state machine from spec.md §4.B.
type Status uint8

const (
	StatusFresh Status = iota
	StatusRunning
	StatusSuspended
	StatusBreakSuspended
	StatusFinished
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusBreakSuspended:
		return "break-suspended"
	case StatusFinished:
		return "finished"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Identity tags a thread as a plain cooperative task or a privileged kernel
// task; the privileged identity gates access to forking and serialization
// (spec.md §3 "User thread").
type Identity uint8

const (
	IdentityPlain Identity = iota
	IdentityKernel
)

// Frame is one activation record: closure, base pointer into the value
// stack, program counter, and the save-point flag used for open-upvalue
// bookkeeping (spec.md §4.B). A frame with Cont set is a native
// continuation frame rather than a script frame (spec.md "Continuations").
type Frame struct {
	Closure   *closure.Closure
	Base      int
	PC        uint32
	SavePoint bool

	// Cont is populated for a continuation-bearing native frame: it is
	// invoked with the resuming values when the thread resumes
	// into this frame instead of resuming bytecode execution.
	Cont closure.Continuation
}

// ErrWrongStatus is returned by Resume/Close when the thread's current
// status does not permit the requested transition.
var ErrWrongStatus = errors.New("thread: invalid state transition")

// Thread is a cooperative task: a value stack, a frame stack, a status, its
// own globals table, a parent pointer, an opaque embedder-data pointer, and
// the linked list of open upvalues referencing its stack.
type Thread struct {
	header heap.Header

	id       uint64
	identity Identity
	status   Status

	stack  []value.Value
	frames []Frame

	globals *table.Table
	parent  *Thread

	// baseGlobals is the base image's globals table. A lookup that misses
	// in this thread's own globals defers to it (spec.md §9 "Global
	// script state": forking creates a new globals table whose unknown
	// lookups defer to the base image's globals, modeled explicitly here
	// rather than through a generic metatable hook).
	baseGlobals *table.Table

	// EmbedderData is an opaque pointer the embedder may attach to a
	// thread (spec.md §3); the runtime never interprets it.
	EmbedderData interface{}

	openUpvalues []*closure.Upvalue // sorted by ascending Offset

	lastError value.Value
}

// HeapHeader implements heap.Object.
func (t *Thread) HeapHeader() *heap.Header { return &t.header }

// Children implements heap.Object: globals, the parent thread, every
// frame's closure, every stack slot, and every open upvalue.
func (t *Thread) Children(dst []heap.Object) []heap.Object {
	if t.globals != nil {
		dst = append(dst, t.globals)
	}
	if t.parent != nil {
		dst = append(dst, t.parent)
	}
	for _, f := range t.frames {
		if f.Closure != nil {
			dst = append(dst, f.Closure)
		}
	}
	for _, v := range t.stack {
		if v.Collectable() {
			dst = append(dst, v.Object())
		}
	}
	for _, uv := range t.openUpvalues {
		dst = append(dst, uv)
	}
	return dst
}

// New creates a fresh thread with its own globals table, in the given
// memory category, with parent as its hierarchy parent.
func New(memcat uint8, id uint64, identity Identity, parent *Thread, globals *table.Table) *Thread {
	return &Thread{
		header:   heap.NewHeader(heap.KindThread, memcat, 256),
		id:       id,
		identity: identity,
		status:   StatusFresh,
		globals:  globals,
		parent:   parent,
		stack:    make([]value.Value, 0, 64),
	}
}

// ID returns the thread's embedder-stable identifier, used by Ares to
// record (owning-thread-id, stack-offset) pairs for open upvalues.
func (t *Thread) ID() uint64 { return t.id }

// Identity reports whether this is a plain or privileged kernel thread.
func (t *Thread) Identity() Identity { return t.identity }

// Status returns the current state-machine status.
func (t *Thread) Status() Status { return t.status }

// Globals returns the thread's own globals table.
func (t *Thread) Globals() *table.Table { return t.globals }

// SetBaseGlobals installs the base image's globals table as this thread's
// lookup fallback (spec.md §9).
func (t *Thread) SetBaseGlobals(base *table.Table) { t.baseGlobals = base }

// BaseGlobals returns the fallback globals table, or nil for the
// grandparent/base-image layers themselves.
func (t *Thread) BaseGlobals() *table.Table { return t.baseGlobals }

// GlobalGet looks up name in this thread's own globals, falling back to the
// base image's globals on a miss (single-hop indirection, spec.md §9).
func (t *Thread) GlobalGet(name value.Value) value.Value {
	if v := t.globals.Get(name); !v.IsNil() {
		return v
	}
	if t.baseGlobals != nil {
		return t.baseGlobals.Get(name)
	}
	return value.Nil
}

// GlobalSet always writes to this thread's own globals table — mutation
// never touches the base image (spec.md §5 "Each script instance has a
// distinct globals table; mutation there is private").
func (t *Thread) GlobalSet(name, v value.Value) error { return t.globals.Set(name, v) }

// Parent returns the hierarchy parent, or nil for the grandparent layer.
func (t *Thread) Parent() *Thread { return t.parent }

// SetParent reattaches a deserialized thread under its hierarchy parent;
// used by the host after Ares reconstruction, since the base image itself
// is never re-read from the stream (spec.md §4.D "Thread hierarchy on
// reload").
func (t *Thread) SetParent(parent *Thread) { t.parent = parent }

// RestoreGlobals installs a thread's own globals table wholesale; used only
// by the Ares deserializer when rebuilding a thread from a stream.
func (t *Thread) RestoreGlobals(g *table.Table) { t.globals = g }

// Stack returns the live value stack. Callers must not retain the returned
// slice across an operation that may grow it (Push/EnsureStack); use
// StackSlot for a stable reference.
func (t *Thread) Stack() []value.Value { return t.stack }

// StackLen reports the current stack depth.
func (t *Thread) StackLen() int { return len(t.stack) }

// StackSlot implements closure.StackHost: the returned pointer is valid
// only until the stack next grows (see EnsureStack), so callers re-resolve
// through this method by offset rather than caching *Value.
func (t *Thread) StackSlot(offset int) *value.Value {
	return &t.stack[offset]
}

// EnsureStack grows the stack to at least n slots, filling new slots with
// nil. Open upvalues are offset-based, so growth (which may reallocate the
// backing array) never invalidates them.
func (t *Thread) EnsureStack(n int) {
	for len(t.stack) < n {
		t.stack = append(t.stack, value.Nil)
	}
}

// Push appends a value to the top of the stack.
func (t *Thread) Push(v value.Value) { t.stack = append(t.stack, v) }

// Truncate shrinks the stack to n slots, closing any open upvalues whose
// offset is being discarded.
func (t *Thread) Truncate(n int) {
	t.CloseUpvaluesFrom(n)
	t.stack = t.stack[:n]
}

// Frames returns the frame stack, top-of-stack last.
func (t *Thread) Frames() []Frame { return t.frames }

// PushFrame pushes a new activation record.
func (t *Thread) PushFrame(f Frame) { t.frames = append(t.frames, f) }

// PopFrame pops and returns the top activation record.
func (t *Thread) PopFrame() (Frame, bool) {
	if len(t.frames) == 0 {
		return Frame{}, false
	}
	f := t.frames[len(t.frames)-1]
	t.frames = t.frames[:len(t.frames)-1]
	return f, true
}

// CurrentFrame returns a pointer to the top activation record, or nil.
func (t *Thread) CurrentFrame() *Frame {
	if len(t.frames) == 0 {
		return nil
	}
	return &t.frames[len(t.frames)-1]
}

// FindOrCreateUpvalue returns the open upvalue at offset, creating and
// linking a new one (in ascending-offset order) if none exists yet. This is
// what makes two closures created in the same frame share upvalue identity
// (spec.md §4.B "Closures and upvalues").
func (t *Thread) FindOrCreateUpvalue(memcat uint8, offset int) *closure.Upvalue {
	lo, hi := 0, len(t.openUpvalues)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.openUpvalues[mid].Offset() < offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(t.openUpvalues) && t.openUpvalues[lo].Offset() == offset {
		return t.openUpvalues[lo]
	}
	uv := closure.NewOpen(memcat, t, offset)
	t.openUpvalues = append(t.openUpvalues, nil)
	copy(t.openUpvalues[lo+1:], t.openUpvalues[lo:])
	t.openUpvalues[lo] = uv
	return uv
}

// CloseUpvaluesFrom closes every open upvalue at or above offset,
// unlinking it from the thread's open list (spec.md §4.B "close").
func (t *Thread) CloseUpvaluesFrom(offset int) {
	lo, hi := 0, len(t.openUpvalues)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.openUpvalues[mid].Offset() < offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	for _, uv := range t.openUpvalues[lo:] {
		uv.Close()
	}
	t.openUpvalues = t.openUpvalues[:lo]
}

// OpenUpvalues returns the live open-upvalue list, ascending by offset.
func (t *Thread) OpenUpvalues() []*closure.Upvalue { return t.openUpvalues }

// RestoreOpenUpvalues installs a pre-sorted open-upvalue list; used only by
// the Ares deserializer when rebuilding a thread from a stream.
func (t *Thread) RestoreOpenUpvalues(uvs []*closure.Upvalue) { t.openUpvalues = uvs }

// transition helpers implementing spec.md §4.B's state machine.

// Resume moves the thread from fresh/suspended/break-suspended into
// running.
func (t *Thread) Resume() error {
	switch t.status {
	case StatusFresh, StatusSuspended, StatusBreakSuspended:
		t.status = StatusRunning
		return nil
	default:
		return errors.Wrapf(ErrWrongStatus, "resume from %s", t.status)
	}
}

// Finish moves a running thread to finished.
func (t *Thread) Finish() {
	t.status = StatusFinished
}

// Fail moves a running thread to error, recording errVal for retrieval.
func (t *Thread) Fail(errVal value.Value) {
	t.status = StatusError
	t.lastError = errVal
}

// Yield moves a running thread to suspended.
func (t *Thread) Yield() { t.status = StatusSuspended }

// Break moves a running thread to break-suspended.
func (t *Thread) Break() { t.status = StatusBreakSuspended }

// LastError returns the error value recorded by Fail.
func (t *Thread) LastError() value.Value { return t.lastError }

// Close implements the close() operation on a finished or error thread: it
// reports success/failure and, on failure, the recorded error message,
// without a status transition (closing is terminal regardless of which
// terminal state the thread was already in).
func (t *Thread) Close() (ok bool, errVal value.Value, err error) {
	switch t.status {
	case StatusFinished:
		return true, value.Nil, nil
	case StatusError:
		return false, t.lastError, nil
	default:
		return false, value.Nil, errors.Wrapf(ErrWrongStatus, "close from %s", t.status)
	}
}

// RestoreStack installs a stack slice wholesale; used by the Ares
// deserializer.
func (t *Thread) RestoreStack(stack []value.Value) { t.stack = stack }

// RestoreFrames installs a frame slice wholesale; used by the Ares
// deserializer.
func (t *Thread) RestoreFrames(frames []Frame) { t.frames = frames }

// SetStatus forcibly sets status; used by the Ares deserializer to restore
// the exact persisted state without re-deriving it through transitions.
func (t *Thread) SetStatus(s Status) { t.status = s }

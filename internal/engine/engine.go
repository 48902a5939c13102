package engine

import (
	"encoding/binary"

	"github.com/pactlang/ares/internal/closure"
	"github.com/pactlang/ares/internal/heap"
	"github.com/pactlang/ares/internal/interrupt"
	"github.com/pactlang/ares/internal/strintern"
	"github.com/pactlang/ares/internal/table"
	"github.com/pactlang/ares/internal/thread"
	"github.com/pactlang/ares/internal/value"
	"github.com/go-stack/stack"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// instrWidth is the fixed instruction size in bytes, matching the teacher's
// 4-byte [op:8][a:8][b:8][c:8] / wide-immediate encoding.
const instrWidth = 4

// Sentinel errors for the runtime taxonomy (spec.md §7).
var (
	ErrNotCallable   = errors.New("engine: value is not callable")
	ErrCallDepth     = errors.New("engine: call depth exceeded")
	ErrBadPC         = errors.New("engine: program counter out of range")
	ErrBadOpcode     = errors.New("engine: unrecognized opcode")
	ErrStackOverflow = errors.New("engine: stack overflow")
)

// errNativeYield is returned internally by a yieldable native wrapper (one
// registered with a Continuation) to signal "suspend the calling thread
// with these values instead of returning them", per spec.md §4.B
// "Continuations".
var errNativeYield = errors.New("engine: native call requested yield")

// NativeYield is called by a native function body that wants its caller's
// thread to yield rather than return, handing control back via cont on the
// next resume. Only meaningful for closures constructed with a non-nil
// Continuation (closure.NewNative's cont parameter).
func NativeYield(yieldVals []value.Value) ([]value.Value, error) {
	return yieldVals, errNativeYield
}

// Engine interprets bytecode for threads drawn from one Hierarchy. It holds
// no per-thread state itself; all mutable state lives on the thread.Thread
// being run, which is what makes suspension and persistence possible.
type Engine struct {
	log       *logrus.Entry
	collector *heap.Collector
	memcat    uint8
	Strings   *strintern.Table

	// Interrupt is the embedder-provided pre-emption hook (spec.md §4.B). A
	// nil Interrupt means "always continue", the fast path.
	Interrupt interrupt.Callback

	// CallDepthLimit bounds frame-stack depth; 0 means unbounded. Configured
	// from internal/config (spec.md §6 "optional ceiling on call depth").
	CallDepthLimit int

	// SuspendAtCallTail opts into consulting Interrupt at the tail of every
	// CALL instruction that enters a script closure, in addition to the mandatory back-edge/call/return
	// safepoints (spec.md §4.B, §9 open question #1 — defaults false,
	// matching the coarser suspension granularity SPEC_FULL.md §5 chose).
	SuspendAtCallTail bool

	// stepThreshold is the accumulated per-opcode cost (see stepCost in
	// opcodes.go) at which a safepoint is forced even without a loop
	// back-edge, generalizing spec.md §4.A's "step size" to per-opcode
	// granularity rather than raw allocated bytes.
	stepThreshold uint32

	// OnInternalPanic receives VM invariant violations (spec.md §7
	// "Internal" taxonomy entry: a bad opcode, an out-of-range program
	// counter, or similar interpreter-state corruption). Unlike every other
	// runtime error these are not catchable by script code (spec.md §7
	// "Fatal policy" pairs them with memory exhaustion as the only two
	// unrecoverable cases). Nil means the engine panics in the calling
	// goroutine after logging.
	OnInternalPanic func(err error, stackTrace string)
}

// New creates an Engine backed by collector for category memcat allocations
// (new tables, closures, upvalues created by the interpreter itself).
func New(collector *heap.Collector, memcat uint8) *Engine {
	return &Engine{
		log:           logrus.WithField("component", "engine.Engine"),
		collector:     collector,
		memcat:        memcat,
		stepThreshold: 4096,
	}
}

// SetStepThreshold overrides the per-opcode-cost safepoint budget.
func (e *Engine) SetStepThreshold(n uint32) {
	if n > 0 {
		e.stepThreshold = n
	}
}

func reg(t *thread.Thread, f *thread.Frame, i uint8) *value.Value {
	return t.StackSlot(f.Base + int(i))
}

// decodeCallDest reads the CALL instruction that pushed the frame currently
// resuming into caller (caller.PC already points just past it, per the
// fetch-then-advance convention), returning the destination register and
// requested result count. This lets OpReturn (and a finished continuation)
// deliver results without the frame itself carrying return-destination
// bookkeeping — only (closure, base, pc) need to be persisted, matching
// spec.md §4.D's per-frame field list exactly.
func decodeCallDest(caller *thread.Frame) (destReg uint8, nresults int) {
	code := caller.Closure.Proto.Code
	at := int(caller.PC) - instrWidth
	word := binary.LittleEndian.Uint32(code[at:])
	a := uint8((word >> 8) & 0xFF)
	c := uint8((word >> 24) & 0xFF)
	return a, int(c)
}

// Prepare pushes the initial frame for a fresh thread, ready for Resume.
func (e *Engine) Prepare(t *thread.Thread, cl *closure.Closure, args []value.Value) error {
	if t.Status() != thread.StatusFresh {
		return errors.Wrap(thread.ErrWrongStatus, "engine: Prepare requires a fresh thread")
	}
	return e.pushScriptFrame(t, cl, args)
}

func (e *Engine) pushScriptFrame(t *thread.Thread, cl *closure.Closure, args []value.Value) error {
	if e.CallDepthLimit > 0 && len(t.Frames()) >= e.CallDepthLimit {
		return ErrCallDepth
	}
	base := t.StackLen()
	t.EnsureStack(base + int(cl.Proto.MaxStack))
	n := int(cl.Proto.NumParams)
	for i := 0; i < n; i++ {
		v := value.Nil
		if i < len(args) {
			v = args[i]
		}
		*t.StackSlot(base + i) = v
	}
	t.PushFrame(thread.Frame{Closure: cl, Base: base, PC: 0})
	return nil
}

// Resume runs t until it finishes, yields, breaks, or errors, delivering
// resumeArgs as: the initial call arguments if t is fresh (already loaded
// via Prepare; resumeArgs is then unused for frame 0), the values passed to
// a pending yield's continuation otherwise. It implements the thread status
// state machine transitions from spec.md §4.B.
func (e *Engine) Resume(t *thread.Thread, resumeArgs []value.Value) (thread.Status, []value.Value, error) {
	if err := t.Resume(); err != nil {
		return t.Status(), nil, err
	}

	if f := t.CurrentFrame(); f != nil && f.Cont != nil {
		results, done, err := f.Cont(resumeArgs)
		if err != nil {
			e.fail(t, err)
			return t.Status(), nil, err
		}
		cl := f.Closure
		t.PopFrame()
		if !done {
			t.PushFrame(thread.Frame{Closure: cl, Cont: f.Cont})
			t.Yield()
			return t.Status(), results, nil
		}
		if finished := e.completeCall(t, results); finished {
			t.Finish()
			return t.Status(), results, nil
		}
	}

	return e.loop(t)
}

func (e *Engine) fail(t *thread.Thread, err error) {
	var ev value.Value
	if e.Strings != nil {
		ev = value.FromObject(e.Strings.Intern([]byte(err.Error())))
	}
	t.Fail(ev)
	e.log.WithError(err).Warn("task failed")
}

// internalPanic handles a VM invariant violation: it captures the Go call
// stack, logs at fatal level, and hands off to OnInternalPanic rather than
// letting the thread fail in the ordinary (catchable) way.
func (e *Engine) internalPanic(t *thread.Thread, err error) {
	trace := stack.Trace().TrimRuntime().String()
	e.log.WithError(err).WithField("stack", trace).Log(logrus.FatalLevel, "internal vm invariant violated")
	t.Fail(value.Nil)
	if e.OnInternalPanic != nil {
		e.OnInternalPanic(err, trace)
		return
	}
	panic(err)
}

// completeCall delivers results to the frame below the one that just
// returned (or finished via a done continuation). It reports whether the
// frame stack is now empty (the whole thread is finished, and results are
// the overall return value).
func (e *Engine) completeCall(t *thread.Thread, results []value.Value) (finished bool) {
	caller := t.CurrentFrame()
	if caller == nil {
		return true
	}
	destReg, nresults := decodeCallDest(caller)
	for i := 0; i < nresults; i++ {
		v := value.Nil
		if i < len(results) {
			v = results[i]
		}
		*t.StackSlot(caller.Base+int(destReg)+i) = v
	}
	return false
}

func (e *Engine) safepoint(t *thread.Thread, hint interrupt.Hint) interrupt.Disposition {
	if e.Interrupt == nil {
		return interrupt.Continue
	}
	return e.Interrupt(t, hint)
}

// handleDisposition applies a safepoint's verdict. It returns (stop=true)
// when the caller must return out of the interpreter loop immediately.
func (e *Engine) handleDisposition(t *thread.Thread, d interrupt.Disposition) (stop bool, status thread.Status, results []value.Value) {
	switch d {
	case interrupt.RequestBreak:
		t.Break()
		return true, t.Status(), nil
	case interrupt.RequestYield:
		t.Yield()
		return true, t.Status(), nil
	default:
		return false, t.Status(), nil
	}
}

// loop is the fetch-decode-execute core. It runs until the frame stack
// empties (finished), a yield/break is requested, or an error occurs.
func (e *Engine) loop(t *thread.Thread) (thread.Status, []value.Value, error) {
	var budget uint32

	for {
		f := t.CurrentFrame()
		if f == nil {
			t.Finish()
			return t.Status(), nil, nil
		}
		proto := f.Closure.Proto
		if int(f.PC)+instrWidth > len(proto.Code) {
			err := errors.Wrapf(ErrBadPC, "pc=%d len=%d", f.PC, len(proto.Code))
			e.internalPanic(t, err)
			return t.Status(), nil, err
		}
		word := binary.LittleEndian.Uint32(proto.Code[f.PC:])
		f.PC += instrWidth

		op := Opcode(word & 0xFF)
		a := uint8((word >> 8) & 0xFF)
		b := uint8((word >> 16) & 0xFF)
		c := uint8((word >> 24) & 0xFF)
		imm16 := int32(int16(uint16(b)<<8 | uint16(c)))

		if int(op) >= int(opcodeCount) {
			err := errors.Wrapf(ErrBadOpcode, "0x%02x", uint8(op))
			e.internalPanic(t, err)
			return t.Status(), nil, err
		}

		backEdge := op == OpJmp && imm16 < 0
		isCallOrReturn := op == OpCall || op == OpReturn
		budget += stepCost[op]
		needSafepoint := backEdge || isCallOrReturn
		if budget >= e.stepThreshold {
			needSafepoint = true
			budget = 0
		}
		if e.collector != nil && e.collector.ShouldStep() {
			needSafepoint = true
		}
		if needSafepoint {
			if stop, status, results := e.handleDisposition(t, e.safepoint(t, interrupt.HintUserSafepoint)); stop {
				return status, results, nil
			}
		}

		switch op {
		case OpLoadK:
			*reg(t, f, a) = proto.Constants[uint16(imm16)]
		case OpLoadBool:
			*reg(t, f, a) = value.Bool(b != 0)
			if c != 0 {
				f.PC += instrWidth
			}
		case OpLoadNil:
			for i := 0; i <= int(b); i++ {
				*reg(t, f, a+uint8(i)) = value.Nil
			}
		case OpMove:
			*reg(t, f, a) = *reg(t, f, b)

		case OpAdd:
			*reg(t, f, a) = value.Number(reg(t, f, b).AsNumber() + reg(t, f, c).AsNumber())
		case OpSub:
			*reg(t, f, a) = value.Number(reg(t, f, b).AsNumber() - reg(t, f, c).AsNumber())
		case OpMul:
			*reg(t, f, a) = value.Number(reg(t, f, b).AsNumber() * reg(t, f, c).AsNumber())
		case OpDiv:
			divisor := reg(t, f, c).AsNumber()
			if divisor == 0 {
				err := errors.New("engine: division by zero")
				e.fail(t, err)
				return t.Status(), nil, err
			}
			*reg(t, f, a) = value.Number(reg(t, f, b).AsNumber() / divisor)
		case OpMod:
			divisor := reg(t, f, c).AsNumber()
			if divisor == 0 {
				err := errors.New("engine: division by zero")
				e.fail(t, err)
				return t.Status(), nil, err
			}
			bv := reg(t, f, b).AsNumber()
			*reg(t, f, a) = value.Number(bv - divisor*floorDiv(bv, divisor))
		case OpNeg:
			*reg(t, f, a) = value.Number(-reg(t, f, b).AsNumber())
		case OpNot:
			*reg(t, f, a) = value.Bool(!reg(t, f, b).Truthy())

		case OpEq:
			*reg(t, f, a) = value.Bool(value.Equal(*reg(t, f, b), *reg(t, f, c)))
		case OpLt:
			*reg(t, f, a) = value.Bool(reg(t, f, b).AsNumber() < reg(t, f, c).AsNumber())
		case OpLe:
			*reg(t, f, a) = value.Bool(reg(t, f, b).AsNumber() <= reg(t, f, c).AsNumber())

		case OpGetUpval:
			*reg(t, f, a) = f.Closure.Upvals[b].Get()
		case OpSetUpval:
			f.Closure.Upvals[b].Set(*reg(t, f, a))
		case OpClose:
			t.CloseUpvaluesFrom(f.Base + int(a))

		case OpGetGlobal:
			name := proto.Constants[uint16(imm16)]
			*reg(t, f, a) = t.GlobalGet(name)
		case OpSetGlobal:
			name := proto.Constants[uint16(imm16)]
			if err := t.GlobalSet(name, *reg(t, f, a)); err != nil {
				e.fail(t, err)
				return t.Status(), nil, err
			}

		case OpNewTable:
			tb, err := e.allocTable()
			if err != nil {
				e.fail(t, err)
				return t.Status(), nil, err
			}
			*reg(t, f, a) = value.FromObject(tb)
		case OpGetTable:
			tb, ok := asTable(*reg(t, f, b))
			if !ok {
				err := errors.New("engine: attempt to index a non-table value")
				e.fail(t, err)
				return t.Status(), nil, err
			}
			*reg(t, f, a) = tb.Get(*reg(t, f, c))
		case OpSetTable:
			tb, ok := asTable(*reg(t, f, a))
			if !ok {
				err := errors.New("engine: attempt to index a non-table value")
				e.fail(t, err)
				return t.Status(), nil, err
			}
			if err := tb.Set(*reg(t, f, b), *reg(t, f, c)); err != nil {
				e.fail(t, err)
				return t.Status(), nil, err
			}
		case OpLen:
			tb, ok := asTable(*reg(t, f, b))
			if !ok {
				err := errors.New("engine: attempt to get length of a non-table value")
				e.fail(t, err)
				return t.Status(), nil, err
			}
			*reg(t, f, a) = value.Number(float64(tb.Length()))
		case OpNext:
			tb, ok := asTable(*reg(t, f, a))
			if !ok {
				err := errors.New("engine: attempt to iterate a non-table value")
				e.fail(t, err)
				return t.Status(), nil, err
			}
			nk, nv, found, err := tb.Next(*reg(t, f, b))
			if err != nil {
				e.fail(t, err)
				return t.Status(), nil, err
			}
			*reg(t, f, b) = nk
			*reg(t, f, b+1) = nv
			*reg(t, f, c) = value.Bool(found)

		case OpClosure:
			child := proto.Prototypes[uint16(imm16)]
			upvals := make([]*closure.Upvalue, len(child.Upvals))
			for i, desc := range child.Upvals {
				if desc.FromParentLocal {
					upvals[i] = t.FindOrCreateUpvalue(e.memcat, f.Base+int(desc.Index))
				} else {
					upvals[i] = f.Closure.Upvals[desc.Index]
				}
			}
			cl := closure.NewScript(e.memcat, child, upvals)
			if e.collector != nil {
				_, _ = e.collector.Allocate(cl)
			}
			*reg(t, f, a) = value.FromObject(cl)

		case OpJmp:
			f.PC = uint32(int32(f.PC) + imm16*instrWidth)

		case OpTest:
			if reg(t, f, a).Truthy() != (c != 0) {
				f.PC += instrWidth
			}

		case OpCall:
			calleeVal := *reg(t, f, a)
			nargs, nresults := int(b), int(c)
			args := make([]value.Value, nargs)
			for i := 0; i < nargs; i++ {
				args[i] = *reg(t, f, a+1+uint8(i))
			}
			status, results, err := e.invoke(t, calleeVal, args)
			if err != nil {
				e.fail(t, err)
				return t.Status(), nil, err
			}
			switch status {
			case invokeContinuing:
				// a new script frame was pushed; loop will pick it up.
				if e.SuspendAtCallTail {
					if stop, s, r := e.handleDisposition(t, e.safepoint(t, interrupt.HintUserSafepoint)); stop {
						return s, r, nil
					}
				}
				continue
			case invokeReturnedSync:
				for i := 0; i < nresults; i++ {
					v := value.Nil
					if i < len(results) {
						v = results[i]
					}
					*reg(t, f, a+uint8(i)) = v
				}
			case invokeSuspended:
				return t.Status(), results, nil
			}

		case OpReturn:
			n := int(b)
			results := make([]value.Value, n)
			for i := 0; i < n; i++ {
				results[i] = *reg(t, f, a+uint8(i))
			}
			base := f.Base
			t.PopFrame()
			t.Truncate(base)
			if finished := e.completeCall(t, results); finished {
				t.Finish()
				return t.Status(), results, nil
			}

		case OpYield:
			n := int(b)
			vals := make([]value.Value, n)
			for i := 0; i < n; i++ {
				vals[i] = *reg(t, f, a+uint8(i))
			}
			t.Yield()
			return t.Status(), vals, nil

		default:
			err := errors.Wrapf(ErrBadOpcode, "0x%02x", uint8(op))
			e.internalPanic(t, err)
			return t.Status(), nil, err
		}
	}
}

func floorDiv(a, b float64) float64 {
	q := a / b
	if q < 0 {
		return float64(int64(q) - 1)
	}
	return float64(int64(q))
}

func asTable(v value.Value) (*table.Table, bool) {
	if v.Kind() != value.KindObject {
		return nil, false
	}
	tb, ok := v.Object().(*table.Table)
	return tb, ok
}

func (e *Engine) allocTable() (*table.Table, error) {
	tb := table.New(e.memcat)
	if e.collector != nil {
		if _, err := e.collector.Allocate(tb); err != nil {
			return nil, err
		}
	}
	return tb, nil
}

type invokeStatus uint8

const (
	invokeReturnedSync invokeStatus = iota
	invokeContinuing
	invokeSuspended
)

// invoke dispatches a CALL: a script closure pushes a new frame and lets the
// outer loop continue into it (invokeContinuing); a plain native closure
// runs synchronously in place (invokeReturnedSync); a native closure that
// calls NativeYield suspends the whole thread (invokeSuspended), pushing a
// continuation frame so the next Resume re-enters its Cont instead of
// bytecode (spec.md §4.B "Continuations").
func (e *Engine) invoke(t *thread.Thread, calleeVal value.Value, args []value.Value) (invokeStatus, []value.Value, error) {
	if calleeVal.Kind() != value.KindObject {
		return invokeReturnedSync, nil, ErrNotCallable
	}
	cl, ok := calleeVal.Object().(*closure.Closure)
	if !ok {
		return invokeReturnedSync, nil, ErrNotCallable
	}
	if cl.IsNative() {
		results, err := cl.Fn(e, args)
		if errors.Is(err, errNativeYield) {
			t.PushFrame(thread.Frame{Closure: cl, Cont: cl.Cont})
			t.Yield()
			return invokeSuspended, results, nil
		}
		if err != nil {
			return invokeReturnedSync, nil, err
		}
		return invokeReturnedSync, results, nil
	}
	if err := e.pushScriptFrame(t, cl, args); err != nil {
		return invokeReturnedSync, nil, err
	}
	return invokeContinuing, nil, nil
}

// Call runs closure fn to completion on a fresh handler thread forked from
// owner, synchronously. It is the call/return contract internal/host uses
// to bridge event.Caller and timer.Fire into the engine: both expect a
// handler to run and hand back results, not to cooperatively suspend across
// the call the way a script resuming its own thread does. A handler that
// yields is treated as a usage error — event and timer dispatch give a
// handler exactly one uninterrupted turn per round.
func (e *Engine) Call(hier *thread.Hierarchy, owner *thread.Thread, fn *closure.Closure, args []value.Value) ([]value.Value, error) {
	if fn.IsNative() {
		results, err := fn.Fn(e, args)
		if errors.Is(err, errNativeYield) {
			return nil, errors.New("engine: native handler requested yield outside a resumable call")
		}
		return results, err
	}
	ht := hier.NewHandler(owner)
	defer hier.Discard(ht)
	if err := e.Prepare(ht, fn, args); err != nil {
		return nil, err
	}
	status, results, err := e.Resume(ht, nil)
	if err != nil {
		return nil, err
	}
	if status != thread.StatusFinished {
		return nil, errors.Errorf("engine: handler did not run to completion (status=%v)", status)
	}
	return results, nil
}

// Probe classifies whether t can be cooperatively suspended right now
// (spec.md §4.B "Yieldability probe"). Callable only meaningfully from
// within an interrupt callback invoked by this Engine.
func (e *Engine) Probe(t *thread.Thread) interrupt.Probe {
	if e.CallDepthLimit > 0 && len(t.Frames()) > e.CallDepthLimit {
		return interrupt.ProbeCallDepthTooDeep
	}
	f := t.CurrentFrame()
	if f == nil {
		return interrupt.ProbeBadFrame
	}
	if f.Cont != nil {
		return interrupt.ProbeNotAScriptFrame
	}
	if f.Closure == nil || f.Closure.Proto == nil {
		return interrupt.ProbeBadFrame
	}
	code := f.Closure.Proto.Code
	if int(f.PC) > len(code) || int(f.PC)%instrWidth != 0 {
		return interrupt.ProbeInvalidProgramCounter
	}
	if int(f.PC)+instrWidth <= len(code) {
		op := Opcode(code[f.PC] & 0xFF)
		if int(op) >= int(opcodeCount) {
			return interrupt.ProbeUnsupportedInstruction
		}
	}
	return interrupt.ProbeOK
}

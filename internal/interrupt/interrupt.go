// Package interrupt defines the embedder pre-emption contract from
// spec.md §4.B and §6: the interrupt callback, its hint values, the
// disposition it can request, and the yieldability probe.
package interrupt

// Hint classifies why the interpreter is consulting the interrupt callback.
// Non-negative values are GC-step contexts (the collector's own accounting
// id); -1 and -2 are reserved.
type Hint int32

const (
	// HintUserSafepoint marks an ordinary safepoint: loop back-edge, call,
	// or return boundary.
	HintUserSafepoint Hint = -1
	// HintHandlerBoundary marks the point between two event/timer handler
	// invocations (spec.md §4.E "Between-handlers interrupt").
	HintHandlerBoundary Hint = -2
)

// Disposition is what the embedder's interrupt callback asks the
// interpreter to do.
type Disposition uint8

const (
	// Continue does nothing; the fast path.
	Continue Disposition = iota
	// RequestBreak asks the interpreter to unwind cooperatively with a
	// break status, distinct from a script-initiated yield.
	RequestBreak
	// RequestYield asks the interpreter to yield with zero arguments, as
	// if the script itself had called yield().
	RequestYield
)

// Callback is the embedder-provided interrupt hook. task is an opaque
// handle to the interrupting thread (the *thread.Thread the engine is
// running, or event.Manager.Task between event handlers), passed as
// interface{} to avoid a dependency cycle.
type Callback func(task interface{}, hint Hint) Disposition

// Probe is the result of the yieldability probe (spec.md §4.B
// "Yieldability probe"), callable only from within an interrupt handler.
type Probe uint8

const (
	ProbeOK Probe = iota
	ProbeCallDepthTooDeep
	ProbeBadFrame
	ProbeNotAScriptFrame
	ProbeInvalidProgramCounter
	ProbeUnsupportedInstruction
)

// Suspendable reports whether the probe result must be respected as safe to
// suspend at. Strict callers may also treat ProbeCallDepthTooDeep as
// suspendable per spec.md §4.B; ordinary callers require ProbeOK.
func (p Probe) Suspendable(strict bool) bool {
	if p == ProbeOK {
		return true
	}
	return strict && p == ProbeCallDepthTooDeep
}

func (p Probe) String() string {
	switch p {
	case ProbeOK:
		return "ok"
	case ProbeCallDepthTooDeep:
		return "call-depth-too-deep"
	case ProbeBadFrame:
		return "bad-frame"
	case ProbeNotAScriptFrame:
		return "not-a-script-frame"
	case ProbeInvalidProgramCounter:
		return "invalid-program-counter"
	case ProbeUnsupportedInstruction:
		return "unsupported-instruction"
	default:
		return "unknown"
	}
}

package engine

import (
	"testing"

	"github.com/pactlang/ares/internal/closure"
	"github.com/pactlang/ares/internal/heap"
	"github.com/pactlang/ares/internal/interrupt"
	"github.com/pactlang/ares/internal/table"
	"github.com/pactlang/ares/internal/thread"
	"github.com/pactlang/ares/internal/value"
	"github.com/stretchr/testify/require"
)

func instr(op Opcode, a, b, c byte) []byte { return []byte{byte(op), a, b, c} }

func instrWide(op Opcode, a byte, imm int16) []byte {
	return []byte{byte(op), a, byte(uint16(imm) >> 8), byte(uint16(imm))}
}

func code(words ...[]byte) []byte {
	var out []byte
	for _, w := range words {
		out = append(out, w...)
	}
	return out
}

func newTestThread() *thread.Thread {
	return thread.New(0, 1, thread.IdentityPlain, nil, table.New(0))
}

func TestEngineRunsArithmeticAndReturns(t *testing.T) {
	proto := closure.NewPrototype(0)
	proto.MaxStack = 3
	proto.Constants = []value.Value{value.Number(2), value.Number(3)}
	proto.Code = code(
		instrWide(OpLoadK, 0, 0),
		instrWide(OpLoadK, 1, 1),
		instr(OpAdd, 2, 0, 1),
		instr(OpReturn, 2, 1, 0),
	)
	cl := closure.NewScript(0, proto, nil)

	eng := New(nil, 0)
	th := newTestThread()
	require.NoError(t, eng.Prepare(th, cl, nil))

	status, results, err := eng.Resume(th, nil)
	require.NoError(t, err)
	require.Equal(t, thread.StatusFinished, status)
	require.Len(t, results, 1)
	require.Equal(t, float64(5), results[0].AsNumber())
}

func TestEngineYieldThenResumeContinuesBytecode(t *testing.T) {
	proto := closure.NewPrototype(0)
	proto.MaxStack = 1
	proto.Constants = []value.Value{value.Number(9)}
	proto.Code = code(
		instrWide(OpLoadK, 0, 0),
		instr(OpYield, 0, 1, 0),
		instr(OpReturn, 0, 1, 0),
	)
	cl := closure.NewScript(0, proto, nil)

	eng := New(nil, 0)
	th := newTestThread()
	require.NoError(t, eng.Prepare(th, cl, nil))

	status, results, err := eng.Resume(th, nil)
	require.NoError(t, err)
	require.Equal(t, thread.StatusSuspended, status)
	require.Equal(t, float64(9), results[0].AsNumber())

	status, results, err = eng.Resume(th, nil)
	require.NoError(t, err)
	require.Equal(t, thread.StatusFinished, status)
	require.Equal(t, float64(9), results[0].AsNumber())
}

// TestInterruptBreakAndYieldAreDistinctStatuses exercises the break-vs-yield
// distinction from the interrupt side: an embedder callback can ask for
// either disposition at the same safepoint, and the two land in different
// thread statuses.
func TestInterruptBreakAndYieldAreDistinctStatuses(t *testing.T) {
	newLoopProto := func() *closure.Prototype {
		proto := closure.NewPrototype(0)
		proto.MaxStack = 0
		proto.Code = code(instrWide(OpJmp, 0, -1))
		return proto
	}

	breakEng := New(nil, 0)
	breakEng.Interrupt = func(task interface{}, hint interrupt.Hint) interrupt.Disposition {
		require.Equal(t, interrupt.HintUserSafepoint, hint)
		return interrupt.RequestBreak
	}
	breakThread := newTestThread()
	require.NoError(t, breakEng.Prepare(breakThread, closure.NewScript(0, newLoopProto(), nil), nil))
	status, _, err := breakEng.Resume(breakThread, nil)
	require.NoError(t, err)
	require.Equal(t, thread.StatusBreakSuspended, status)

	yieldEng := New(nil, 0)
	yieldEng.Interrupt = func(task interface{}, hint interrupt.Hint) interrupt.Disposition {
		return interrupt.RequestYield
	}
	yieldThread := newTestThread()
	require.NoError(t, yieldEng.Prepare(yieldThread, closure.NewScript(0, newLoopProto(), nil), nil))
	status, _, err = yieldEng.Resume(yieldThread, nil)
	require.NoError(t, err)
	require.Equal(t, thread.StatusSuspended, status)

	require.NotEqual(t, thread.StatusBreakSuspended, thread.StatusSuspended)
}

func TestBadPCRoutesThroughInternalPanicCallbackNotOrdinaryFail(t *testing.T) {
	proto := closure.NewPrototype(0)
	proto.MaxStack = 0
	proto.Code = nil // any PC is immediately out of range
	cl := closure.NewScript(0, proto, nil)

	eng := New(nil, 0)
	var gotErr error
	var gotStack string
	eng.OnInternalPanic = func(err error, stackTrace string) {
		gotErr = err
		gotStack = stackTrace
	}
	th := newTestThread()
	require.NoError(t, eng.Prepare(th, cl, nil))

	status, _, err := eng.Resume(th, nil)
	require.ErrorIs(t, err, ErrBadPC)
	require.Equal(t, thread.StatusError, status)
	require.ErrorIs(t, gotErr, ErrBadPC)
	require.NotEmpty(t, gotStack)
}

func TestBadPCPanicsWhenNoCallbackInstalled(t *testing.T) {
	proto := closure.NewPrototype(0)
	proto.MaxStack = 0
	proto.Code = nil
	cl := closure.NewScript(0, proto, nil)

	eng := New(nil, 0)
	th := newTestThread()
	require.NoError(t, eng.Prepare(th, cl, nil))

	require.Panics(t, func() {
		_, _, _ = eng.Resume(th, nil)
	})
}

func TestPrepareRejectsNonFreshThread(t *testing.T) {
	proto := closure.NewPrototype(0)
	proto.MaxStack = 0
	proto.Code = code(instr(OpReturn, 0, 0, 0))
	cl := closure.NewScript(0, proto, nil)

	eng := New(nil, 0)
	th := newTestThread()
	require.NoError(t, eng.Prepare(th, cl, nil))
	require.NoError(t, th.Resume())

	require.ErrorIs(t, eng.Prepare(th, cl, nil), thread.ErrWrongStatus)
}

func TestCallDepthLimitRejectsFramePastLimit(t *testing.T) {
	proto := closure.NewPrototype(0)
	proto.MaxStack = 0
	proto.Code = code(instr(OpReturn, 0, 0, 0))
	cl := closure.NewScript(0, proto, nil)

	eng := New(nil, 0)
	eng.CallDepthLimit = 1
	th := newTestThread()
	require.NoError(t, eng.Prepare(th, cl, nil))

	require.ErrorIs(t, eng.Prepare(th, cl, nil), ErrCallDepth)
}

func TestEngineAllocatesTablesThroughCollector(t *testing.T) {
	proto := closure.NewPrototype(0)
	proto.MaxStack = 1
	proto.Code = code(instr(OpNewTable, 0, 0, 0), instr(OpReturn, 0, 1, 0))
	cl := closure.NewScript(0, proto, nil)

	collector := heap.NewCollector(func() []heap.Object { return nil })
	eng := New(collector, 3)
	th := newTestThread()
	require.NoError(t, eng.Prepare(th, cl, nil))

	status, results, err := eng.Resume(th, nil)
	require.NoError(t, err)
	require.Equal(t, thread.StatusFinished, status)
	tb, ok := results[0].Object().(*table.Table)
	require.True(t, ok)
	require.Equal(t, 0, tb.Length())
	require.Equal(t, int64(64), collector.Category(3).Bytes(), "the new table is charged against the engine's configured memory category")
}

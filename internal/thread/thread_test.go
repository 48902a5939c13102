package thread

import (
	"testing"

	"github.com/pactlang/ares/internal/closure"
	"github.com/pactlang/ares/internal/table"
	"github.com/pactlang/ares/internal/value"
	"github.com/stretchr/testify/require"
)

func newTestThread() *Thread {
	return New(0, 1, IdentityPlain, nil, table.New(0))
}

func TestFindOrCreateUpvalueSharesIdentityForSameOffset(t *testing.T) {
	th := newTestThread()
	th.EnsureStack(4)

	a := th.FindOrCreateUpvalue(0, 2)
	b := th.FindOrCreateUpvalue(0, 2)
	require.Same(t, a, b, "two closures capturing the same frame-local offset must share one Upvalue object")

	other := th.FindOrCreateUpvalue(0, 0)
	require.NotSame(t, a, other)
	require.Len(t, th.OpenUpvalues(), 2)
}

func TestFindOrCreateUpvalueKeepsAscendingOffsetOrder(t *testing.T) {
	th := newTestThread()
	th.EnsureStack(8)

	th.FindOrCreateUpvalue(0, 5)
	th.FindOrCreateUpvalue(0, 1)
	th.FindOrCreateUpvalue(0, 3)

	offsets := make([]int, len(th.OpenUpvalues()))
	for i, uv := range th.OpenUpvalues() {
		offsets[i] = uv.Offset()
	}
	require.Equal(t, []int{1, 3, 5}, offsets)
}

func TestCloseUpvaluesFromClosesAndTrimsAtOrAboveOffset(t *testing.T) {
	th := newTestThread()
	th.EnsureStack(8)
	*th.StackSlot(2) = value.Number(20)
	*th.StackSlot(5) = value.Number(50)

	low := th.FindOrCreateUpvalue(0, 2)
	high := th.FindOrCreateUpvalue(0, 5)

	th.CloseUpvaluesFrom(4)
	require.True(t, low.IsOpen(), "an upvalue below the close offset stays open")
	require.False(t, high.IsOpen(), "an upvalue at or above the close offset is closed")
	require.Equal(t, float64(50), high.Get().AsNumber())
	require.Len(t, th.OpenUpvalues(), 1)
}

func TestTruncateClosesUpvaluesAtDiscardedOffsets(t *testing.T) {
	th := newTestThread()
	th.EnsureStack(4)
	*th.StackSlot(3) = value.Number(7)
	uv := th.FindOrCreateUpvalue(0, 3)

	th.Truncate(2)
	require.False(t, uv.IsOpen())
	require.Equal(t, float64(7), uv.Get().AsNumber())
	require.Equal(t, 2, th.StackLen())
}

func TestResumeTransitionsFromFreshSuspendedAndBreakSuspended(t *testing.T) {
	th := newTestThread()
	require.Equal(t, StatusFresh, th.Status())

	require.NoError(t, th.Resume())
	require.Equal(t, StatusRunning, th.Status())

	th.Yield()
	require.Equal(t, StatusSuspended, th.Status())
	require.NoError(t, th.Resume())
	require.Equal(t, StatusRunning, th.Status())

	th.Break()
	require.Equal(t, StatusBreakSuspended, th.Status())
	require.NoError(t, th.Resume())
	require.Equal(t, StatusRunning, th.Status())
}

func TestResumeRejectsFinishedOrErrorThread(t *testing.T) {
	th := newTestThread()
	require.NoError(t, th.Resume())
	th.Finish()
	require.ErrorIs(t, th.Resume(), ErrWrongStatus)

	th2 := newTestThread()
	require.NoError(t, th2.Resume())
	th2.Fail(value.Nil)
	require.ErrorIs(t, th2.Resume(), ErrWrongStatus)
}

// TestYieldAndBreakAreDistinctStatuses is the break-vs-yield distinction
// spec.md §4.B draws: a script-initiated yield and an embedder-requested
// break both suspend a running thread, but land in different, separately
// observable statuses rather than collapsing into one "suspended" state.
func TestYieldAndBreakAreDistinctStatuses(t *testing.T) {
	yielded := newTestThread()
	require.NoError(t, yielded.Resume())
	yielded.Yield()

	broken := newTestThread()
	require.NoError(t, broken.Resume())
	broken.Break()

	require.Equal(t, StatusSuspended, yielded.Status())
	require.Equal(t, StatusBreakSuspended, broken.Status())
	require.NotEqual(t, yielded.Status(), broken.Status())

	// Both are resumable, but only through the same uniform Resume entry
	// point — neither status gets its own resume verb.
	require.NoError(t, yielded.Resume())
	require.NoError(t, broken.Resume())
}

func TestCloseReportsOutcomeWithoutChangingStatus(t *testing.T) {
	finished := newTestThread()
	require.NoError(t, finished.Resume())
	finished.Finish()
	ok, errVal, err := finished.Close()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, errVal.IsNil())
	require.Equal(t, StatusFinished, finished.Status())

	failed := newTestThread()
	require.NoError(t, failed.Resume())
	failed.Fail(value.Number(1))
	ok, errVal, err = failed.Close()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, float64(1), errVal.AsNumber())

	fresh := newTestThread()
	_, _, err = fresh.Close()
	require.ErrorIs(t, err, ErrWrongStatus)
}

func TestGlobalGetFallsBackToBaseGlobals(t *testing.T) {
	base := table.New(0)
	require.NoError(t, base.Set(value.Bool(true), value.Number(1)))

	th := newTestThread()
	th.SetBaseGlobals(base)

	require.Equal(t, float64(1), th.GlobalGet(value.Bool(true)).AsNumber())

	require.NoError(t, th.GlobalSet(value.Bool(true), value.Number(2)))
	require.Equal(t, float64(2), th.GlobalGet(value.Bool(true)).AsNumber(), "a set always lands in the thread's own globals")
	require.Equal(t, float64(1), base.Get(value.Bool(true)).AsNumber(), "the base image's globals are never mutated")
}

func TestChildrenReportsGlobalsParentFramesStackAndUpvalues(t *testing.T) {
	parent := newTestThread()
	globals := table.New(0)
	th := New(0, 2, IdentityPlain, parent, globals)
	th.EnsureStack(2)
	*th.StackSlot(0) = value.FromObject(globals)

	cl := closure.NewNative(0, "n", func(vm interface{}, args []value.Value) ([]value.Value, error) { return nil, nil }, nil, nil)
	th.PushFrame(Frame{Closure: cl, Base: 0})
	uv := th.FindOrCreateUpvalue(0, 1)

	children := th.Children(nil)
	require.Contains(t, children, any(globals))
	require.Contains(t, children, any(parent))
	require.Contains(t, children, any(cl))
	require.Contains(t, children, any(uv))
}

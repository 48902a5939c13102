package host

import (
	"bytes"
	"testing"

	"github.com/pactlang/ares/internal/ares"
	"github.com/pactlang/ares/internal/closure"
	"github.com/pactlang/ares/internal/table"
	"github.com/pactlang/ares/internal/thread"
	"github.com/pactlang/ares/internal/timer"
	"github.com/stretchr/testify/require"
)

func constClock(now *float64) func() float64 {
	return func() float64 { return *now }
}

func TestPumpDrivesRegisteredTimers(t *testing.T) {
	now := 0.0
	h := New(0, constClock(&now), nil)

	fired := 0
	_, err := h.Timers.On(1, func(timer.Handle) error { fired++; return nil })
	require.NoError(t, err)

	now = 1
	require.NoError(t, h.Pump(now))
	require.Equal(t, 1, fired)

	now = 2
	require.NoError(t, h.Pump(now))
	require.Equal(t, 2, fired)
}

func TestDefaultPermanentsCoverTimerTrampoline(t *testing.T) {
	now := 0.0
	h := New(0, constClock(&now), nil)

	obj, ok := h.Permanents.ObjectOf("ares.timer.tick")
	require.True(t, ok)
	_, ok = obj.(*closure.Closure)
	require.True(t, ok)
}

// TestSuspendedNativeContinuationRoundTrips exercises the path the review
// flagged as untested: a thread whose current frame is a continuation
// (Cont != nil) over a permanents-registered native closure must serialize
// and deserialize successfully, with the permanents key resolving back to
// the same closure instance on the reading side.
func TestSuspendedNativeContinuationRoundTrips(t *testing.T) {
	now := 0.0
	h := New(0, constClock(&now), nil)

	resumeFn, ok := h.Permanents.ObjectOf("ares.coroutine.resume")
	require.True(t, ok)
	resumeClosure := resumeFn.(*closure.Closure)

	th := thread.New(0, 11, thread.IdentityPlain, h.Grandparent, table.New(0))
	th.PushFrame(thread.Frame{Closure: resumeClosure, Cont: coroutineRelay})
	th.SetStatus(thread.StatusSuspended)

	protos := ares.NewPrototypeTable(nil)
	var buf bytes.Buffer
	require.NoError(t, ares.SerializeThread(&buf, h.Permanents, protos, th))

	got, err := ares.DeserializeThread(&buf, 0, h.Permanents, protos)
	require.NoError(t, err)
	require.Equal(t, thread.StatusSuspended, got.Status())
	require.Len(t, got.Frames(), 1)
	require.Same(t, resumeClosure, got.Frames()[0].Closure)
}

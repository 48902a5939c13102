package timer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func constClock(t *float64) Clock {
	return func() float64 { return *t }
}

func TestNegativeIntervalRejected(t *testing.T) {
	now := 0.0
	m := New(constClock(&now), 0)
	_, err := m.On(-1, func(Handle) error { return nil })
	require.ErrorIs(t, err, ErrNegativeInterval)
}

func TestZeroIntervalFiresEveryTick(t *testing.T) {
	now := 0.0
	m := New(constClock(&now), 0)
	fired := 0
	_, err := m.On(0, func(Handle) error { fired++; return nil })
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		now += 1
		require.NoError(t, m.Tick(now))
	}
	require.Equal(t, 5, fired)
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	now := 0.0
	m := New(constClock(&now), 0)
	fired := 0
	_, err := m.Once(1, func(Handle) error { fired++; return nil })
	require.NoError(t, err)

	now = 1
	require.NoError(t, m.Tick(now))
	now = 2
	require.NoError(t, m.Tick(now))
	require.Equal(t, 1, fired)
}

func TestPeriodicTimerReschedulesByInterval(t *testing.T) {
	now := 0.0
	m := New(constClock(&now), 0)
	var fireAt []float64
	_, err := m.On(1, func(Handle) error { fireAt = append(fireAt, now); return nil })
	require.NoError(t, err)

	for _, now2 := range []float64{1, 2, 3} {
		now = now2
		require.NoError(t, m.Tick(now))
	}
	require.Equal(t, []float64{1, 2, 3}, fireAt)
}

func TestCatchUpSnapsToNowPastThreshold(t *testing.T) {
	now := 0.0
	m := New(constClock(&now), 2) // interval 1, floor 2 => threshold max(2,2)=2
	_, err := m.On(1, func(Handle) error { return nil })
	require.NoError(t, err)

	now = 1
	require.NoError(t, m.Tick(now)) // nextDue becomes 2

	now = 100 // a huge stall
	require.NoError(t, m.Tick(now))

	r := m.records[Handle(1)]
	require.Equal(t, 100.0, r.nextDue, "stall beyond the catch-up threshold snaps next-due to now")
}

func TestCatchUpWithinThresholdAdvancesNormally(t *testing.T) {
	now := 0.0
	m := New(constClock(&now), 2) // interval 1, threshold 2
	_, err := m.On(1, func(Handle) error { return nil })
	require.NoError(t, err)

	now = 1
	require.NoError(t, m.Tick(now)) // nextDue becomes 2

	now = 2.5 // within threshold of the nextDue=2 schedule
	require.NoError(t, m.Tick(now))

	r := m.records[Handle(1)]
	require.Equal(t, 3.0, r.nextDue, "a stall within the threshold advances by one interval, not a snap")
}

func TestReentrantTickRejected(t *testing.T) {
	now := 0.0
	m := New(constClock(&now), 0)
	var innerErr error
	_, err := m.On(1, func(Handle) error {
		innerErr = m.Tick(now)
		return nil
	})
	require.NoError(t, err)

	now = 1
	require.NoError(t, m.Tick(now))
	require.ErrorIs(t, innerErr, ErrReentrantTick)
}

func TestOffCancelsTimer(t *testing.T) {
	now := 0.0
	m := New(constClock(&now), 0)
	fired := 0
	h, err := m.On(1, func(Handle) error { fired++; return nil })
	require.NoError(t, err)

	require.True(t, m.Off(h))
	require.False(t, m.Off(h), "cancelling twice reports absent the second time")

	now = 1
	require.NoError(t, m.Tick(now))
	require.Equal(t, 0, fired)
}

func TestDueOrderingByNextDueThenRegistrationOrder(t *testing.T) {
	now := 0.0
	m := New(constClock(&now), 0)
	var order []Handle
	record := func(h Handle) error { order = append(order, h); return nil }

	h1, _ := m.On(1, record)
	h2, _ := m.On(1, record)
	_, _ = m.On(5, record)

	now = 1
	require.NoError(t, m.Tick(now))
	require.Equal(t, []Handle{h1, h2}, order)
}

func TestSetEventHintReportsSoonestDue(t *testing.T) {
	now := 0.0
	m := New(constClock(&now), 0)
	var hinted float64
	m.SetEventHint(func(interval float64) { hinted = interval })

	_, _ = m.On(5, func(Handle) error { return nil })
	_, _ = m.On(2, func(Handle) error { return nil })

	require.Equal(t, 2.0, hinted)
}

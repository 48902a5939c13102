// Package timer implements the timer wheel from spec.md §4.E: one-shot and
// periodic timers driven by an embedder-supplied monotonic clock, with
// catch-up clamping and a re-entrancy guard on tick.
package timer

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultCatchUpThreshold is the minimum catch-up clamp floor (spec.md §4.E
// "no less than 2 seconds").
const DefaultCatchUpThreshold = 2.0

// EventName is the well-known event name the host package binds Manager.Tick
// to via event.Manager.On, so timer firings go through the same dispatch and
// between-handlers interrupt discipline as any other event (spec.md §4.E
// "Integration with events"). This package stays free of an internal/event
// or internal/closure dependency; the host owns the one call-site binding.
const EventName = "ares.timer.tick"

// Handle identifies a registered timer.
type Handle uint64

// ErrNegativeInterval is returned by On/Once for interval < 0.
var ErrNegativeInterval = errors.New("timer: negative interval rejected")

// ErrReentrantTick is returned when tick is called recursively from within
// a handler it is currently running.
var ErrReentrantTick = errors.New("timer: re-entrant tick rejected")

// Clock returns the current monotonic time in seconds (spec.md §4.E
// "Clock source" — the embedder supplies this; the driver never reads
// wall-clock time directly).
type Clock func() float64

// Fire is invoked when a timer is due. Errors propagate out of Tick but do
// not prevent other due timers in the same Tick call from firing.
type Fire func(handle Handle) error

type record struct {
	handle    Handle
	interval  float64
	nextDue   float64
	oneShot   bool
	fn        Fire
	cancelled bool
}

// Manager maintains the timer record set and the re-entrancy guard.
type Manager struct {
	log *logrus.Entry

	clock        Clock
	catchUpFloor float64
	records      map[Handle]*record
	nextID       uint64
	ticking      bool
	setEventHint func(interval float64) // embedder "timer-set-event" hint
}

// New creates a Manager driven by clock. catchUpThreshold overrides the
// recommended 2-second floor; 0 selects DefaultCatchUpThreshold.
func New(clock Clock, catchUpThreshold float64) *Manager {
	if catchUpThreshold <= 0 {
		catchUpThreshold = DefaultCatchUpThreshold
	}
	return &Manager{
		log:          logrus.WithField("component", "timer.Manager"),
		clock:        clock,
		catchUpFloor: catchUpThreshold,
		records:      make(map[Handle]*record),
	}
}

// SetEventHint installs the embedder "timer-set-event" callback (spec.md §6),
// invoked with the interval until the next known due timer whenever that
// changes.
func (m *Manager) SetEventHint(fn func(interval float64)) { m.setEventHint = fn }

func (m *Manager) register(interval float64, oneShot bool, fn Fire) (Handle, error) {
	if interval < 0 {
		return 0, ErrNegativeInterval
	}
	m.nextID++
	h := Handle(m.nextID)
	now := m.clock()
	m.records[h] = &record{handle: h, interval: interval, nextDue: now + interval, oneShot: oneShot, fn: fn}
	m.notifyNextDue(now)
	return h, nil
}

// On registers a periodic timer firing every interval seconds. A zero
// interval fires on every Tick (spec.md §4.E).
func (m *Manager) On(interval float64, fn Fire) (Handle, error) { return m.register(interval, false, fn) }

// Once registers a one-shot timer.
func (m *Manager) Once(interval float64, fn Fire) (Handle, error) { return m.register(interval, true, fn) }

// Off cancels a timer, reporting whether it was present and live.
func (m *Manager) Off(h Handle) bool {
	r, ok := m.records[h]
	if !ok || r.cancelled {
		return false
	}
	r.cancelled = true
	delete(m.records, h)
	return true
}

// Tick fires every timer whose next-due is <= now. It is re-entrant-guarded:
// a Tick invoked from within a firing handler (directly, or by the embedder
// re-entering via the event driver) is rejected.
func (m *Manager) Tick(now float64) error {
	if m.ticking {
		return ErrReentrantTick
	}
	m.ticking = true
	defer func() { m.ticking = false }()

	due := m.dueRecords(now)
	var firstErr error
	for _, r := range due {
		if r.cancelled {
			continue
		}
		if r.oneShot {
			delete(m.records, r.handle)
		} else {
			m.reschedule(r, now)
		}
		if err := r.fn(r.handle); err != nil && firstErr == nil {
			firstErr = err
			m.log.WithField("timer", r.handle).WithError(err).Warn("timer handler error")
		}
	}
	m.notifyNextDue(now)
	return firstErr
}

// dueRecords returns records due at now, ordered by ascending next-due with
// ties broken by registration (handle) order (spec.md §5 "Ordering
// guarantees").
func (m *Manager) dueRecords(now float64) []*record {
	var due []*record
	for _, r := range m.records {
		if r.nextDue <= now {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].nextDue != due[j].nextDue {
			return due[i].nextDue < due[j].nextDue
		}
		return due[i].handle < due[j].handle
	})
	return due
}

// reschedule advances a periodic timer's next-due, snapping to now if the
// script fell behind by more than the catch-up threshold (spec.md §4.E
// "Rescheduling").
func (m *Manager) reschedule(r *record, now float64) {
	threshold := r.interval * 2
	if threshold < m.catchUpFloor {
		threshold = m.catchUpFloor
	}
	next := r.nextDue + r.interval
	if now-next > threshold {
		next = now
	}
	r.nextDue = next
}

func (m *Manager) notifyNextDue(now float64) {
	if m.setEventHint == nil {
		return
	}
	var min float64
	found := false
	for _, r := range m.records {
		if r.cancelled {
			continue
		}
		d := r.nextDue - now
		if !found || d < min {
			min, found = d, true
		}
	}
	if found {
		m.setEventHint(min)
	}
}

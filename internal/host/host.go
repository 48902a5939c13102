// Package host wires together one VM's engine, thread hierarchy, event
// dispatcher, and timer wheel — the composition spec.md leaves to "the
// embedder" rather than to any one subsystem. internal/ares, internal/event
// and internal/timer are deliberately decoupled from each other and from
// internal/engine to avoid import cycles and keep each package testable in
// isolation; this package is the one place that holds concrete references
// to all of them and therefore the one place spec.md §4.D's default
// permanents and §4.E's timer/event binding can actually be registered.
package host

import (
	"github.com/pactlang/ares/internal/ares"
	"github.com/pactlang/ares/internal/closure"
	"github.com/pactlang/ares/internal/engine"
	"github.com/pactlang/ares/internal/event"
	"github.com/pactlang/ares/internal/heap"
	"github.com/pactlang/ares/internal/interrupt"
	"github.com/pactlang/ares/internal/thread"
	"github.com/pactlang/ares/internal/timer"
	"github.com/pactlang/ares/internal/value"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Host owns one VM's collector, thread hierarchy, engine, event dispatcher,
// timer wheel, and Ares permanents table.
type Host struct {
	log *logrus.Entry

	Collector   *heap.Collector
	Hierarchy   *thread.Hierarchy
	Engine      *engine.Engine
	Events      *event.Manager
	Timers      *timer.Manager
	Permanents  *ares.Permanents
	Grandparent *thread.Thread

	// kernel owns the handler threads spawned to run event dispatch; a
	// privileged thread rather than a script instance, matching the
	// identity rule in spec.md §3 that gates who may fork/serialize.
	kernel *thread.Thread
}

// New creates a Host: a fresh collector-backed hierarchy and engine, an
// event dispatcher whose Caller runs handlers through the engine, a timer
// wheel bound to the event dispatcher under timer.EventName (spec.md §4.E
// "Integration with events"), and the default Ares permanents (spec.md
// §4.D). ifc is consulted between event handlers and at ordinary engine
// safepoints; memcat is the default allocation category for
// host-constructed objects (the kernel thread, its globals table).
func New(memcat uint8, clock timer.Clock, ifc interrupt.Callback) *Host {
	collector := heap.NewCollector(nil)
	hier, gp := thread.NewHierarchy(collector, memcat)
	collector.SetRoots(hier.Roots)
	eng := engine.New(collector, memcat)
	eng.Interrupt = ifc

	h := &Host{
		log:         logrus.WithField("component", "host.Host"),
		Collector:   collector,
		Hierarchy:   hier,
		Engine:      eng,
		Permanents:  ares.NewDefaultPermanents(),
		Grandparent: gp,
		kernel:      hier.NewForker(gp),
	}

	h.Events = event.New(h.call, ifc)
	h.Timers = timer.New(clock, timer.DefaultCatchUpThreshold)

	h.registerDefaultPermanents()
	h.bindTimerToEvents()

	return h
}

// call implements event.Caller: it runs a script fn to completion on a
// handler thread forked from the kernel thread; a native fn is called
// directly by Engine.Call.
func (h *Host) call(fn *closure.Closure, args []value.Value) ([]value.Value, error) {
	return h.Engine.Call(h.Hierarchy, h.kernel, fn, args)
}

// bindTimerToEvents is the §4.E integration point: the timer wheel never
// imports internal/event, so this is the one call site that connects them.
// Driving this host's timer wheel is done by dispatching timer.EventName
// through h.Events (see Pump), which in turn invokes the registered
// ares.timer.tick permanent, which calls h.Timers.Tick.
func (h *Host) bindTimerToEvents() {
	tick, ok := h.Permanents.ObjectOf(timer.EventName)
	if !ok {
		// registerDefaultPermanents always registers this key; a missing
		// entry here would be a programming error in this package, not a
		// recoverable runtime condition.
		panic("host: timer tick permanent missing after registerDefaultPermanents")
	}
	if _, err := h.Events.On(timer.EventName, tick.(*closure.Closure)); err != nil {
		panic(errors.Wrap(err, "host: binding timer driver to event dispatch"))
	}
	h.Timers.SetEventHint(func(interval float64) {
		h.log.WithField("seconds", interval).Debug("next timer due")
	})
}

// Pump advances the timer wheel by dispatching timer.EventName with now as
// its sole argument; the embedder calls this from its own tick source (an
// OS timer, a block/slot clock, ...). Dispatching through h.Events rather
// than calling h.Timers.Tick directly means timer firing gets the same
// between-handlers interrupt discipline as any other event (spec.md §4.E).
func (h *Host) Pump(now float64) error {
	return h.Events.Handle(timer.EventName, []value.Value{value.Number(now)})
}

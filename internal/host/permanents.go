package host

import (
	"github.com/pactlang/ares/internal/closure"
	"github.com/pactlang/ares/internal/timer"
	"github.com/pactlang/ares/internal/value"
)

// registerDefaultPermanents seeds h.Permanents with the runtime's built-in
// coroutine and event/timer helpers (spec.md §4.D "The runtime registers a
// default set of permanents covering continuation functions for the
// coroutine primitives and event/timer helpers"). Every entry here is a
// singleton native closure shared by every script instance this host runs;
// none of them close over per-task state, which is what lets a single
// permanents key stand for every use (a per-task closure could not be a
// permanent, since Permanents.Register keys by the specific *Closure
// instance, not by function identity).
func (h *Host) registerDefaultPermanents() {
	tick := closure.NewNative(0, timer.EventName, h.timerTick, nil, nil)
	h.Permanents.Register(timer.EventName, tick)

	resume := closure.NewNative(0, "ares.coroutine.resume", coroutineResume, coroutineRelay, nil)
	h.Permanents.Register("ares.coroutine.resume", resume)
}

// timerTick is the native body registered under timer.EventName: dispatched
// by Pump via the event manager, it drives the timer wheel itself.
func (h *Host) timerTick(vm interface{}, args []value.Value) ([]value.Value, error) {
	var now float64
	if len(args) > 0 {
		now = args[0].AsNumber()
	}
	return nil, h.Timers.Tick(now)
}

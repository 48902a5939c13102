// Package event implements the named event channel from spec.md §4.E: an
// ordered per-name handler list, registration and dispatch gating hooks,
// method-style-handler rejection, and the between-handlers interrupt.
package event

import (
	"github.com/pactlang/ares/internal/closure"
	"github.com/pactlang/ares/internal/interrupt"
	"github.com/pactlang/ares/internal/value"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Sentinel errors for the dispatch/registration taxonomy.
var (
	ErrRegistrationRejected = errors.New("event: registration rejected by filter")
	ErrDispatchRejected     = errors.New("event: dispatch rejected by gate")
	ErrMethodStyleHandler   = errors.New("event: method-style handler declaration rejected")
	// ErrDispatchSuspended is returned when the between-handlers interrupt
	// (hint -2) requests a break or yield mid-dispatch. The caller (the
	// owning handler thread) is expected to have already transitioned its
	// own status via the same interrupt callback return value; the
	// remaining handlers in this round are not invoked.
	ErrDispatchSuspended = errors.New("event: dispatch suspended by interrupt")
)

// Handle identifies one registered listener, returned by On/Once and
// consumed by Off.
type Handle uint64

type listener struct {
	handle Handle
	fn     *closure.Closure
	once   bool
}

// Caller invokes a handler closure; supplied by the embedding engine so
// this package has no dependency on internal/engine (which itself depends
// on internal/thread, avoiding an import cycle through the engine that
// would otherwise run the handlers).
type Caller func(fn *closure.Closure, args []value.Value) ([]value.Value, error)

// Manager maintains the event-name -> ordered-handler-list mapping and
// implements dispatch semantics from spec.md §4.E: handlers added during a
// dispatch are not invoked until the next round; handlers removed during a
// dispatch are still invoked in the current round if present when it
// started; one handler's error interrupts only the current dispatch.
type Manager struct {
	log *logrus.Entry

	call      Caller
	interrupt interrupt.Callback

	// RegistrationFilter, when non-nil, may reject On/Once for a given
	// event name (spec.md §4.E "registration-filter hook").
	RegistrationFilter func(name string, register bool) bool
	// DispatchGate, when non-nil, may reject an externally-triggered
	// dispatch altogether (spec.md §4.E "may-call-handle-event").
	DispatchGate func(name string) bool
	// IsMethodStyle reports whether fn carries an implicit self parameter
	// and must therefore be rejected at registration (spec.md §4.E). The
	// engine supplies this since only it knows the closure's prototype
	// convention; nil means "never reject".
	IsMethodStyle func(fn *closure.Closure) bool

	// Task is passed as the interrupt callback's task argument for the
	// between-handlers check; the owning handler thread sets this before
	// dispatching.
	Task interface{}

	handlers map[string][]*listener
	nextID   uint64
}

// New creates an empty Manager. call is used to invoke handler closures;
// ifc is consulted with hint interrupt.HintHandlerBoundary between every
// pair of handlers during a dispatch.
func New(call Caller, ifc interrupt.Callback) *Manager {
	return &Manager{
		log:       logrus.WithField("component", "event.Manager"),
		call:      call,
		interrupt: ifc,
		handlers:  make(map[string][]*listener),
	}
}

func (m *Manager) register(name string, fn *closure.Closure, once bool) (Handle, error) {
	if m.IsMethodStyle != nil && m.IsMethodStyle(fn) {
		return 0, ErrMethodStyleHandler
	}
	if m.RegistrationFilter != nil && !m.RegistrationFilter(name, true) {
		return 0, ErrRegistrationRejected
	}
	m.nextID++
	h := Handle(m.nextID)
	m.handlers[name] = append(m.handlers[name], &listener{handle: h, fn: fn, once: once})
	return h, nil
}

// On subscribes fn to every future dispatch of name until removed.
func (m *Manager) On(name string, fn *closure.Closure) (Handle, error) {
	return m.register(name, fn, false)
}

// Once subscribes fn to the next dispatch of name only.
func (m *Manager) Once(name string, fn *closure.Closure) (Handle, error) {
	return m.register(name, fn, true)
}

// Off removes a previously registered handle, reporting whether it was
// present.
func (m *Manager) Off(name string, h Handle) bool {
	list := m.handlers[name]
	for i, l := range list {
		if l.handle == h {
			m.handlers[name] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// ListNames returns every event name with at least one registered handler.
func (m *Manager) ListNames() []string {
	names := make([]string, 0, len(m.handlers))
	for n, list := range m.handlers {
		if len(list) > 0 {
			names = append(names, n)
		}
	}
	return names
}

// Listeners returns the handler closures currently registered for name, in
// registration order.
func (m *Manager) Listeners(name string) []*closure.Closure {
	list := m.handlers[name]
	out := make([]*closure.Closure, len(list))
	for i, l := range list {
		out[i] = l.fn
	}
	return out
}

// Handle dispatches name to every handler registered at the moment dispatch
// starts, in that order, regardless of registrations or removals that occur
// mid-dispatch (spec.md §4.E). A handler's error stops the current
// dispatch (later handlers in this round do not run) without corrupting
// the manager's registered-handler state. The interrupt callback fires with
// hint -2 between every pair of handlers (n-1 times for n handlers).
func (m *Manager) Handle(name string, args []value.Value) error {
	if m.DispatchGate != nil && !m.DispatchGate(name) {
		return ErrDispatchRejected
	}
	round := append([]*listener(nil), m.handlers[name]...)

	for i, l := range round {
		if i > 0 && m.interrupt != nil {
			if d := m.interrupt(m.Task, interrupt.HintHandlerBoundary); d != interrupt.Continue {
				return ErrDispatchSuspended
			}
		}
		if _, err := m.call(l.fn, args); err != nil {
			m.log.WithField("event", name).WithError(err).Warn("handler error, aborting dispatch round")
			return err
		}
		if l.once {
			m.Off(name, l.handle)
		}
	}
	return nil
}

package host

import (
	"github.com/pactlang/ares/internal/engine"
	"github.com/pactlang/ares/internal/thread"
	"github.com/pactlang/ares/internal/value"
	"github.com/pkg/errors"
)

// ErrNotATask is returned by the coroutine-resume trampoline when its first
// argument is not a collectable thread.Thread value.
var ErrNotATask = errors.New("host: coroutine.resume requires a task argument")

// coroutineResume is the shared native body for every coroutine-wrap-style
// helper (spec.md §9 "Language-agnostic closure/continuation wrappers"): it
// resumes the task given as args[0] with the remaining arguments. If the
// task itself yields (StatusSuspended), this call suspends too
// (engine.NativeYield), relaying the yielded values outward; a single
// coroutineRelay continuation then closes out that one outstanding
// suspension on the next resume. Any other outcome, a break included, hands
// the task's results back as an ordinary return.
//
// Because it is a stateless, argument-driven function shared by every
// wrapped task, a single *closure.Closure built from it can be registered
// once as a permanent (see registerDefaultPermanents) instead of needing one
// registration per task.
func coroutineResume(vm interface{}, args []value.Value) ([]value.Value, error) {
	if len(args) == 0 || !args[0].Collectable() {
		return nil, ErrNotATask
	}
	target, ok := args[0].Object().(*thread.Thread)
	if !ok {
		return nil, ErrNotATask
	}
	eng, ok := vm.(*engine.Engine)
	if !ok {
		return nil, errors.New("host: coroutine.resume called outside an engine")
	}
	status, results, err := eng.Resume(target, args[1:])
	if err != nil {
		return nil, err
	}
	if status == thread.StatusSuspended {
		return engine.NativeYield(results)
	}
	return results, nil
}

// coroutineRelay is coroutineResume's continuation: resuming the wrapper
// call after the wrapped task suspended simply hands back whatever values
// the caller supplies. Resuming the same *nested* task a second time
// requires another explicit ares.coroutine.resume call; this relay only
// ever closes out the one suspension it was pushed for.
func coroutineRelay(args []value.Value) (results []value.Value, done bool, err error) {
	return args, true, nil
}

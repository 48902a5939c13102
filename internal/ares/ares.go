package ares

import (
	"bufio"
	"context"
	"io"

	"github.com/golang/snappy"
	"github.com/pactlang/ares/internal/heap"
	"golang.org/x/sync/semaphore"
)

// Coordinator caps the number of concurrent serialize/deserialize requests
// a single host process issues, across however many VMs share the Forker
// pattern (SPEC_FULL.md Domain Stack, golang.org/x/sync/semaphore). The
// zero value has no cap; use NewCoordinator for a bounded one.
type Coordinator struct {
	sem *semaphore.Weighted
}

// NewCoordinator creates a Coordinator allowing at most maxConcurrent
// simultaneous Ares requests.
func NewCoordinator(maxConcurrent int64) *Coordinator {
	return &Coordinator{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Acquire blocks until a request slot is available or ctx is cancelled.
func (c *Coordinator) Acquire(ctx context.Context) error {
	if c == nil || c.sem == nil {
		return nil
	}
	return c.sem.Acquire(ctx, 1)
}

// Release returns a request slot.
func (c *Coordinator) Release() {
	if c == nil || c.sem == nil {
		return
	}
	c.sem.Release(1)
}

// Guard wraps a heap.Collector's BeginGuard/EndGuard pair around a
// serialize or deserialize call, enforcing spec.md §4.D's "GC interplay"
// requirement that the collector not reshape storage the traversal hasn't
// finished writing or reading. roots are pinned for the guard's duration in
// addition to the blanket step/collect suspension.
func Guard(collector *heap.Collector, roots []heap.Object, fn func() error) error {
	if collector == nil {
		return fn()
	}
	collector.BeginGuard(roots)
	defer collector.EndGuard(roots)
	return fn()
}

// CompressedWriter wraps w so the emitted Ares byte stream is snappy-framed
// (SPEC_FULL.md Domain Stack: "optional frame compression of the emitted
// Ares byte stream"). The returned writer must be closed to flush the final
// frame.
func CompressedWriter(w io.Writer) io.WriteCloser {
	return snappy.NewBufferedWriter(w)
}

// CompressedReader wraps r to decode a stream written by CompressedWriter.
func CompressedReader(r io.Reader) io.Reader {
	return snappy.NewReader(r)
}

// BufferedReader wraps r with a buffer sized for typical Ares streams when
// the caller does not need compression; NewDeserializer already adapts a
// plain io.Reader via bufio internally, but an explicit helper is handy for
// callers layering their own transport framing on top.
func BufferedReader(r io.Reader) *bufio.Reader { return bufio.NewReader(r) }

// NewDefaultPermanents creates an empty Permanents table ready for the host
// to seed with the runtime's built-in coroutine and event/timer helpers —
// every one of which is a native closure with no portable representation
// of its own and must therefore be resolvable by a stable key on both ends
// of a transfer (spec.md §4.D "The runtime registers a default set of
// permanents covering continuation functions for the coroutine primitives
// and event/timer helpers"). internal/host calls this and registers the
// concrete closures immediately afterward; this stays a plain constructor
// so internal/ares has no dependency on internal/engine or internal/event.
func NewDefaultPermanents() *Permanents {
	return NewPermanents()
}

// Package heap implements the collectable-object contract described by the
// Value & Heap component: kind tags, tri-colour mark state, per-category
// byte accounting, and the fixed bit that excludes an object from
// reclamation once the base image has loaded.
//
// Go objects are already managed by the runtime's own collector; this
// package does not reimplement a tracing allocator. Instead it layers the
// spec's *contract* — category accounting, the fixed bit, an explicit
// incremental mark/sweep pass used to decide finalizer timing and category
// credit, and a before/after-allocate hook pair — on top of ordinary Go
// allocation. See DESIGN.md for the rationale.
package heap

import (
	"sync"
	"sync/atomic"

	"github.com/deckarep/golang-set"
	"github.com/fjl/memsize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Kind identifies which of the eight heap object shapes an Object is: the
// six value-visible kinds plus upvalues and prototypes.
type Kind uint8

const (
	KindString Kind = iota
	KindTable
	KindClosure
	KindThread
	KindUserdata
	KindBuffer
	KindUpvalue
	KindPrototype
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindTable:
		return "table"
	case KindClosure:
		return "closure"
	case KindThread:
		return "thread"
	case KindUserdata:
		return "userdata"
	case KindBuffer:
		return "buffer"
	case KindUpvalue:
		return "upvalue"
	case KindPrototype:
		return "prototype"
	default:
		return "unknown"
	}
}

// Colour is the tri-colour mark state of an object during an incremental
// collection cycle.
type Colour uint8

const (
	White Colour = iota // candidate for reclamation
	Gray                // reachable, children not yet scanned
	Black               // reachable, children scanned
)

// Header is embedded by every heap object kind and carries the bookkeeping
// the collector needs: kind, mark colour, memory category, and the fixed
// bit. Each object kind exposes its Header through Object.HeapHeader.
type Header struct {
	kind    Kind
	colour  uint32 // atomic Colour
	memcat  uint32 // atomic uint8, widened for atomic ops
	fixed   uint32 // atomic bool
	size    int64  // approximate resident bytes, for category accounting
	mu      sync.Mutex
	scanned bool
}

// NewHeader initializes a Header for a freshly allocated object of kind k in
// memory category memcat, sized size bytes.
func NewHeader(k Kind, memcat uint8, size int64) Header {
	return Header{kind: k, colour: uint32(White), memcat: uint32(memcat), size: size}
}

// Kind reports the heap kind of the owning object.
func (h *Header) Kind() Kind { return h.kind }

// Colour returns the current tri-colour mark state.
func (h *Header) Colour() Colour { return Colour(atomic.LoadUint32(&h.colour)) }

// SetColour updates the mark state.
func (h *Header) SetColour(c Colour) { atomic.StoreUint32(&h.colour, uint32(c)) }

// Category returns the embedder-assigned memory category (0..255).
func (h *Header) Category() uint8 { return uint8(atomic.LoadUint32(&h.memcat)) }

// Fixed reports whether the object is excluded from reclamation.
func (h *Header) Fixed() bool { return atomic.LoadUint32(&h.fixed) != 0 }

// SetFixed sets the fixed bit. Once set it is never cleared by this package;
// the fixed bit only propagates forward (spec §3).
func (h *Header) SetFixed() { atomic.StoreUint32(&h.fixed, 1) }

// Size returns the approximate resident size used for category accounting.
func (h *Header) Size() int64 { return h.size }

// Object is the interface every heap kind implements via an embedded
// Header, plus a Children callback used for tracing during mark and for
// fix_reachable.
type Object interface {
	HeapHeader() *Header
	// Children appends every Object this object directly references to dst
	// and returns the extended slice. Leaf objects (e.g. a String) return
	// dst unchanged.
	Children(dst []Object) []Object
}

// Category tracks live byte totals for one embedder-assigned memory
// category, with optional before/after-allocate hooks and a byte limit.
type Category struct {
	id    uint8
	bytes int64

	mu    sync.Mutex
	limit int64 // 0 means unbounded

	beforeAllocate func(old, new int64) bool
	onAllocate     func(old, new int64)
}

// Collector implements the incremental tri-colour collector contract:
// Goal, StepMultiplier, and StepSize tuning knobs, allocate/mark/sweep
// phases, Collect for a forced full cycle, and FixReachable for pinning the
// base image.
type Collector struct {
	log *logrus.Entry

	mu         sync.Mutex
	categories map[uint8]*Category
	roots      func() []Object // supplied by the embedder/VM: registry, stacks, globals, open upvalues

	goalPercent  int // default 200
	stepPercent  int // default 200
	stepSize     int // bytes between mandatory interrupt checks
	allocated    int64
	sinceLastGC  int64
	permanentSet mapset.Set // objects pinned during an in-flight Ares serialization; never swept meanwhile

	guardDepth int32 // atomic; >0 while an Ares serialize/deserialize guard is open
}

// NewCollector creates a Collector with spec defaults (goal 200%, step
// multiplier 200%, step size 1<<20) and the given reachability-root
// provider, which the embedder (typically the thread hierarchy) supplies.
func NewCollector(roots func() []Object) *Collector {
	return &Collector{
		log:          logrus.WithField("component", "heap.Collector"),
		categories:   make(map[uint8]*Category),
		roots:        roots,
		goalPercent:  200,
		stepPercent:  200,
		stepSize:     1 << 20,
		permanentSet: mapset.NewSet(),
	}
}

// SetRoots installs (or replaces) the reachability-root provider. Exists
// because the thread hierarchy the roots function walks is itself
// constructed with a reference to this Collector, so the two can't be
// built in one step; callers wire this immediately after creating both.
func (c *Collector) SetRoots(roots func() []Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roots = roots
}

// SetTuning overrides the goal/step-multiplier/step-size knobs (spec §4.A).
func (c *Collector) SetTuning(goalPercent, stepPercent, stepSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if goalPercent > 0 {
		c.goalPercent = goalPercent
	}
	if stepPercent > 0 {
		c.stepPercent = stepPercent
	}
	if stepSize > 0 {
		c.stepSize = stepSize
	}
}

// StepSize returns the configured interrupt-check granularity in bytes.
func (c *Collector) StepSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepSize
}

// Category returns (creating if necessary) the accounting bucket for id.
func (c *Collector) Category(id uint8) *Category {
	c.mu.Lock()
	defer c.mu.Unlock()
	cat, ok := c.categories[id]
	if !ok {
		cat = &Category{id: id}
		c.categories[id] = cat
	}
	return cat
}

// SetLimit configures a byte ceiling for category id. Zero means unbounded.
func (c *Category) SetLimit(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = n
}

// SetHooks installs the embedder's before/on-allocate callbacks for the
// category (spec §4.A "Per-category accounting").
func (c *Category) SetHooks(before func(old, new int64) bool, after func(old, new int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beforeAllocate = before
	c.onAllocate = after
}

// Bytes reports the current tracked byte total for the category.
func (c *Category) Bytes() int64 {
	return atomic.LoadInt64(&c.bytes)
}

// ErrCategoryLimit is returned when an allocation would exceed a
// per-category byte limit and the embedder's veto (or the emergency
// collection retry) does not clear it.
var ErrCategoryLimit = errors.New("heap: category byte limit exceeded")

// Reserve charges delta bytes (positive on allocate, negative on free)
// against the category, invoking the before/on-allocate hooks and
// respecting the configured limit. emergencyGC is invoked at most once if
// the limit would be exceeded, as the spec permits an "emergency full GC"
// retry before failing.
func (c *Category) Reserve(delta int64, emergencyGC func()) error {
	c.mu.Lock()
	old := c.bytes
	next := old + delta
	if delta > 0 && c.limit > 0 && next > c.limit {
		veto := c.beforeAllocate != nil && !c.beforeAllocate(old, next)
		if veto || next > c.limit {
			c.mu.Unlock()
			if emergencyGC != nil {
				emergencyGC()
				c.mu.Lock()
				old = c.bytes
				next = old + delta
				if next > c.limit {
					c.mu.Unlock()
					return errors.Wrapf(ErrCategoryLimit, "category %d: %d+%d > %d", c.id, old, delta, c.limit)
				}
			} else {
				return errors.Wrapf(ErrCategoryLimit, "category %d: %d+%d > %d", c.id, old, delta, c.limit)
			}
		}
	} else if c.beforeAllocate != nil {
		if !c.beforeAllocate(old, next) {
			c.mu.Unlock()
			return errors.Wrapf(ErrCategoryLimit, "category %d: allocation vetoed", c.id)
		}
	}
	c.bytes = next
	after := c.onAllocate
	c.mu.Unlock()
	if after != nil {
		after(old, next)
	}
	return nil
}

// Allocate registers a newly-created object against its category and
// returns it unchanged, for chaining at construction sites.
func (c *Collector) Allocate(obj Object) (Object, error) {
	h := obj.HeapHeader()
	cat := c.Category(h.Category())
	if err := cat.Reserve(h.Size(), func() { c.Collect() }); err != nil {
		return nil, err
	}
	atomic.AddInt64(&c.allocated, h.Size())
	atomic.AddInt64(&c.sinceLastGC, h.Size())
	return obj, nil
}

// Free releases an object's category accounting. Fixed objects are never
// passed here by Sweep, but the call is safe regardless.
func (c *Collector) Free(obj Object) {
	h := obj.HeapHeader()
	cat := c.Category(h.Category())
	_ = cat.Reserve(-h.Size(), nil)
}

// ShouldStep reports whether enough bytes have been allocated since the
// last collection step to warrant doing collector work now, per the
// configured step size. Always false while a BeginGuard/EndGuard pair from
// an in-flight Ares serialize or deserialize is open (spec.md §4.D "GC
// interplay": the collector must not reshape storage the traversal hasn't
// finished writing or reading).
func (c *Collector) ShouldStep() bool {
	if atomic.LoadInt32(&c.guardDepth) > 0 {
		return false
	}
	return atomic.LoadInt64(&c.sinceLastGC) >= int64(c.StepSize())
}

// BeginGuard opens a scoped region during which ShouldStep reports false and
// Collect is a no-op, and pins objs against Sweep regardless of mark colour.
// Nestable: Collect/ShouldStep stay suppressed until every BeginGuard has a
// matching EndGuard. Used by internal/ares around a single serialize or
// deserialize call.
func (c *Collector) BeginGuard(objs []Object) {
	atomic.AddInt32(&c.guardDepth, 1)
	c.mu.Lock()
	for _, o := range objs {
		c.permanentSet.Add(o)
	}
	c.mu.Unlock()
}

// EndGuard closes one BeginGuard region and unpins objs at once, even if an
// enclosing guard also pinned them. Collect/ShouldStep stay suppressed until
// the guard depth returns to zero.
func (c *Collector) EndGuard(objs []Object) {
	c.mu.Lock()
	for _, o := range objs {
		c.permanentSet.Remove(o)
	}
	c.mu.Unlock()
	atomic.AddInt32(&c.guardDepth, -1)
}

// FixReachable marks every object reachable from root (inclusive) with the
// fixed bit, using Children for traversal. Used immediately after loading
// bytecode to pin the base image (spec §4.A).
func FixReachable(root Object) {
	if root == nil {
		return
	}
	seen := make(map[Object]bool)
	stack := []Object{root}
	for len(stack) > 0 {
		obj := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[obj] {
			continue
		}
		seen[obj] = true
		obj.HeapHeader().SetFixed()
		stack = obj.Children(stack)
	}
}

// Mark performs one incremental mark pass: every object in the root set is
// greyed, then every grey object's children are greyed and the object
// blackened, until no grey objects remain. Fixed objects are traversed
// (their children still need scanning) but are never swept.
func (c *Collector) Mark() []Object {
	roots := c.roots()
	var gray []Object
	visited := make(map[Object]bool)
	for _, r := range roots {
		if r == nil || visited[r] {
			continue
		}
		visited[r] = true
		r.HeapHeader().SetColour(Gray)
		gray = append(gray, r)
	}
	var allTouched []Object
	for len(gray) > 0 {
		obj := gray[len(gray)-1]
		gray = gray[:len(gray)-1]
		allTouched = append(allTouched, obj)
		children := obj.Children(nil)
		for _, ch := range children {
			if ch == nil || visited[ch] {
				continue
			}
			visited[ch] = true
			ch.HeapHeader().SetColour(Gray)
			gray = append(gray, ch)
		}
		obj.HeapHeader().SetColour(Black)
	}
	return allTouched
}

// Sweep releases category accounting for every tracked object in universe
// that was not reached during the most recent Mark (remains White) and is
// not fixed. It returns the objects it reclaimed so the caller (typically
// the thread hierarchy, for userdata finalizers) can run destructors.
func (c *Collector) Sweep(universe []Object) []Object {
	var reclaimed []Object
	for _, obj := range universe {
		h := obj.HeapHeader()
		if h.Fixed() || c.permanentSet.Contains(obj) {
			h.SetColour(White)
			continue
		}
		if h.Colour() == White {
			c.Free(obj)
			reclaimed = append(reclaimed, obj)
		} else {
			h.SetColour(White)
		}
	}
	atomic.StoreInt64(&c.sinceLastGC, 0)
	return reclaimed
}

// Collect forces a full mark/sweep cycle against the given universe of
// tracked objects (everything ever returned by Allocate that hasn't been
// swept yet). Callers usually maintain that universe in the thread
// hierarchy's object registry.
func (c *Collector) Collect(universe ...[]Object) []Object {
	if atomic.LoadInt32(&c.guardDepth) > 0 {
		return nil
	}
	c.Mark()
	var u []Object
	if len(universe) > 0 {
		u = universe[0]
	}
	reclaimed := c.Sweep(u)
	c.log.WithField("reclaimed", len(reclaimed)).Debug("full gc cycle")
	return reclaimed
}

// Allocated returns the cumulative number of bytes ever charged against any
// category (monotonic; not reduced by frees).
func (c *Collector) Allocated() int64 { return atomic.LoadInt64(&c.allocated) }

// MemsizeReport walks the given roots with a real pointer-following scanner
// and returns the measured resident size of everything reachable from them.
// This is a diagnostic companion to the per-category `size` bookkeeping
// above, which only ever reflects what the allocator reported at Allocate
// time: MemsizeReport answers "how big is this actually, right now" for
// embedder debug endpoints and category-limit tuning, the same way the
// upstream debug API it's grounded on reports live heap composition.
func MemsizeReport(roots []Object) memsize.Sizes {
	return memsize.Scan(roots)
}

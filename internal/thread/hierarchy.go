// Hierarchy implements the four-layer thread hierarchy from spec.md §4.C:
// grandparent, base image, forker, and script instance, plus the handler
// threads an instance spawns on demand.
package thread

import (
	"sync"
	"sync/atomic"

	"github.com/pactlang/ares/internal/closure"
	"github.com/pactlang/ares/internal/heap"
	"github.com/pactlang/ares/internal/table"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// forkerCacheSize bounds the forker's resolved-prototype cache. A base image
// rarely carries more than a few thousand distinct function prototypes, so
// this is generous headroom rather than a tuned working-set size.
const forkerCacheSize = 4096

// Hierarchy owns one VM's thread genealogy: a single grandparent, any
// number of base images loaded under it, and their forked instances.
type Hierarchy struct {
	log       *logrus.Entry
	collector *heap.Collector
	memcat    uint8
	nextID    uint64

	mu    sync.Mutex
	roots map[uint64]*Thread // every live thread, for the collector's universe/roots

	protoCache *lru.Cache // forker's (baseImageID, contentKey) -> *closure.Prototype
}

// NewHierarchy creates an empty hierarchy rooted at a fresh grandparent.
func NewHierarchy(collector *heap.Collector, memcat uint8) (*Hierarchy, *Thread) {
	cache, err := lru.New(forkerCacheSize)
	if err != nil {
		// Only returned by golang-lru for a non-positive size, which
		// forkerCacheSize never is.
		panic(err)
	}
	h := &Hierarchy{
		log:        logrus.WithField("component", "thread.Hierarchy"),
		collector:  collector,
		memcat:     memcat,
		roots:      make(map[uint64]*Thread),
		protoCache: cache,
	}
	gp := h.newThread(IdentityKernel, nil, table.New(memcat))
	return h, gp
}

type protoCacheKey struct {
	baseImageID uint64
	contentKey  string
}

// ResolvePrototype is the forker's content-addressed prototype lookup
// (spec.md §4.C "Forker"): repeated forks of the same base image ask for the
// same prototypes by contentKey (typically the compiler's stable name/path
// for the function), and the forker answers from cache instead of walking
// the base image's constant pool again. resolve is called once per distinct
// (base, contentKey) pair while that pair stays in the bounded LRU cache; a
// pair that has been evicted is resolved again on its next lookup.
func (h *Hierarchy) ResolvePrototype(base *Thread, contentKey string, resolve func() *closure.Prototype) *closure.Prototype {
	key := protoCacheKey{baseImageID: base.ID(), contentKey: contentKey}
	if cached, ok := h.protoCache.Get(key); ok {
		return cached.(*closure.Prototype)
	}
	p := resolve()
	h.protoCache.Add(key, p)
	return p
}

func (h *Hierarchy) newThread(identity Identity, parent *Thread, globals *table.Table) *Thread {
	id := atomic.AddUint64(&h.nextID, 1)
	t := New(h.memcat, id, identity, parent, globals)
	if h.collector != nil {
		_, _ = h.collector.Allocate(t)
	}
	h.mu.Lock()
	h.roots[id] = t
	h.mu.Unlock()
	return t
}

// NewBaseImage creates a base-image thread as a child of grandparent. The
// caller (the engine, after running the bytecode's one-shot initializer)
// must call FixBaseImage once initialization completes.
func (h *Hierarchy) NewBaseImage(grandparent *Thread) *Thread {
	bi := h.newThread(IdentityKernel, grandparent, table.New(h.memcat))
	h.log.WithField("thread", bi.ID()).Debug("base image created")
	return bi
}

// FixBaseImage marks every object reachable from the base image thread as
// fixed, pinning it against reclamation (spec.md §4.A, §4.C "Marked fixed
// when initialization completes").
func (h *Hierarchy) FixBaseImage(base *Thread) {
	heap.FixReachable(base)
	h.log.WithField("thread", base.ID()).Info("base image fixed")
}

// NewForker creates a forker thread as a child of grandparent. The forker
// itself never runs script code; it is a serialization coordinator handle
// (spec.md §4.C).
func (h *Hierarchy) NewForker(grandparent *Thread) *Thread {
	return h.newThread(IdentityKernel, grandparent, table.New(h.memcat))
}

// Fork creates a new script-instance thread as a child of base, with its
// own private globals table that defers unknown lookups to base's globals
// (spec.md §4.C "Script instance" and §9 "Global script state"). Because
// prototypes are referenced, not copied, this is cheap: only the globals
// table and stack are instance-specific.
func (h *Hierarchy) Fork(base *Thread) *Thread {
	inst := h.newThread(IdentityPlain, base, table.New(h.memcat))
	inst.SetBaseGlobals(base.Globals())
	return inst
}

// NewHandler spawns a handler thread as a child of instance to run one
// event or timer handler. It is discarded (forgotten by the hierarchy, and
// therefore collectible) by Discard, either when the handler completes
// normally or when the script wants to switch to a different handler
// without waiting (spec.md §4.C "state-switch pattern").
func (h *Hierarchy) NewHandler(instance *Thread) *Thread {
	return h.newThread(IdentityPlain, instance, instance.Globals())
}

// Discard removes a thread from the hierarchy's live-root set, making it
// eligible for collection once nothing else references it (spec.md §5
// "Cancellation": discarding the thread object and dropping the
// reference). It does not touch the thread's own state, so a caller that
// still holds a reference may keep using it; only the Hierarchy forgets it.
func (h *Hierarchy) Discard(t *Thread) {
	h.mu.Lock()
	delete(h.roots, t.ID())
	h.mu.Unlock()
}

// Roots returns every thread the hierarchy still considers live, for the
// collector's root-set callback.
func (h *Hierarchy) Roots() []heap.Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]heap.Object, 0, len(h.roots))
	for _, t := range h.roots {
		out = append(out, t)
	}
	return out
}

// ByID looks up a still-live thread by its persisted identifier.
func (h *Hierarchy) ByID(id uint64) (*Thread, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.roots[id]
	return t, ok
}

// AdoptDeserialized installs a thread reconstructed by Ares (which already
// carries its original persisted ID) back into the live-root set and moves
// the ID counter past that ID. It does not change t's parent; SetParent
// does that.
func (h *Hierarchy) AdoptDeserialized(t *Thread) {
	h.mu.Lock()
	h.roots[t.ID()] = t
	if t.ID() >= h.nextID {
		h.nextID = t.ID() + 1
	}
	h.mu.Unlock()
}

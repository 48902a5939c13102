// Package userdata implements the userdata heap kind from spec.md §3: a sized
// byte blob with a destructor tag, an optional metatable pointer, and the
// collectable-object header. It also implements the reserved userdata tags
// from spec.md §6 that the runtime surfaces as opaque domain objects.
package userdata

import (
	"math"

	"github.com/google/uuid"
	"github.com/pactlang/ares/internal/heap"
	"github.com/pactlang/ares/internal/value"
)

// Tag identifies the destructor/codec family of a Userdata. Reserved tags
// from spec.md §6 start at TagQuaternion; embedder-defined tags should
// start above TagReservedMax.
type Tag uint16

const (
	TagQuaternion Tag = iota
	TagCompressedUUID
	TagEventContext  // transient, valid only inside a handler
	TagEventManager  // singleton owned per instance
	TagTimerManager  // singleton owned per instance
	TagReservedMax
)

// Destructor is called when a Userdata of a given tag becomes unreachable.
// It must appear in the Ares permanents table (keyed by tag) to be
// serialization-transparent, per spec.md §4.D.
type Destructor func(raw []byte)

// Userdata is a sized byte blob with a destructor tag and optional pointer
// metatable.
type Userdata struct {
	header heap.Header

	Tag       Tag
	Raw       []byte
	Meta      *value.Value // optional metatable, held as a Value rather than a *table.Table
	destroyed bool
}

// HeapHeader implements heap.Object.
func (u *Userdata) HeapHeader() *heap.Header { return &u.header }

// Children implements heap.Object: the metatable, if any and collectable.
func (u *Userdata) Children(dst []heap.Object) []heap.Object {
	if u.Meta != nil && u.Meta.Collectable() {
		dst = append(dst, u.Meta.Object())
	}
	return dst
}

// New creates a Userdata wrapping raw under tag, in the given category.
func New(memcat uint8, tag Tag, raw []byte) *Userdata {
	return &Userdata{
		header: heap.NewHeader(heap.KindUserdata, memcat, int64(len(raw))+16),
		Tag:    tag,
		Raw:    raw,
	}
}

// Finalize invokes dtor exactly once on the userdata's raw bytes; later
// calls are no-ops. Nothing in the runtime calls it automatically: the
// collector's Sweep returns reclaimed objects without running finalizers.
func (u *Userdata) Finalize(dtor Destructor) {
	if u.destroyed || dtor == nil {
		return
	}
	u.destroyed = true
	dtor(u.Raw)
}

// NewQuaternion encodes a 4-float quaternion as TagQuaternion userdata.
func NewQuaternion(memcat uint8, x, y, z, w float32) *Userdata {
	raw := make([]byte, 16)
	putF32(raw[0:4], x)
	putF32(raw[4:8], y)
	putF32(raw[8:12], z)
	putF32(raw[12:16], w)
	return New(memcat, TagQuaternion, raw)
}

// Quaternion decodes a TagQuaternion userdata's components.
func Quaternion(u *Userdata) (x, y, z, w float32, ok bool) {
	if u.Tag != TagQuaternion || len(u.Raw) != 16 {
		return 0, 0, 0, 0, false
	}
	return getF32(u.Raw[0:4]), getF32(u.Raw[4:8]), getF32(u.Raw[8:12]), getF32(u.Raw[12:16]), true
}

// NewCompressedUUID encodes a UUID (16-byte binary form) plus a compressed
// flag byte as TagCompressedUUID userdata, using google/uuid for the
// canonical binary encoding.
func NewCompressedUUID(memcat uint8, id uuid.UUID, compressed bool) *Userdata {
	raw := make([]byte, 17)
	copy(raw[:16], id[:])
	if compressed {
		raw[16] = 1
	}
	return New(memcat, TagCompressedUUID, raw)
}

// CompressedUUID decodes a TagCompressedUUID userdata.
func CompressedUUID(u *Userdata) (id uuid.UUID, compressed bool, ok bool) {
	if u.Tag != TagCompressedUUID || len(u.Raw) != 17 {
		return uuid.UUID{}, false, false
	}
	copy(id[:], u.Raw[:16])
	return id, u.Raw[16] != 0, true
}

func putF32(dst []byte, f float32) {
	bits := math.Float32bits(f)
	dst[0] = byte(bits)
	dst[1] = byte(bits >> 8)
	dst[2] = byte(bits >> 16)
	dst[3] = byte(bits >> 24)
}

func getF32(src []byte) float32 {
	bits := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
	return math.Float32frombits(bits)
}

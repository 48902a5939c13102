// Package buffer implements the sixth heap kind not already covered by
// userdata: spec.md §3 lists "buffer" as a distinct heap kind from
// userdata, used for raw byte data the script manipulates directly (the
// analogue of a typed-array backing store). Large buffers may optionally be
// backed by an mmap'd region rather than a Go-heap slice, when the embedder
// opts into it — grounded on the teacher's own use of edsrzf/mmap-go for
// off-heap regions.
package buffer

import (
	"github.com/edsrzf/mmap-go"
	"github.com/pactlang/ares/internal/heap"
	"github.com/pkg/errors"
)

// MmapThreshold is the size in bytes above which NewAuto prefers an mmap
// anonymous region over a plain Go slice.
const MmapThreshold = 1 << 20 // 1 MiB

// Buffer is a mutable byte blob heap object.
type Buffer struct {
	header heap.Header

	data   []byte
	region mmap.MMap // non-nil when backed by mmap
}

// HeapHeader implements heap.Object.
func (b *Buffer) HeapHeader() *heap.Header { return &b.header }

// Children implements heap.Object; buffers hold raw bytes only.
func (b *Buffer) Children(dst []heap.Object) []heap.Object { return dst }

// New creates a plain Go-heap-backed buffer of size bytes.
func New(memcat uint8, size int) *Buffer {
	return &Buffer{
		header: heap.NewHeader(heap.KindBuffer, memcat, int64(size)),
		data:   make([]byte, size),
	}
}

// NewAuto creates a buffer of size bytes, using an anonymous mmap region
// when size exceeds MmapThreshold and the embedder has opted in via
// preferMmap, otherwise a plain Go slice.
func NewAuto(memcat uint8, size int, preferMmap bool) (*Buffer, error) {
	if !preferMmap || size <= MmapThreshold {
		return New(memcat, size), nil
	}
	region, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrap(err, "buffer: mmap region")
	}
	return &Buffer{
		header: heap.NewHeader(heap.KindBuffer, memcat, int64(size)),
		data:   region,
		region: region,
	}, nil
}

// Bytes returns a direct view of the buffer's contents.
func (b *Buffer) Bytes() []byte { return b.data }

// Len reports the buffer size in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Close releases the mmap region, if any. A no-op for Go-heap buffers. The
// collector's Sweep does not call it; Sweep only returns the reclaimed
// objects to its caller.
func (b *Buffer) Close() error {
	if b.region != nil {
		err := b.region.Unmap()
		b.region = nil
		return err
	}
	return nil
}

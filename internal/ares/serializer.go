package ares

import (
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/holiman/bloomfilter/v2"
	"github.com/pactlang/ares/internal/buffer"
	"github.com/pactlang/ares/internal/closure"
	"github.com/pactlang/ares/internal/heap"
	"github.com/pactlang/ares/internal/strintern"
	"github.com/pactlang/ares/internal/table"
	"github.com/pactlang/ares/internal/thread"
	"github.com/pactlang/ares/internal/userdata"
	"github.com/pactlang/ares/internal/value"
	"github.com/pkg/errors"
)

// Serializer performs one depth-first traversal over a value graph or a
// suspended thread, writing the typed stream described by spec.md §4.D/§6.
// A Serializer is single-use: construct one per request via NewSerializer.
type Serializer struct {
	w          io.Writer
	permanents *Permanents
	protos     *PrototypeTable

	index map[heap.Object]int32
	next  int32

	// bloom is a fast "definitely not seen" pre-check ahead of the exact
	// index map lookup, cutting map-probe allocations on large acyclic
	// graphs where most objects are visited exactly once.
	bloom *bloomfilter.Filter
}

// NewSerializer creates a Serializer writing to w. protos resolves script
// closure prototypes to stable indices against the base image currently
// loaded; permanents resolves un-inlinable objects to stream keys.
func NewSerializer(w io.Writer, permanents *Permanents, protos *PrototypeTable) *Serializer {
	bf, _ := bloomfilter.NewOptimal(4096, 0.01)
	return &Serializer{w: w, permanents: permanents, protos: protos, index: make(map[heap.Object]int32), bloom: bf}
}

func identityHash(obj heap.Object) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%p", obj))
}

// SerializeValue writes the stream header followed by root (spec.md §4.D
// "scope of serialization (a)").
func SerializeValue(w io.Writer, permanents *Permanents, protos *PrototypeTable, root value.Value) error {
	s := NewSerializer(w, permanents, protos)
	if err := s.writeHeader(); err != nil {
		return err
	}
	return s.Value(root)
}

// SerializeThread writes the stream header followed by t, including its
// frame stack and open upvalues (spec.md §4.D "scope of serialization (b)").
func SerializeThread(w io.Writer, permanents *Permanents, protos *PrototypeTable, t *thread.Thread) error {
	return SerializeValue(w, permanents, protos, value.FromObject(t))
}

func (s *Serializer) writeHeader() error {
	if _, err := s.w.Write(Magic[:]); err != nil {
		return err
	}
	return writeUvarint(s.w, uint64(s.permanents.Len()))
}

// Value encodes a single value.Value, recursing into collectable objects.
func (s *Serializer) Value(v value.Value) error {
	switch v.Kind() {
	case value.KindNil:
		return writeByte(s.w, byte(tagNil))
	case value.KindBool:
		if v.AsBool() {
			return writeByte(s.w, byte(tagTrue))
		}
		return writeByte(s.w, byte(tagFalse))
	case value.KindNumber:
		if err := writeByte(s.w, byte(tagNumber)); err != nil {
			return err
		}
		return writeFloat64(s.w, v.AsNumber())
	case value.KindVector:
		vec := v.AsVector()
		if err := writeByte(s.w, byte(tagVector)); err != nil {
			return err
		}
		if err := writeByte(s.w, vec.Size); err != nil {
			return err
		}
		for _, f := range []float32{vec.X, vec.Y, vec.Z, vec.W} {
			if err := writeFloat32(s.w, f); err != nil {
				return err
			}
		}
		return nil
	case value.KindLightUserdata:
		lud := v.AsLight()
		if err := writeByte(s.w, byte(tagLightUserdata)); err != nil {
			return err
		}
		if err := writeUvarint(s.w, uint64(lud.Ptr)); err != nil {
			return err
		}
		return writeByte(s.w, lud.Tag)
	case value.KindObject:
		return s.object(v.Object())
	default:
		return errors.Errorf("ares: unknown value kind %d", v.Kind())
	}
}

// object writes obj, via permanents, a back-reference, or a fresh
// kind-tagged encoding, in that priority order (spec.md §4.D "Traversal").
func (s *Serializer) object(obj heap.Object) error {
	if obj == nil {
		return writeByte(s.w, byte(tagNil))
	}
	if key, ok := s.permanents.KeyOf(obj); ok {
		if err := writeByte(s.w, byte(tagPermanent)); err != nil {
			return err
		}
		return writeBytes(s.w, []byte(key))
	}
	if idx, ok := s.lookup(obj); ok {
		if err := writeByte(s.w, byte(tagBackRef)); err != nil {
			return err
		}
		return writeUvarint(s.w, uint64(idx))
	}

	switch h := obj.(type) {
	case *strintern.String:
		idx := s.assign(obj)
		if err := s.writeTagIndex(tagString, idx); err != nil {
			return err
		}
		return writeBytes(s.w, h.Bytes())
	case *table.Table:
		return s.tableObject(h)
	case *closure.Closure:
		return s.closureObject(h)
	case *thread.Thread:
		return s.threadObject(h)
	case *userdata.Userdata:
		idx := s.assign(obj)
		if err := s.writeTagIndex(tagUserdata, idx); err != nil {
			return err
		}
		if err := writeUvarint(s.w, uint64(h.Tag)); err != nil {
			return err
		}
		return writeBytes(s.w, h.Raw)
	case *closure.Upvalue:
		return s.upvalueObject(h)
	case *buffer.Buffer:
		idx := s.assign(obj)
		if err := s.writeTagIndex(tagBuffer, idx); err != nil {
			return err
		}
		return writeBytes(s.w, h.Bytes())
	default:
		return errors.Errorf("ares: unsupported heap object %T", obj)
	}
}

func (s *Serializer) writeTagIndex(tg tag, idx int32) error {
	if err := writeByte(s.w, byte(tg)); err != nil {
		return err
	}
	return writeUvarint(s.w, uint64(idx))
}

func (s *Serializer) lookup(obj heap.Object) (int32, bool) {
	if s.bloom != nil && !s.bloom.Contains(identityHash(obj)) {
		return 0, false
	}
	idx, ok := s.index[obj]
	return idx, ok
}

func (s *Serializer) assign(obj heap.Object) int32 {
	idx := s.next
	s.next++
	s.index[obj] = idx
	if s.bloom != nil {
		s.bloom.Add(identityHash(obj))
	}
	return idx
}

func (s *Serializer) tableObject(t *table.Table) error {
	idx := s.assign(t)
	if err := s.writeTagIndex(tagTable, idx); err != nil {
		return err
	}
	array := t.RawArray()
	if err := writeUvarint(s.w, uint64(len(array))); err != nil {
		return err
	}
	for _, v := range array {
		if err := s.Value(v); err != nil {
			return err
		}
	}
	nodes := t.RawNodes()
	if err := writeUvarint(s.w, uint64(len(nodes))); err != nil {
		return err
	}
	for _, n := range nodes {
		if err := s.Value(n.Key); err != nil {
			return err
		}
		if err := s.Value(n.Val); err != nil {
			return err
		}
		if err := writeVarint(s.w, int64(n.Next)); err != nil {
			return err
		}
	}
	if err := writeByte(s.w, boolByte(t.ReadOnly())); err != nil {
		return err
	}
	if err := writeByte(s.w, boolByte(t.SafeEnv())); err != nil {
		return err
	}
	order := t.OrderVector()
	if order == nil {
		return writeByte(s.w, 0)
	}
	if err := writeByte(s.w, 1); err != nil {
		return err
	}
	if err := writeUvarint(s.w, uint64(len(order))); err != nil {
		return err
	}
	for _, idx := range order {
		if err := writeUvarint(s.w, uint64(idx)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Serializer) closureObject(cl *closure.Closure) error {
	if cl.IsNative() {
		return errors.Wrapf(ErrNotPermanent, "native closure %q", cl.Name)
	}
	idx := s.assign(cl)
	if err := s.writeTagIndex(tagClosureScript, idx); err != nil {
		return err
	}
	protoIdx, ok := s.protos.IndexOf(cl.Proto)
	if !ok {
		return errors.Errorf("ares: prototype not reachable from base image")
	}
	if err := writeUvarint(s.w, uint64(protoIdx)); err != nil {
		return err
	}
	if err := writeUvarint(s.w, uint64(len(cl.Upvals))); err != nil {
		return err
	}
	for _, uv := range cl.Upvals {
		if err := s.object(uv); err != nil {
			return err
		}
	}
	return nil
}

func (s *Serializer) upvalueObject(uv *closure.Upvalue) error {
	idx := s.assign(uv)
	if uv.IsOpen() {
		if err := s.writeTagIndex(tagUpvalueOpen, idx); err != nil {
			return err
		}
		owner, ok := uv.Host().(*thread.Thread)
		if !ok {
			return errors.New("ares: open upvalue host is not a persistable thread")
		}
		if err := writeUvarint(s.w, owner.ID()); err != nil {
			return err
		}
		return writeUvarint(s.w, uint64(uv.Offset()))
	}
	if err := s.writeTagIndex(tagUpvalueClosed, idx); err != nil {
		return err
	}
	return s.Value(uv.Get())
}

func (s *Serializer) threadObject(t *thread.Thread) error {
	idx := s.assign(t)
	if err := s.writeTagIndex(tagThread, idx); err != nil {
		return err
	}
	if err := writeUvarint(s.w, t.ID()); err != nil {
		return err
	}
	if err := writeByte(s.w, byte(t.Identity())); err != nil {
		return err
	}
	if err := writeByte(s.w, byte(t.Status())); err != nil {
		return err
	}
	if err := s.object(t.Globals()); err != nil {
		return err
	}
	stack := t.Stack()
	if err := writeUvarint(s.w, uint64(len(stack))); err != nil {
		return err
	}
	for _, v := range stack {
		if err := s.Value(v); err != nil {
			return err
		}
	}
	frames := t.Frames()
	if err := writeUvarint(s.w, uint64(len(frames))); err != nil {
		return err
	}
	for _, f := range frames {
		if err := s.frame(f); err != nil {
			return err
		}
	}
	uvs := t.OpenUpvalues()
	if err := writeUvarint(s.w, uint64(len(uvs))); err != nil {
		return err
	}
	for _, uv := range uvs {
		if err := s.object(uv); err != nil {
			return err
		}
	}
	return nil
}

// frame encodes one activation record. A continuation-bearing native frame
// (spec.md §9 "Continuations") has no portable closure body, so it is
// written as its owning closure's permanents key rather than recursed into
// normally; the closure must therefore be registered in permanents for any
// thread holding a suspended native continuation to be serializable.
func (s *Serializer) frame(f thread.Frame) error {
	isCont := f.Cont != nil
	if err := writeByte(s.w, boolByte(isCont)); err != nil {
		return err
	}
	if isCont {
		key, ok := s.permanents.KeyOf(f.Closure)
		if !ok {
			return errors.Wrap(ErrNotPermanent, "continuation frame closure")
		}
		if err := writeBytes(s.w, []byte(key)); err != nil {
			return err
		}
	} else {
		if err := s.object(f.Closure); err != nil {
			return err
		}
	}
	if err := writeVarint(s.w, int64(f.Base)); err != nil {
		return err
	}
	if err := writeUvarint(s.w, uint64(f.PC)); err != nil {
		return err
	}
	return writeByte(s.w, boolByte(f.SavePoint))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

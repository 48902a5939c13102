package ares

import (
	"bufio"
	"io"

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

// Deserializer is the inverse of Serializer: it rebuilds a value graph from
// a stream written by SerializeValue/SerializeThread, resolving
// back-references against a per-call index table (spec.md §4.D, §9 "Cyclic
// object graphs").
type Deserializer struct {
	r          ioReader
	memcat     uint8
	permanents *Permanents
	protos     *PrototypeTable

	objects map[int32]heap.Object // index -> reconstructed object, populated before recursing into payloads so cycles resolve

	// threadsByID resolves an open upvalue's recorded owning-thread-id to
	// the *thread.Thread reconstructed in this same request. ExternalThreads
	// is consulted as a fallback for an owning thread outside this
	// request's graph (e.g. serializing a bare closure whose upvalue is
	// still open on a live thread the embedder already holds).
	threadsByID     map[uint64]*thread.Thread
	ExternalThreads func(id uint64) (*thread.Thread, bool)

	// pending holds open upvalues read before their owning thread's stack
	// was known to be fully restored; relinkPending resolves them once the
	// whole stream has been read (spec.md §9 "relinked by stack offset").
	pending []pendingUpvalue
}

type pendingUpvalue struct {
	uv      *closure.Upvalue
	ownerID uint64
	offset  int
}

// NewDeserializer creates a Deserializer reading from r. memcat assigns the
// memory category newly-allocated objects are charged against.
func NewDeserializer(r io.Reader, memcat uint8, permanents *Permanents, protos *PrototypeTable) *Deserializer {
	br, ok := r.(ioReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Deserializer{
		r: br, memcat: memcat, permanents: permanents, protos: protos,
		objects:     make(map[int32]heap.Object),
		threadsByID: make(map[uint64]*thread.Thread),
	}
}

// DeserializeValue reads a header and one value written by SerializeValue.
func DeserializeValue(r io.Reader, memcat uint8, permanents *Permanents, protos *PrototypeTable) (value.Value, error) {
	d := NewDeserializer(r, memcat, permanents, protos)
	if err := d.readHeader(); err != nil {
		return value.Nil, err
	}
	v, err := d.Value()
	if err != nil {
		return value.Nil, err
	}
	if err := d.relinkPending(); err != nil {
		return value.Nil, err
	}
	return v, nil
}

// DeserializeThread reads a header and one thread written by SerializeThread.
func DeserializeThread(r io.Reader, memcat uint8, permanents *Permanents, protos *PrototypeTable) (*thread.Thread, error) {
	v, err := DeserializeValue(r, memcat, permanents, protos)
	if err != nil {
		return nil, err
	}
	t, ok := v.Object().(*thread.Thread)
	if !ok {
		return nil, errors.Wrap(ErrCorrupt, "stream root is not a thread")
	}
	return t, nil
}

func (d *Deserializer) readHeader() error {
	var magic [4]byte
	if _, err := io.ReadFull(d.r, magic[:]); err != nil {
		return errors.Wrap(ErrCorrupt, err.Error())
	}
	if magic != Magic {
		return errors.Wrap(ErrCorrupt, "bad magic")
	}
	expect, err := readUvarint(d.r)
	if err != nil {
		return err
	}
	if int(expect) != d.permanents.Len() {
		return errors.Wrapf(ErrCorrupt, "permanents table size mismatch: stream expects %d, have %d", expect, d.permanents.Len())
	}
	return nil
}

// Value reads one encoded value.Value.
func (d *Deserializer) Value() (value.Value, error) {
	b, err := readByte(d.r)
	if err != nil {
		return value.Nil, err
	}
	switch tag(b) {
	case tagNil:
		return value.Nil, nil
	case tagFalse:
		return value.Bool(false), nil
	case tagTrue:
		return value.Bool(true), nil
	case tagNumber:
		f, err := readFloat64(d.r)
		return value.Number(f), err
	case tagVector:
		size, err := readByte(d.r)
		if err != nil {
			return value.Nil, err
		}
		var comp [4]float32
		for i := range comp {
			comp[i], err = readFloat32(d.r)
			if err != nil {
				return value.Nil, err
			}
		}
		return value.VectorValue(value.Vector{X: comp[0], Y: comp[1], Z: comp[2], W: comp[3], Size: size}), nil
	case tagLightUserdata:
		ptr, err := readUvarint(d.r)
		if err != nil {
			return value.Nil, err
		}
		t, err := readByte(d.r)
		if err != nil {
			return value.Nil, err
		}
		return value.Light(value.LightUserdata{Ptr: uintptr(ptr), Tag: t}), nil
	case tagPermanent:
		key, err := readBytes(d.r)
		if err != nil {
			return value.Nil, err
		}
		obj, ok := d.permanents.ObjectOf(string(key))
		if !ok {
			return value.Nil, errors.Wrapf(ErrUnknownPermanent, "key %q", key)
		}
		return value.FromObject(obj), nil
	case tagBackRef:
		idx, err := readUvarint(d.r)
		if err != nil {
			return value.Nil, err
		}
		obj, ok := d.objects[int32(idx)]
		if !ok {
			return value.Nil, errors.Wrapf(ErrCorrupt, "back-reference to unassigned index %d", idx)
		}
		return value.FromObject(obj), nil
	case tagString:
		idx, err := readUvarint(d.r)
		if err != nil {
			return value.Nil, err
		}
		raw, err := readBytes(d.r)
		if err != nil {
			return value.Nil, err
		}
		return d.finishString(int32(idx), raw)
	case tagTable:
		idx, err := readUvarint(d.r)
		if err != nil {
			return value.Nil, err
		}
		return d.finishTable(int32(idx))
	case tagClosureScript:
		idx, err := readUvarint(d.r)
		if err != nil {
			return value.Nil, err
		}
		return d.finishClosure(int32(idx))
	case tagThread:
		idx, err := readUvarint(d.r)
		if err != nil {
			return value.Nil, err
		}
		return d.finishThread(int32(idx))
	case tagUserdata:
		idx, err := readUvarint(d.r)
		if err != nil {
			return value.Nil, err
		}
		return d.finishUserdata(int32(idx))
	case tagUpvalueOpen:
		idx, err := readUvarint(d.r)
		if err != nil {
			return value.Nil, err
		}
		return d.finishUpvalueOpen(int32(idx))
	case tagUpvalueClosed:
		idx, err := readUvarint(d.r)
		if err != nil {
			return value.Nil, err
		}
		return d.finishUpvalueClosed(int32(idx))
	case tagBuffer:
		idx, err := readUvarint(d.r)
		if err != nil {
			return value.Nil, err
		}
		return d.finishBuffer(int32(idx))
	default:
		return value.Nil, errors.Wrapf(ErrCorrupt, "unknown tag %d", b)
	}
}

// finishString allocates the String via strintern-compatible construction.
// Deserialized strings are not required to share identity with any
// in-process intern table entry beyond what the embedder's own intern table
// would naturally collapse them to on next use; ares hands back raw bytes
// wrapped in the heap.KindString shape the rest of the VM expects.
func (d *Deserializer) finishString(idx int32, raw []byte) (value.Value, error) {
	s := strintern.Restore(d.memcat, raw)
	d.objects[idx] = s
	return value.FromObject(s), nil
}

func (d *Deserializer) finishTable(idx int32) (value.Value, error) {
	arrLen, err := readUvarint(d.r)
	if err != nil {
		return value.Nil, err
	}
	array := make([]value.Value, arrLen)
	// Placeholder table registered before payload so self-referential
	// entries (t[1] = t) resolve via tagBackRef during this very loop.
	placeholder := table.New(d.memcat)
	d.objects[idx] = placeholder
	for i := range array {
		v, err := d.Value()
		if err != nil {
			return value.Nil, err
		}
		array[i] = v
	}
	nodeLen, err := readUvarint(d.r)
	if err != nil {
		return value.Nil, err
	}
	nodes := make([]table.Node, nodeLen)
	for i := range nodes {
		k, err := d.Value()
		if err != nil {
			return value.Nil, err
		}
		v, err := d.Value()
		if err != nil {
			return value.Nil, err
		}
		next, err := readVarint(d.r)
		if err != nil {
			return value.Nil, err
		}
		nodes[i] = table.Node{Key: k, Val: v, Next: int32(next)}
	}
	readOnly, err := readByte(d.r)
	if err != nil {
		return value.Nil, err
	}
	safeEnv, err := readByte(d.r)
	if err != nil {
		return value.Nil, err
	}
	hasOrder, err := readByte(d.r)
	if err != nil {
		return value.Nil, err
	}
	var order []int32
	if hasOrder != 0 {
		n, err := readUvarint(d.r)
		if err != nil {
			return value.Nil, err
		}
		order = make([]int32, n)
		for i := range order {
			v, err := readUvarint(d.r)
			if err != nil {
				return value.Nil, err
			}
			order[i] = int32(v)
		}
	}
	// Fill the placeholder in place so the back-references read above end
	// up pointing at the table this call returns.
	*placeholder = *table.Restore(d.memcat, array, nodes, order, readOnly != 0, safeEnv != 0)
	return value.FromObject(placeholder), nil
}

func (d *Deserializer) finishClosure(idx int32) (value.Value, error) {
	protoIdx, err := readUvarint(d.r)
	if err != nil {
		return value.Nil, err
	}
	proto, ok := d.protos.ByIndex(uint32(protoIdx))
	if !ok {
		return value.Nil, errors.Wrapf(ErrCorrupt, "prototype index %d not in base image", protoIdx)
	}
	n, err := readUvarint(d.r)
	if err != nil {
		return value.Nil, err
	}
	cl := closure.NewScript(d.memcat, proto, make([]*closure.Upvalue, n))
	d.objects[idx] = cl
	for i := uint64(0); i < n; i++ {
		v, err := d.Value()
		if err != nil {
			return value.Nil, err
		}
		uv, ok := v.Object().(*closure.Upvalue)
		if !ok {
			return value.Nil, errors.Wrap(ErrCorrupt, "closure upvalue slot is not an upvalue")
		}
		cl.Upvals[i] = uv
	}
	return value.FromObject(cl), nil
}

func (d *Deserializer) finishUserdata(idx int32) (value.Value, error) {
	tg, err := readUvarint(d.r)
	if err != nil {
		return value.Nil, err
	}
	raw, err := readBytes(d.r)
	if err != nil {
		return value.Nil, err
	}
	u := userdata.New(d.memcat, userdata.Tag(tg), raw)
	d.objects[idx] = u
	return value.FromObject(u), nil
}

// finishBuffer restores a buffer as a plain Go-heap-backed Buffer regardless
// of whether the original was mmap-backed: the mmap choice is a local
// performance decision (buffer.NewAuto), not part of the buffer's portable
// content, so a restored buffer re-materializes on whichever storage the
// host calling process prefers.
func (d *Deserializer) finishBuffer(idx int32) (value.Value, error) {
	raw, err := readBytes(d.r)
	if err != nil {
		return value.Nil, err
	}
	b := buffer.New(d.memcat, len(raw))
	copy(b.Bytes(), raw)
	d.objects[idx] = b
	return value.FromObject(b), nil
}

func (d *Deserializer) finishUpvalueOpen(idx int32) (value.Value, error) {
	ownerID, err := readUvarint(d.r)
	if err != nil {
		return value.Nil, err
	}
	offset, err := readUvarint(d.r)
	if err != nil {
		return value.Nil, err
	}
	// A transient closed placeholder until relinkPending resolves the
	// owning thread, which may not have been fully restored yet even
	// though its stub already exists (spec.md §9 "Open upvalues").
	uv := closure.NewClosed(d.memcat, value.Nil)
	d.objects[idx] = uv
	d.pending = append(d.pending, pendingUpvalue{uv: uv, ownerID: ownerID, offset: int(offset)})
	return value.FromObject(uv), nil
}

// relinkPending reattaches every open upvalue read during this request to
// its owning thread, once the whole stream (and therefore every thread's
// stack) has been restored.
func (d *Deserializer) relinkPending() error {
	for _, p := range d.pending {
		owner, ok := d.resolveThreadByID(p.ownerID)
		if !ok {
			return errors.Wrapf(ErrCorrupt, "open upvalue refers to unknown thread id %d", p.ownerID)
		}
		p.uv.Relink(owner, p.offset)
	}
	return nil
}

func (d *Deserializer) finishUpvalueClosed(idx int32) (value.Value, error) {
	// Register a placeholder first: a self-referential closure (a function
	// whose sole upvalue is itself) must resolve the back-reference while
	// the closed value is still being read (spec.md §4.D "Cycles").
	uv := closure.NewClosed(d.memcat, value.Nil)
	d.objects[idx] = uv
	v, err := d.Value()
	if err != nil {
		return value.Nil, err
	}
	*uv = *closure.NewClosed(d.memcat, v)
	d.objects[idx] = uv
	return value.FromObject(uv), nil
}

func (d *Deserializer) finishThread(idx int32) (value.Value, error) {
	id, err := readUvarint(d.r)
	if err != nil {
		return value.Nil, err
	}
	identity, err := readByte(d.r)
	if err != nil {
		return value.Nil, err
	}
	status, err := readByte(d.r)
	if err != nil {
		return value.Nil, err
	}

	t := thread.New(d.memcat, id, thread.Identity(identity), nil, nil)
	d.objects[idx] = t
	d.threadsByID[id] = t

	globalsVal, err := d.Value()
	if err != nil {
		return value.Nil, err
	}
	globals, ok := globalsVal.Object().(*table.Table)
	if !ok {
		return value.Nil, errors.Wrap(ErrCorrupt, "thread globals is not a table")
	}
	t.RestoreGlobals(globals)

	stackLen, err := readUvarint(d.r)
	if err != nil {
		return value.Nil, err
	}
	stack := make([]value.Value, stackLen)
	for i := range stack {
		v, err := d.Value()
		if err != nil {
			return value.Nil, err
		}
		stack[i] = v
	}
	t.RestoreStack(stack)

	frameLen, err := readUvarint(d.r)
	if err != nil {
		return value.Nil, err
	}
	frames := make([]thread.Frame, frameLen)
	for i := range frames {
		f, err := d.frame()
		if err != nil {
			return value.Nil, err
		}
		frames[i] = f
	}
	t.RestoreFrames(frames)

	uvLen, err := readUvarint(d.r)
	if err != nil {
		return value.Nil, err
	}
	uvs := make([]*closure.Upvalue, uvLen)
	for i := range uvs {
		v, err := d.Value()
		if err != nil {
			return value.Nil, err
		}
		uv, ok := v.Object().(*closure.Upvalue)
		if !ok {
			return value.Nil, errors.Wrap(ErrCorrupt, "thread open-upvalue slot is not an upvalue")
		}
		uvs[i] = uv
	}
	t.RestoreOpenUpvalues(uvs)
	t.SetStatus(thread.Status(status))
	return value.FromObject(t), nil
}

func (d *Deserializer) frame() (thread.Frame, error) {
	isCont, err := readByte(d.r)
	if err != nil {
		return thread.Frame{}, err
	}
	var cl *closure.Closure
	if isCont != 0 {
		key, err := readBytes(d.r)
		if err != nil {
			return thread.Frame{}, err
		}
		obj, ok := d.permanents.ObjectOf(string(key))
		if !ok {
			return thread.Frame{}, errors.Wrapf(ErrUnknownPermanent, "continuation key %q", key)
		}
		cl, ok = obj.(*closure.Closure)
		if !ok {
			return thread.Frame{}, errors.Wrap(ErrCorrupt, "continuation permanent is not a closure")
		}
	} else {
		v, err := d.Value()
		if err != nil {
			return thread.Frame{}, err
		}
		cl, _ = v.Object().(*closure.Closure)
	}
	base, err := readVarint(d.r)
	if err != nil {
		return thread.Frame{}, err
	}
	pc, err := readUvarint(d.r)
	if err != nil {
		return thread.Frame{}, err
	}
	savePoint, err := readByte(d.r)
	if err != nil {
		return thread.Frame{}, err
	}
	f := thread.Frame{Closure: cl, Base: int(base), PC: uint32(pc), SavePoint: savePoint != 0}
	if isCont != 0 {
		f.Cont = cl.Cont
	}
	return f, nil
}

// resolveThreadByID looks up a thread by its original persisted id, first
// within this request's own graph, then via the embedder-supplied fallback
// for a thread already live outside it.
func (d *Deserializer) resolveThreadByID(id uint64) (*thread.Thread, bool) {
	if t, ok := d.threadsByID[id]; ok {
		return t, true
	}
	if d.ExternalThreads != nil {
		return d.ExternalThreads(id)
	}
	return nil, false
}

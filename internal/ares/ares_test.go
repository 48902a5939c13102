package ares

import (
	"bytes"
	"math"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	gofuzz "github.com/google/gofuzz"
	"github.com/pactlang/ares/internal/closure"
	"github.com/pactlang/ares/internal/strintern"
	"github.com/pactlang/ares/internal/table"
	"github.com/pactlang/ares/internal/thread"
	"github.com/pactlang/ares/internal/value"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, permanents *Permanents, protos *PrototypeTable, root value.Value) value.Value {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, SerializeValue(&buf, permanents, protos, root))
	got, err := DeserializeValue(&buf, 0, permanents, protos)
	require.NoError(t, err)
	return got
}

func TestRoundTripPrimitives(t *testing.T) {
	permanents := NewPermanents()
	protos := NewPrototypeTable(nil)

	cases := []value.Value{
		value.Nil,
		value.Bool(true),
		value.Bool(false),
		value.Number(3.5),
		value.Number(-0.0),
		value.VectorValue(value.Vector{X: 1, Y: 2, Z: 3, Size: 3}),
	}
	for _, v := range cases {
		got := roundTrip(t, permanents, protos, v)
		require.True(t, value.Equal(v, got), "round trip of %+v produced %+v", v, got)
	}
}

func TestRoundTripString(t *testing.T) {
	permanents := NewPermanents()
	protos := NewPrototypeTable(nil)

	interned := strintern.New(nil, 0, 0).Intern([]byte("hello ares"))
	got := roundTrip(t, permanents, protos, value.FromObject(interned))
	require.Equal(t, "hello ares", got.Object().(*strintern.String).String())
}

func TestRoundTripTableOrderAndFlags(t *testing.T) {
	permanents := NewPermanents()
	protos := NewPrototypeTable(nil)

	tbl := table.New(0)
	require.NoError(t, tbl.Set(value.Number(1), value.Number(10)))
	require.NoError(t, tbl.Set(value.Number(2), value.Number(20)))
	require.NoError(t, tbl.Set(value.Number(3), value.Number(30)))
	tbl.BuildOrderVector()
	tbl.SetReadOnly(true)

	got := roundTrip(t, permanents, protos, value.FromObject(tbl))
	rt := got.Object().(*table.Table)
	require.True(t, rt.ReadOnly())
	if diff := cmp.Diff(tbl.OrderVector(), rt.OrderVector()); diff != "" {
		t.Fatalf("order vector mismatch (-want +got):\n%s\noriginal table: %s\nround-tripped table: %s",
			diff, spew.Sdump(tbl), spew.Sdump(rt))
	}
	require.Equal(t, 30.0, rt.Get(value.Number(3)).AsNumber())
}

// TestFuzzRoundTripPrimitives checks the universal property from spec.md §8
// — deserialize(serialize(v)) == v — against randomized primitive values
// instead of a handful of handwritten cases.
func TestFuzzRoundTripPrimitives(t *testing.T) {
	permanents := NewPermanents()
	protos := NewPrototypeTable(nil)
	fz := gofuzz.New().NilChance(0).NumElements(0, 0)

	for i := 0; i < 200; i++ {
		var n float64
		fz.Fuzz(&n)
		if math.IsNaN(n) {
			continue // NaN != NaN makes the property untestable by equality, not a serializer bug
		}
		v := value.Number(n)
		got := roundTrip(t, permanents, protos, v)
		require.True(t, value.Equal(v, got), "round trip of %v produced %v\ndump: %s", v, got, spew.Sdump(v))
	}
}

func TestCyclicTableRoundTrips(t *testing.T) {
	permanents := NewPermanents()
	protos := NewPrototypeTable(nil)

	tbl := table.New(0)
	require.NoError(t, tbl.Set(value.Number(1), value.FromObject(tbl)))

	got := roundTrip(t, permanents, protos, value.FromObject(tbl))
	rt := got.Object().(*table.Table)
	self := rt.Get(value.Number(1))
	require.True(t, self.Collectable())
	require.Same(t, rt, self.Object().(*table.Table))
}

func TestSharedUpvalueIdentitySurvivesRoundTrip(t *testing.T) {
	proto := closure.NewPrototype(0)
	permanents := NewPermanents()
	protos := NewPrototypeTable(proto)

	_, gp := thread.NewHierarchy(nil, 0)
	host := thread.New(0, 5, thread.IdentityPlain, gp, table.New(0))
	host.EnsureStack(1)
	*host.StackSlot(0) = value.Number(1)
	uv := host.FindOrCreateUpvalue(0, 0)

	getter := closure.NewScript(0, proto, []*closure.Upvalue{uv})
	setter := closure.NewScript(0, proto, []*closure.Upvalue{uv})
	host.PushFrame(thread.Frame{Closure: getter, Base: 0, PC: 0})

	graph := table.New(0)
	require.NoError(t, graph.Set(value.Number(1), value.FromObject(getter)))
	require.NoError(t, graph.Set(value.Number(2), value.FromObject(setter)))
	require.NoError(t, graph.Set(value.Number(3), value.FromObject(host)))

	got := roundTrip(t, permanents, protos, value.FromObject(graph))
	rt := got.Object().(*table.Table)
	rg := rt.Get(value.Number(1)).Object().(*closure.Closure)
	rs := rt.Get(value.Number(2)).Object().(*closure.Closure)
	require.Same(t, rg.Upvals[0], rs.Upvals[0])
}

func TestNativeClosureWithoutPermanentFails(t *testing.T) {
	permanents := NewPermanents()
	protos := NewPrototypeTable(nil)

	native := closure.NewNative(0, "unregistered", func(vm interface{}, args []value.Value) ([]value.Value, error) {
		return nil, nil
	}, nil, nil)

	var buf bytes.Buffer
	err := SerializeValue(&buf, permanents, protos, value.FromObject(native))
	require.ErrorIs(t, err, ErrNotPermanent)
}

func TestNativeClosureViaPermanentsRoundTrips(t *testing.T) {
	permanents := NewPermanents()
	protos := NewPrototypeTable(nil)

	native := closure.NewNative(0, "core.print", func(vm interface{}, args []value.Value) ([]value.Value, error) {
		return nil, nil
	}, nil, nil)
	permanents.Register("core.print", native)

	got := roundTrip(t, permanents, protos, value.FromObject(native))
	require.Same(t, native, got.Object().(*closure.Closure))
}

func TestThreadRoundTripPreservesFramesAndStack(t *testing.T) {
	proto := closure.NewPrototype(0)
	proto.MaxStack = 4
	permanents := NewPermanents()
	protos := NewPrototypeTable(proto)

	_, gp := thread.NewHierarchy(nil, 0)
	cl := closure.NewScript(0, proto, nil)
	th := thread.New(0, 42, thread.IdentityPlain, gp, table.New(0))
	th.EnsureStack(2)
	*th.StackSlot(0) = value.Number(1)
	*th.StackSlot(1) = value.Bool(true)
	th.PushFrame(thread.Frame{Closure: cl, Base: 0, PC: 8, SavePoint: true})
	th.SetStatus(thread.StatusSuspended)

	got, err := func() (*thread.Thread, error) {
		var buf bytes.Buffer
		if err := SerializeThread(&buf, permanents, protos, th); err != nil {
			return nil, err
		}
		return DeserializeThread(&buf, 0, permanents, protos)
	}()
	require.NoError(t, err)
	require.Equal(t, th.ID(), got.ID())
	require.Equal(t, thread.StatusSuspended, got.Status())
	require.Len(t, got.Frames(), 1)
	require.Equal(t, uint32(8), got.Frames()[0].PC)
	require.True(t, got.Frames()[0].SavePoint)
	require.Equal(t, 1.0, got.Stack()[0].AsNumber())
	require.True(t, got.Stack()[1].AsBool())
}

func TestOpenUpvalueRelinksToDeserializedThread(t *testing.T) {
	proto := closure.NewPrototype(0)
	permanents := NewPermanents()
	protos := NewPrototypeTable(proto)

	_, gp := thread.NewHierarchy(nil, 0)
	th := thread.New(0, 7, thread.IdentityPlain, gp, table.New(0))
	th.EnsureStack(1)
	*th.StackSlot(0) = value.Number(99)
	uv := th.FindOrCreateUpvalue(0, 0)
	cl := closure.NewScript(0, proto, []*closure.Upvalue{uv})
	th.PushFrame(thread.Frame{Closure: cl, Base: 0, PC: 0})

	var buf bytes.Buffer
	require.NoError(t, SerializeThread(&buf, permanents, protos, th))
	got, err := DeserializeThread(&buf, 0, permanents, protos)
	require.NoError(t, err)

	rcl := got.Frames()[0].Closure
	require.Equal(t, 99.0, rcl.Upvals[0].Get().AsNumber())
}

func TestCorruptStreamRejected(t *testing.T) {
	permanents := NewPermanents()
	protos := NewPrototypeTable(nil)
	_, err := DeserializeValue(bytes.NewReader([]byte("not ares")), 0, permanents, protos)
	require.ErrorIs(t, err, ErrCorrupt)
}

package closure

import (
	"testing"

	"github.com/pactlang/ares/internal/heap"
	"github.com/pactlang/ares/internal/value"
	"github.com/stretchr/testify/require"
)

// fakeStack is a minimal StackHost for exercising Upvalue mechanics without
// pulling in the thread package.
type fakeStack struct {
	slots []value.Value
}

func (f *fakeStack) StackSlot(offset int) *value.Value { return &f.slots[offset] }

func TestSharedUpvalueIdentity(t *testing.T) {
	stack := &fakeStack{slots: []value.Value{value.Number(1)}}
	uv := NewOpen(0, stack, 0)

	outer := NewScript(0, NewPrototype(0), []*Upvalue{uv})
	inner := NewScript(0, NewPrototype(0), []*Upvalue{uv})

	require.Same(t, outer.Upvals[0], inner.Upvals[0], "closures sharing a captured local must share the same Upvalue object")

	outer.Upvals[0].Set(value.Number(42))
	require.Equal(t, float64(42), inner.Upvals[0].Get().AsNumber(), "a write through one closure's upvalue must be visible through the other")
}

func TestUpvalueCloseDetachesFromStack(t *testing.T) {
	stack := &fakeStack{slots: []value.Value{value.Number(7)}}
	uv := NewOpen(0, stack, 0)
	require.True(t, uv.IsOpen())

	stack.slots[0] = value.Number(99)
	require.Equal(t, float64(99), uv.Get().AsNumber(), "an open upvalue reads through the live stack slot")

	uv.Close()
	require.False(t, uv.IsOpen())
	require.Equal(t, float64(99), uv.Get().AsNumber(), "closing copies out the current value")

	stack.slots[0] = value.Number(-1)
	require.Equal(t, float64(99), uv.Get().AsNumber(), "a closed upvalue no longer tracks the stack it was opened over")
}

func TestUpvalueRelinkReopensOverNewHost(t *testing.T) {
	uv := NewClosed(0, value.Number(5))
	require.False(t, uv.IsOpen())

	stack := &fakeStack{slots: []value.Value{value.Number(0)}}
	uv.Relink(stack, 0)
	require.True(t, uv.IsOpen())

	uv.Set(value.Number(123))
	require.Equal(t, float64(123), stack.slots[0].AsNumber())
}

func TestClosureChildrenReportsPrototypeAndUpvalues(t *testing.T) {
	proto := NewPrototype(0)
	stack := &fakeStack{slots: []value.Value{value.Nil}}
	uv := NewOpen(0, stack, 0)
	c := NewScript(0, proto, []*Upvalue{uv})

	children := c.Children(nil)
	require.Len(t, children, 2)
	require.Contains(t, children, heap.Object(proto))
	require.Contains(t, children, heap.Object(uv))
}

func TestNativeClosureIsNativeAndNameIsSet(t *testing.T) {
	fn := func(vm interface{}, args []value.Value) ([]value.Value, error) { return nil, nil }
	c := NewNative(0, "ares.test.fn", fn, nil, nil)
	require.True(t, c.IsNative())
	require.Equal(t, "ares.test.fn", c.Name)

	script := NewScript(0, NewPrototype(0), nil)
	require.False(t, script.IsNative())
}

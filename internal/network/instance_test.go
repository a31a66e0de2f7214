package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom/internal/flow"
)

func TestInstance_Accessors(t *testing.T) {
	f := buildLinearFlow(t)
	lib := testLibrary()
	require.True(t, f.Analyze(&lib.Transformations))

	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib))
	cell := n.Cell("forward")

	inst := NewInstance(cell)
	defer inst.Free()

	x := cell.GetParameter("x")
	inst.SetFloat32(x, 3.5, 0, 1)
	assert.Equal(t, float32(3.5), inst.Float32(x, 0, 1))
	assert.Equal(t, float32(0), inst.Float32(x, 0, 0))

	view := inst.Float32View(x)
	view[x.Index(0, 0)] = -1
	assert.Equal(t, []float32{-1, 3.5}, inst.TensorFloat32(x))

	// Constants are readable through the same accessors.
	w := n.LookupParameter("w")
	assert.Equal(t, []float32{1, 2, 3, 4}, inst.TensorFloat32(w))
}

func TestInstance_Clear(t *testing.T) {
	f := buildLinearFlow(t)
	lib := testLibrary()
	require.True(t, f.Analyze(&lib.Transformations))

	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib))
	cell := n.Cell("forward")

	inst := NewInstance(cell)
	defer inst.Free()
	x := cell.GetParameter("x")
	inst.SetTensorFloat32(x, []float32{5, 6})

	inst.Clear()
	assert.Equal(t, []float32{0, 0}, inst.TensorFloat32(x))
}

func TestInstance_References(t *testing.T) {
	f := flow.New()
	fn := f.AddFunction("forward")
	state := f.AddVariable("state", flow.Float32, flow.Dims(2))
	state.Ref = true
	y := f.AddVariable("y", flow.Float32, flow.Dims(2))

	op := f.AddOperation(fn, "relu0", "relu")
	op.AddInput(state)
	op.AddOutput(y)

	lib := testLibrary()
	require.True(t, f.Analyze(&lib.Transformations))
	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib))
	cell := n.Cell("forward")

	st := cell.GetParameter("state")
	require.True(t, st.Ref())
	assert.Equal(t, refSlotSize, st.Space(), "references take pointer space")

	inst := NewInstance(cell)
	defer inst.Free()

	backing := alignedBytes(st.Size(), st.ByteAlignment())
	inst.SetReference(st, backing)
	view := inst.Float32View(st)
	view[0], view[1] = -2, 7

	inst.Compute()
	assert.Equal(t, []float32{0, 7}, inst.TensorFloat32(cell.GetParameter("y")))

	assert.Panics(t, func() {
		inst.SetReference(cell.GetParameter("y"), backing)
	})
}

func TestInstance_String(t *testing.T) {
	f := buildLinearFlow(t)
	lib := testLibrary()
	require.True(t, f.Analyze(&lib.Transformations))

	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib))
	cell := n.Cell("forward")

	inst := NewInstance(cell)
	defer inst.Free()
	inst.SetTensorFloat32(cell.GetParameter("x"), []float32{1, 2})

	s := inst.String()
	assert.Contains(t, s, "instance forward")
	assert.Contains(t, s, "x = [1 2]")
}

func TestChannel_ResizeAndAccess(t *testing.T) {
	f := buildLinearFlow(t)
	lib := testLibrary()
	require.True(t, f.Analyze(&lib.Transformations))

	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib))
	format := n.Cell("forward").GetParameter("y")

	ch := n.NewChannel(format)
	assert.Zero(t, ch.Size())

	ch.Resize(3)
	require.Equal(t, 3, ch.Size())
	for i := 0; i < 3; i++ {
		assert.Len(t, ch.At(i), format.Size())
	}

	// Values survive growth.
	copy(ch.At(1), float32Bytes(8, 9))
	ch.Resize(16)
	assert.Equal(t, float32Bytes(8, 9), ch.At(1))

	// Shrinking keeps the prefix; growing again zeroes the new tail.
	ch.Resize(1)
	ch.Resize(2)
	assert.Equal(t, make([]byte, format.Size()), ch.At(1))

	assert.Panics(t, func() { ch.At(2) })
}

package network

import (
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom/internal/flow"
)

// testKernel is a configurable kernel for compilation tests.
type testKernel struct {
	name     string
	op       string
	supports func(*Step) bool
	adjust   func(*Step)
	generate func(*Step, *Program)
}

func (k *testKernel) Name() string      { return k.name }
func (k *testKernel) Operation() string { return k.op }

func (k *testKernel) Supports(step *Step) bool {
	if k.supports == nil {
		return true
	}
	return k.supports(step)
}

func (k *testKernel) Adjust(step *Step) {
	if k.adjust != nil {
		k.adjust(step)
	}
}

func (k *testKernel) Generate(step *Step, p *Program) {
	if k.generate != nil {
		k.generate(step, p)
		return
	}
	p.Emit(step, func(*Instance) {})
}

func (k *testKernel) Complexity(step *Step) int64 { return -1 }

// matMulGenerate emits a row-major float32 matrix multiplication.
func matMulGenerate(step *Step, p *Program) {
	x, w, y := step.Input(0), step.Input(1), step.Output(0)
	p.Emit(step, func(inst *Instance) {
		a := inst.Float32View(x)
		b := inst.Float32View(w)
		c := inst.Float32View(y)
		m, k, n := x.Dim(0), x.Dim(1), w.Dim(1)
		for r := 0; r < m; r++ {
			for col := 0; col < n; col++ {
				var sum float32
				for d := 0; d < k; d++ {
					sum += a[x.Index(r, d)] * b[w.Index(d, col)]
				}
				c[y.Index(r, col)] = sum
			}
		}
	})
}

// addBiasGenerate emits y = x + bias with the bias broadcast over rows.
func addBiasGenerate(step *Step, p *Program) {
	x, bias, y := step.Input(0), step.Input(1), step.Output(0)
	p.Emit(step, func(inst *Instance) {
		a := inst.Float32View(x)
		b := inst.Float32View(bias)
		c := inst.Float32View(y)
		m, n := x.Dim(0), x.Dim(1)
		for r := 0; r < m; r++ {
			for col := 0; col < n; col++ {
				c[y.Index(r, col)] = a[x.Index(r, col)] + b[bias.Index(col)]
			}
		}
	})
}

// reluGenerate emits an elementwise in-place capable relu.
func reluGenerate(step *Step, p *Program) {
	x, y := step.Input(0), step.Output(0)
	p.Emit(step, func(inst *Instance) {
		a := inst.Float32View(x)
		c := inst.Float32View(y)
		eachIndex(x, func(n int, indices []int) {
			v := a[x.Index(indices...)]
			if v < 0 {
				v = 0
			}
			c[y.Index(indices...)] = v
		})
	})
}

func testLibrary() *Library {
	lib := NewLibrary()
	lib.Register(&testKernel{name: "GenericMatMul", op: "matmul", generate: matMulGenerate})
	lib.Register(&testKernel{name: "GenericAdd", op: "add", generate: addBiasGenerate})
	lib.Register(&testKernel{name: "GenericRelu", op: "relu", generate: reluGenerate})
	return lib
}

func float32Bytes(values ...float32) []byte {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return data
}

// buildLinearFlow builds y = relu(x*w + b) with constant weights.
func buildLinearFlow(t *testing.T) *flow.Flow {
	t.Helper()
	f := flow.New()
	fn := f.AddFunction("forward")

	x := f.AddVariable("x", flow.Float32, flow.Dims(1, 2))
	w := f.AddConstant("w", flow.Float32, flow.Dims(2, 2),
		float32Bytes(1, 2, 3, 4))
	b := f.AddConstant("b", flow.Float32, flow.Dims(2),
		float32Bytes(10, -100))
	prod := f.AddVariable("prod", flow.Float32, flow.Dims(1, 2))
	sum := f.AddVariable("sum", flow.Float32, flow.Dims(1, 2))
	y := f.AddVariable("y", flow.Float32, flow.Dims(1, 2))

	matmul := f.AddOperation(fn, "matmul0", "matmul")
	matmul.AddInput(x)
	matmul.AddInput(w)
	matmul.AddOutput(prod)

	add := f.AddOperation(fn, "add0", "add")
	add.AddInput(prod)
	add.AddInput(b)
	add.AddOutput(sum)

	relu := f.AddOperation(fn, "relu0", "relu")
	relu.AddInput(sum)
	relu.AddOutput(y)

	return f
}

func TestCompile_Linear(t *testing.T) {
	f := buildLinearFlow(t)
	lib := testLibrary()
	require.True(t, f.Analyze(&lib.Transformations))

	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib))

	cell := n.Cell("forward")
	require.NotNil(t, cell)
	require.Len(t, cell.Steps(), 3)
	assert.Equal(t, "GenericMatMul", cell.Steps()[0].Kernel().Name())

	x := cell.GetParameter("x")
	require.NotNil(t, x)
	assert.True(t, x.In())
	assert.GreaterOrEqual(t, x.Offset(), cell.DataStart())

	w := n.LookupParameter("w")
	require.NotNil(t, w)
	assert.True(t, w.IsConstant())
	assert.Equal(t, -1, w.Offset())
	assert.Nil(t, cell.GetParameter("w"), "globals belong to no cell")

	assert.Greater(t, cell.InstanceSize(), 0)
	assert.GreaterOrEqual(t, cell.InstanceAlignment(), MinDataAlignment)
}

func TestCompile_Execute(t *testing.T) {
	f := buildLinearFlow(t)
	lib := testLibrary()
	require.True(t, f.Analyze(&lib.Transformations))

	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib))
	cell := n.Cell("forward")

	inst := NewInstance(cell)
	defer inst.Free()
	inst.SetTensorFloat32(cell.GetParameter("x"), []float32{1, 1})
	inst.Compute()

	// x*w = [4, 6]; +b = [14, -94]; relu = [14, 0].
	got := inst.TensorFloat32(cell.GetParameter("y"))
	assert.Equal(t, []float32{14, 0}, got)
}

func TestCompile_NoKernel(t *testing.T) {
	f := buildLinearFlow(t)
	lib := NewLibrary()
	lib.Register(&testKernel{name: "GenericMatMul", op: "matmul", generate: matMulGenerate})
	require.True(t, f.Analyze(&lib.Transformations), "flow is fully typed")

	n := NewNetwork()
	err := n.Compile(f, lib)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no kernel supports add0")
}

func TestCompile_KernelSelectionOrder(t *testing.T) {
	f := buildLinearFlow(t)
	lib := testLibrary()
	lib.Register(&testKernel{name: "SpecialRelu", op: "relu", generate: reluGenerate})
	require.True(t, f.Analyze(&lib.Transformations))

	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib))

	// First registered kernel wins when both support the step.
	assert.Equal(t, "GenericRelu", n.Cell("forward").Steps()[2].Kernel().Name())
}

func TestCompile_UnresolvedVariable(t *testing.T) {
	f := flow.New()
	fn := f.AddFunction("forward")
	x := f.AddVariable("x", flow.Invalid, flow.Shape{})
	y := f.AddVariable("y", flow.Float32, flow.Dims(1))
	op := f.AddOperation(fn, "relu0", "relu")
	op.AddInput(x)
	op.AddOutput(y)

	n := NewNetwork()
	err := n.Compile(f, testLibrary())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x")
}

func TestCompile_LayoutNonOverlap(t *testing.T) {
	f := buildLinearFlow(t)
	lib := testLibrary()
	require.True(t, f.Analyze(&lib.Transformations))

	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib))
	cell := n.Cell("forward")

	type extent struct {
		name       string
		start, end int
	}
	var extents []extent
	for _, p := range n.Parameters() {
		if p.Cell() != cell || p.IsGlobal() || p.SharedWith() != nil {
			continue
		}
		require.GreaterOrEqual(t, p.Offset(), cell.DataStart(), p.Name())
		require.LessOrEqual(t, p.Offset()+p.Space(), cell.InstanceSize(), p.Name())
		require.Zero(t, p.Offset()%p.ByteAlignment(), p.Name())
		extents = append(extents, extent{p.Name(), p.Offset(), p.Offset() + p.Space()})
	}
	for i := 0; i < len(extents); i++ {
		for j := i + 1; j < len(extents); j++ {
			a, b := extents[i], extents[j]
			overlap := a.start < b.end && b.start < a.end
			assert.False(t, overlap, "%s and %s overlap", a.name, b.name)
		}
	}
}

func TestCompile_SharedStorage(t *testing.T) {
	f := buildLinearFlow(t)
	// In-place relu shares its output with its input.
	lib2 := NewLibrary()
	lib2.Register(&testKernel{name: "GenericMatMul", op: "matmul", generate: matMulGenerate})
	lib2.Register(&testKernel{name: "GenericAdd", op: "add", generate: addBiasGenerate})
	lib2.Register(&testKernel{
		name: "InplaceRelu", op: "relu",
		adjust:   func(step *Step) { step.AllowInPlace(0, 0, false) },
		generate: reluGenerate,
	})

	require.True(t, f.Analyze(&lib2.Transformations))
	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib2))
	cell := n.Cell("forward")

	sum := cell.GetParameter("sum")
	y := cell.GetParameter("y")
	require.NotNil(t, y.SharedWith())
	assert.Equal(t, sum.Offset(), y.Offset(), "shared tensors have identical offsets")

	inst := NewInstance(cell)
	defer inst.Free()
	inst.SetTensorFloat32(cell.GetParameter("x"), []float32{1, 1})
	inst.Compute()
	assert.Equal(t, []float32{14, 0}, inst.TensorFloat32(y))
}

// buildReluChain builds a chain of n relu operations with intermediates.
func buildReluChain(t *testing.T, n int) *flow.Flow {
	t.Helper()
	f := flow.New()
	fn := f.AddFunction("forward")
	prev := f.AddVariable("x", flow.Float32, flow.Dims(1, 2))
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("h%d", i)
		if i == n-1 {
			name = "y"
		}
		next := f.AddVariable(name, flow.Float32, flow.Dims(1, 2))
		op := f.AddOperation(fn, fmt.Sprintf("relu%d", i), "relu")
		op.AddInput(prev)
		op.AddOutput(next)
		prev = next
	}
	return f
}

func TestCompile_DynamicAllocationReusesMemory(t *testing.T) {
	lib := testLibrary()

	f := buildReluChain(t, 4)
	require.True(t, f.Analyze(&lib.Transformations))
	static := NewNetwork()
	require.NoError(t, static.Compile(f, lib))

	f2 := buildReluChain(t, 4)
	require.True(t, f2.Analyze(&lib.Transformations))
	dynamic := NewNetwork()
	dynamic.Options().DynamicAllocation = true
	require.NoError(t, dynamic.Compile(f2, lib))

	// h0 is dead once h2 is written, so h2 reuses its slot.
	assert.Less(t, dynamic.Cell("forward").InstanceSize(),
		static.Cell("forward").InstanceSize())

	inst := NewInstance(dynamic.Cell("forward"))
	defer inst.Free()
	inst.SetTensorFloat32(dynamic.Cell("forward").GetParameter("x"), []float32{-1, 2})
	inst.Compute()
	assert.Equal(t, []float32{0, 2},
		inst.TensorFloat32(dynamic.Cell("forward").GetParameter("y")))
}

func TestCompile_ParallelTasks(t *testing.T) {
	f := flow.New()
	fn := f.AddFunction("forward")
	x := f.AddVariable("x", flow.Float32, flow.Dims(1, 2))
	left := f.AddVariable("left", flow.Float32, flow.Dims(1, 2))
	right := f.AddVariable("right", flow.Float32, flow.Dims(1, 2))
	y := f.AddVariable("y", flow.Float32, flow.Dims(1, 2))

	par := f.AddOperation(fn, "par", "relu")
	par.Task = 1
	par.AddInput(x)
	par.AddOutput(left)

	main := f.AddOperation(fn, "main", "relu")
	main.AddInput(x)
	main.AddOutput(right)

	join := f.AddOperation(fn, "join", "add2")
	join.AddInput(left)
	join.AddInput(right)
	join.AddOutput(y)

	lib := testLibrary()
	lib.Register(&testKernel{
		name: "GenericAdd2", op: "add2",
		generate: func(step *Step, p *Program) {
			a, b, out := step.Input(0), step.Input(1), step.Output(0)
			p.Emit(step, func(inst *Instance) {
				va := inst.Float32View(a)
				vb := inst.Float32View(b)
				vo := inst.Float32View(out)
				eachIndex(out, func(n int, indices []int) {
					vo[out.Index(indices...)] = va[a.Index(indices...)] + vb[b.Index(indices...)]
				})
			})
		},
	})
	require.True(t, f.Analyze(&lib.Transformations))

	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib))
	cell := n.Cell("forward")
	require.Len(t, cell.Tasks(), 1)
	assert.Equal(t, 1, cell.Tasks()[0].ID)

	inst := NewInstance(cell)
	defer inst.Free()
	inst.SetTensorFloat32(cell.GetParameter("x"), []float32{-3, 5})

	for run := 0; run < 3; run++ {
		inst.Compute()
		assert.Equal(t, []float32{0, 10}, inst.TensorFloat32(cell.GetParameter("y")))
		assert.Equal(t, Completed, inst.Task(0).State())
	}
}

func TestCompile_Profiling(t *testing.T) {
	f := buildLinearFlow(t)
	lib := testLibrary()
	require.True(t, f.Analyze(&lib.Transformations))

	n := NewNetwork()
	n.Options().Profiling = true
	require.NoError(t, n.Compile(f, lib))
	cell := n.Cell("forward")
	require.NotNil(t, cell.Profile())

	inst := NewInstance(cell)
	defer inst.Free()
	inst.Compute()
	inst.Compute()

	timings := inst.Int64View(cell.Profile())
	assert.Equal(t, int64(2), timings[0], "slot zero counts invocations")
	assert.Len(t, timings, len(cell.Steps())+1)
}

func TestCompile_AlignmentConstraintsApplied(t *testing.T) {
	f := buildLinearFlow(t)
	lib2 := NewLibrary()
	lib2.Register(&testKernel{
		name: "AlignedMatMul", op: "matmul",
		adjust: func(step *Step) {
			step.Input(0).MinAlignLast(4)
			step.Input(1).MinAlign([]int{4, 4})
			step.Input(0).CompatibleAlign(step.Input(1))
			step.Output(0).SetMinimumByteAlignment(32)
		},
		generate: matMulGenerate,
	})
	lib2.Register(&testKernel{name: "GenericAdd", op: "add", generate: addBiasGenerate})
	lib2.Register(&testKernel{name: "GenericRelu", op: "relu", generate: reluGenerate})

	require.True(t, f.Analyze(&lib2.Transformations))
	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib2))
	cell := n.Cell("forward")

	w := n.LookupParameter("w")
	assert.True(t, w.Aligned().Equal(flow.Dims(4, 4)), "weights pad to the alignment")

	prod := cell.GetParameter("prod")
	assert.Equal(t, 32, prod.ByteAlignment())
	assert.Zero(t, prod.Offset()%32)

	// Padded constants still multiply correctly.
	inst := NewInstance(cell)
	defer inst.Free()
	inst.SetTensorFloat32(cell.GetParameter("x"), []float32{1, 1})
	inst.Compute()
	assert.Equal(t, []float32{14, 0}, inst.TensorFloat32(cell.GetParameter("y")))
}

func TestNetwork_String(t *testing.T) {
	f := buildLinearFlow(t)
	lib := testLibrary()
	require.True(t, f.Analyze(&lib.Transformations))

	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib))

	s := n.String()
	assert.Contains(t, s, "cell forward")
	assert.Contains(t, s, "GenericMatMul")
	assert.Contains(t, s, "global w")
}

// recordingLinker captures compilation events.
type recordingLinker struct {
	events []string
}

func (r *recordingLinker) BeginNetwork(*Network) { r.events = append(r.events, "begin-network") }
func (r *recordingLinker) EndNetwork(*Network)   { r.events = append(r.events, "end-network") }
func (r *recordingLinker) BeginCell(c *Cell)     { r.events = append(r.events, "begin-cell "+c.Name()) }
func (r *recordingLinker) EndCell(c *Cell)       { r.events = append(r.events, "end-cell "+c.Name()) }
func (r *recordingLinker) AddStep(s *Step)       { r.events = append(r.events, "step "+s.Name()) }
func (r *recordingLinker) AddData(t *Tensor)     { r.events = append(r.events, "data "+t.Name()) }

func TestCompile_LinkerEvents(t *testing.T) {
	f := buildLinearFlow(t)
	lib := testLibrary()
	require.True(t, f.Analyze(&lib.Transformations))

	linker := &recordingLinker{}
	n := NewNetwork()
	n.SetLinker(linker)
	require.NoError(t, n.Compile(f, lib))

	assert.Equal(t, "begin-network", linker.events[0])
	assert.Equal(t, "end-network", linker.events[len(linker.events)-1])
	assert.Contains(t, linker.events, "begin-cell forward")
	assert.Contains(t, linker.events, "step matmul0")
	assert.Contains(t, linker.events, "data w")
}

// mainActions renders the main program of a cell for order assertions.
func mainActions(cell *Cell) []string {
	var out []string
	for _, a := range cell.program.actions {
		switch a.kind {
		case actionStart:
			out = append(out, fmt.Sprintf("start %d", a.task))
		case actionWait:
			out = append(out, fmt.Sprintf("wait %d", a.task))
		case actionStep:
			out = append(out, "step "+a.step.name)
		}
	}
	return out
}

// buildTwoTaskFlow wires two parallel relu tasks into a chain of joins so
// only the first join depends on the first task.
func buildTwoTaskFlow(t *testing.T) *flow.Flow {
	t.Helper()
	f := flow.New()
	fn := f.AddFunction("forward")
	x := f.AddVariable("x", flow.Float32, flow.Dims(1, 2))
	l1 := f.AddVariable("l1", flow.Float32, flow.Dims(1, 2))
	l2 := f.AddVariable("l2", flow.Float32, flow.Dims(1, 2))
	s1 := f.AddVariable("s1", flow.Float32, flow.Dims(1, 2))
	y := f.AddVariable("y", flow.Float32, flow.Dims(1, 2))

	par1 := f.AddOperation(fn, "par1", "relu")
	par1.Task = 1
	par1.AddInput(x)
	par1.AddOutput(l1)

	par2 := f.AddOperation(fn, "par2", "relu")
	par2.Task = 2
	par2.AddInput(x)
	par2.AddOutput(l2)

	j1 := f.AddOperation(fn, "j1", "add2")
	j1.AddInput(l1)
	j1.AddInput(x)
	j1.AddOutput(s1)

	j2 := f.AddOperation(fn, "j2", "add2")
	j2.AddInput(s1)
	j2.AddInput(l2)
	j2.AddOutput(y)
	return f
}

func add2Kernel() *testKernel {
	return &testKernel{
		name: "GenericAdd2", op: "add2",
		generate: func(step *Step, p *Program) {
			a, b, out := step.Input(0), step.Input(1), step.Output(0)
			p.Emit(step, func(inst *Instance) {
				va := inst.Float32View(a)
				vb := inst.Float32View(b)
				vo := inst.Float32View(out)
				eachIndex(out, func(n int, indices []int) {
					vo[out.Index(indices...)] = va[a.Index(indices...)] + vb[b.Index(indices...)]
				})
			})
		},
	}
}

func TestCompile_SyncSteps(t *testing.T) {
	lib := testLibrary()
	lib.Register(add2Kernel())

	f := buildTwoTaskFlow(t)
	require.True(t, f.Analyze(&lib.Transformations))
	plain := NewNetwork()
	require.NoError(t, plain.Compile(f, lib))

	// Without forced synchronization the second task is only awaited by
	// the step that consumes its output.
	assert.Equal(t, []string{
		"start 0", "start 1", "wait 0", "step j1", "wait 1", "step j2",
	}, mainActions(plain.Cell("forward")))

	f2 := buildTwoTaskFlow(t)
	require.True(t, f2.Analyze(&lib.Transformations))
	forced := NewNetwork()
	forced.Options().SyncSteps = true
	require.NoError(t, forced.Compile(f2, lib))

	// Forced synchronization drains every running task before each step.
	cell := forced.Cell("forward")
	assert.Equal(t, []string{
		"start 0", "start 1", "wait 0", "wait 1", "step j1", "step j2",
	}, mainActions(cell))
	for _, step := range cell.steps {
		assert.True(t, step.NeedsSynchronization(), step.name)
	}

	inst := NewInstance(cell)
	defer inst.Free()
	inst.SetTensorFloat32(cell.GetParameter("x"), []float32{1, -2})
	inst.Compute()
	assert.Equal(t, []float32{3, -2}, inst.TensorFloat32(cell.GetParameter("y")))
	assert.Equal(t, Completed, inst.Task(0).State())
	assert.Equal(t, Completed, inst.Task(1).State())

	// The task records in the data block mirror the task states.
	for index := range cell.Tasks() {
		rec := inst.TaskRecord(index)
		assert.Len(t, rec, taskRecordSize)
		assert.EqualValues(t, Completed, binary.LittleEndian.Uint64(rec))
	}
}

func TestCompile_ConnectorCouplesLayout(t *testing.T) {
	lib := testLibrary()
	lib.Register(&testKernel{
		name: "AlignedRelu", op: "ralign",
		adjust:   func(step *Step) { step.Output(0).MinAlignLast(4) },
		generate: reluGenerate,
	})

	f := flow.New()
	fn := f.AddFunction("forward")
	x := f.AddVariable("x", flow.Float32, flow.Dims(1, 3))
	y := f.AddVariable("y", flow.Float32, flow.Dims(1, 3))
	op := f.AddOperation(fn, "r", "ralign")
	op.AddInput(x)
	op.AddOutput(y)
	cnx := f.AddConnector("state")
	cnx.AddLink(x)
	cnx.AddLink(y)
	require.True(t, f.Analyze(&lib.Transformations))

	n := NewNetwork()
	require.NoError(t, n.Compile(f, lib))

	require.Len(t, n.Connectors(), 1)
	c := n.LookupConnector("state")
	require.NotNil(t, c)
	assert.Equal(t, "state", c.Name())
	require.Len(t, c.Links(), 2)

	// The kernel alignment on y propagates to x through the connector, so
	// both links share one element layout.
	tx := n.LookupParameter("x")
	ty := n.LookupParameter("y")
	assert.Same(t, tx, c.Type())
	assert.Same(t, ty, tx.Link())
	assert.Equal(t, ty.Size(), tx.Size())
	assert.Equal(t, ty.Stride(0), tx.Stride(0))

	ch := n.NewConnectorChannel(c)
	assert.Equal(t, n.NewChannel(ty).ElementSize(), ch.ElementSize())
	ch.Resize(1)
	assert.Len(t, ch.At(0), tx.Size())
}

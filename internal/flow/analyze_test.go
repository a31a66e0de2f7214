package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// renamer rewrites all operations of one type into another, once.
type renamer struct {
	name string
	from string
	to   string
}

func (r *renamer) Name() string { return r.name }

func (r *renamer) Transform(f *Flow) bool {
	changed := false
	for _, op := range f.Ops() {
		if op.Type == r.from {
			op.Type = r.to
			changed = true
		}
	}
	return changed
}

// copyTyper propagates the type and shape of the first input to all outputs.
type copyTyper struct{}

func (copyTyper) Name() string { return "copy" }

func (copyTyper) InferTypes(op *Operation) bool {
	if len(op.Inputs) == 0 {
		return false
	}
	in := op.Inputs[0]
	for _, out := range op.Outputs {
		if out.Type == Invalid {
			out.Type = in.Type
		}
		if out.Shape.Missing() {
			out.Shape = in.Shape
		}
	}
	return true
}

func TestInferInputsAndOutputs_Defaults(t *testing.T) {
	f := New()
	fn := f.AddFunction("forward")
	x := f.AddVariable("x", Float32, Dims(1, 4))
	w := f.AddConstant("w", Float32, Dims(4, 4), make([]byte, 64))
	y := f.AddVariable("y", Float32, Dims(1, 4))
	op := f.AddOperation(fn, "matmul0", "matmul")
	op.AddInput(x)
	op.AddInput(w)
	op.AddOutput(y)

	f.InferInputsAndOutputs()

	assert.True(t, x.In, "variable without producer is an input")
	assert.False(t, x.Out)
	assert.True(t, y.Out, "variable without consumers is an output")
	assert.False(t, y.In)
	assert.False(t, w.In, "constants get no roles")
	assert.False(t, w.Out)
}

func TestInferInputsAndOutputs_ProducerAttributes(t *testing.T) {
	f := New()
	fn := f.AddFunction("forward")
	y := f.AddVariable("y", Float32, Dims(1, 4))
	op := f.AddOperation(fn, "feed", "placeholder")
	op.SetAttr("input", "1")
	op.SetAttr("output", "0")
	op.AddOutput(y)

	f.InferInputsAndOutputs()

	assert.True(t, y.In)
	assert.False(t, y.Out, "explicit output attr overrides the no-consumer rule")
}

func TestInferInputsAndOutputs_ConnectorLinks(t *testing.T) {
	f := New()
	state := f.AddVariable("state", Float32, Dims(1, 8))
	f.AddConnector("recurrence").AddLink(state)

	f.InferInputsAndOutputs()

	assert.True(t, state.In)
	assert.True(t, state.Out)
}

func TestTransform_ReverseOrderAndFixpoint(t *testing.T) {
	f := New()
	fn := f.AddFunction("forward")
	x := f.AddVariable("x", Float32, Dims(1, 4))
	y := f.AddVariable("y", Float32, Dims(1, 4))
	op := f.AddOperation(fn, "op0", "a")
	op.AddInput(x)
	op.AddOutput(y)

	var transformations Transformations
	transformations.RegisterTransformer(&renamer{name: "b-to-c", from: "b", to: "c"})
	transformations.RegisterTransformer(&renamer{name: "a-to-b", from: "a", to: "b"})

	changed := f.Transform(&transformations)

	require.True(t, changed)
	// Later registrations run first, and the pass repeats until stable, so
	// the chain a -> b -> c completes.
	assert.Equal(t, "c", op.Type)

	assert.False(t, f.Transform(&transformations), "fixpoint reached")
}

func TestSort_DependencyOrder(t *testing.T) {
	f := New()
	fn := f.AddFunction("forward")
	x := f.AddVariable("x", Float32, Dims(1, 4))
	mid := f.AddVariable("mid", Float32, Dims(1, 4))
	y := f.AddVariable("y", Float32, Dims(1, 4))

	// Register the consumer before its producer to force reordering.
	relu := f.AddOperation(fn, "relu0", "relu")
	relu.AddInput(mid)
	relu.AddOutput(y)
	matmul := f.AddOperation(fn, "matmul0", "matmul")
	matmul.AddInput(x)
	matmul.AddOutput(mid)

	f.Sort()

	ops := f.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, "matmul0", ops[0].Name)
	assert.Equal(t, "relu0", ops[1].Name)
	assert.Equal(t, []*Operation{matmul, relu}, fn.Ops)

	// Unproduced variables first, then outputs in operation order.
	vars := f.Vars()
	require.Len(t, vars, 3)
	assert.Equal(t, "x", vars[0].Name)
	assert.Equal(t, "mid", vars[1].Name)
	assert.Equal(t, "y", vars[2].Name)
}

func TestSort_ParallelPriorities(t *testing.T) {
	// feed -> par (task 1) -> drain, with an unrelated side chain. The
	// feeder must run before the side chain and the drain after it.
	f := New()
	fn := f.AddFunction("forward")
	a := f.AddVariable("a", Float32, Dims(1))
	b := f.AddVariable("b", Float32, Dims(1))
	c := f.AddVariable("c", Float32, Dims(1))
	d := f.AddVariable("d", Float32, Dims(1))
	e := f.AddVariable("e", Float32, Dims(1))

	side := f.AddOperation(fn, "side", "relu")
	side.AddInput(d)
	side.AddOutput(e)

	feed := f.AddOperation(fn, "feed", "relu")
	feed.AddInput(a)
	feed.AddOutput(b)

	par := f.AddOperation(fn, "par", "matmul")
	par.Task = 1
	par.AddInput(b)
	par.AddOutput(c)

	drain := f.AddOperation(fn, "drain", "relu")
	drain.AddInput(c)
	drain.AddOutput(f.AddVariable("out", Float32, Dims(1)))

	f.Sort()

	assert.Equal(t, priorityPreParallel, feed.Priority)
	assert.Equal(t, priorityParallel, par.Priority)
	assert.Equal(t, priorityPostParallel, drain.Priority)
	assert.Equal(t, priorityDefault, side.Priority)

	order := make(map[string]int)
	for i, op := range f.Ops() {
		order[op.Name] = i
	}
	assert.Less(t, order["feed"], order["side"], "pre-parallel work is scheduled early")
	assert.Less(t, order["side"], order["drain"], "post-parallel work is scheduled late")
	assert.Less(t, order["par"], order["drain"])
}

func TestSort_TransitivePriorityExpansion(t *testing.T) {
	f := New()
	fn := f.AddFunction("forward")
	a := f.AddVariable("a", Float32, Dims(1))
	b := f.AddVariable("b", Float32, Dims(1))
	c := f.AddVariable("c", Float32, Dims(1))
	d := f.AddVariable("d", Float32, Dims(1))

	early := f.AddOperation(fn, "early", "relu")
	early.AddInput(a)
	early.AddOutput(b)

	feed := f.AddOperation(fn, "feed", "relu")
	feed.AddInput(b)
	feed.AddOutput(c)

	par := f.AddOperation(fn, "par", "matmul")
	par.Task = 1
	par.AddInput(c)
	par.AddOutput(d)

	f.Sort()

	// The whole chain feeding the parallel task is pulled forward.
	assert.Equal(t, priorityPreParallel, early.Priority)
	assert.Equal(t, priorityPreParallel, feed.Priority)
}

func TestSort_CyclePanics(t *testing.T) {
	f := New()
	fn := f.AddFunction("forward")
	a := f.AddVariable("a", Float32, Dims(1))
	b := f.AddVariable("b", Float32, Dims(1))

	op1 := f.AddOperation(fn, "op1", "relu")
	op1.AddInput(a)
	op1.AddOutput(b)
	op2 := f.AddOperation(fn, "op2", "relu")
	op2.AddInput(b)
	op2.AddOutput(a)

	assert.Panics(t, func() { f.Sort() })
}

func TestInferTypes_Propagates(t *testing.T) {
	f := New()
	fn := f.AddFunction("forward")
	x := f.AddVariable("x", Float32, Dims(1, 4))
	y := f.AddVariable("y", Invalid, Shape{})
	op := f.AddOperation(fn, "relu0", "relu")
	op.AddInput(x)
	op.AddOutput(y)

	var transformations Transformations
	transformations.RegisterTyper(copyTyper{})

	resolved := f.InferTypes(&transformations)

	assert.True(t, resolved)
	assert.Equal(t, Float32, y.Type)
	assert.True(t, y.Shape.Equal(Dims(1, 4)))
}

func TestInferTypes_Unresolved(t *testing.T) {
	f := New()
	fn := f.AddFunction("forward")
	x := f.AddVariable("x", Float32, Dims(1, 4))
	y := f.AddVariable("y", Invalid, Shape{})
	op := f.AddOperation(fn, "mystery0", "mystery")
	op.AddInput(x)
	op.AddOutput(y)

	var transformations Transformations
	resolved := f.InferTypes(&transformations)

	assert.False(t, resolved)
	assert.Equal(t, Invalid, y.Type)
}

func TestInferTypes_SkipsOnMissingInput(t *testing.T) {
	f := New()
	fn := f.AddFunction("forward")
	x := f.AddVariable("x", Invalid, Shape{})
	y := f.AddVariable("y", Invalid, Shape{})
	op := f.AddOperation(fn, "relu0", "relu")
	op.AddInput(x)
	op.AddOutput(y)

	var transformations Transformations
	transformations.RegisterTyper(copyTyper{})

	assert.False(t, f.InferTypes(&transformations))
}

func TestAnalyze_EndToEnd(t *testing.T) {
	f := New()
	fn := f.AddFunction("forward")
	x := f.AddVariable("x", Float32, Dims(1, 4))
	mid := f.AddVariable("mid", Invalid, Shape{})
	y := f.AddVariable("y", Invalid, Shape{})

	relu := f.AddOperation(fn, "relu0", "relu")
	relu.AddInput(mid)
	relu.AddOutput(y)
	id := f.AddOperation(fn, "id0", "identity")
	id.AddInput(x)
	id.AddOutput(mid)

	var transformations Transformations
	transformations.RegisterTyper(copyTyper{})

	resolved := f.Analyze(&transformations)

	require.True(t, resolved)
	assert.True(t, x.In)
	assert.True(t, y.Out)
	assert.Equal(t, Float32, y.Type)
	assert.Equal(t, "id0", f.Ops()[0].Name)
	assert.Equal(t, "relu0", f.Ops()[1].Name)
}

package kernels

import (
	"github.com/loom-ml/loom/internal/network"
)

func registerArray(lib *network.Library) {
	lib.Register(&identity{})
	lib.Register(&reshape{})
	lib.Register(&concat{})
}

// identity copies its input to its output. The copy is elided when the
// output shares storage with the input.
type identity struct{}

func (identity) Name() string      { return "GenIdentity" }
func (identity) Operation() string { return "Identity" }

func (identity) Supports(step *network.Step) bool {
	if step.Indegree() != 1 || step.Outdegree() != 1 {
		return false
	}
	x := step.Input(0)
	y := step.Output(0)
	return x.Type() == y.Type() && x.HasSameShape(y)
}

func (identity) Adjust(step *network.Step) {
	step.Input(0).SameAlign(step.Output(0))
	step.AllowInPlace(0, 0, false)
}

func (identity) Generate(step *network.Step, p *network.Program) {
	x := step.Input(0)
	y := step.Output(0)
	if y.SharedWith() != nil {
		step.SetNoOp()
		return
	}
	p.Emit(step, func(data *network.Instance) {
		copy(data.Bytes(y), data.Bytes(x))
	})
}

func (identity) Complexity(step *network.Step) int64 { return 0 }

// reshape reinterprets the input bytes under a new shape. Both tensors are
// forced dense and row-major so the raw bytes carry the elements in logical
// order.
type reshape struct{}

func (reshape) Name() string      { return "GenReshape" }
func (reshape) Operation() string { return "Reshape" }

func (reshape) Supports(step *network.Step) bool {
	if step.Indegree() < 1 || step.Indegree() > 2 || step.Outdegree() != 1 {
		return false
	}
	x := step.Input(0)
	y := step.Output(0)
	return x.Type() == y.Type() && x.Elements() == y.Elements()
}

func (reshape) Adjust(step *network.Step) {
	x := step.Input(0)
	y := step.Output(0)
	x.RequireDense()
	x.RequireStandardOrder()
	y.RequireDense()
	y.RequireStandardOrder()
	step.AllowInPlace(0, 0, false)
}

func (reshape) Generate(step *network.Step, p *network.Program) {
	x := step.Input(0)
	y := step.Output(0)
	if y.SharedWith() != nil {
		step.SetNoOp()
		return
	}
	p.Emit(step, func(data *network.Instance) {
		copy(data.Bytes(y), data.Bytes(x))
	})
}

func (reshape) Complexity(step *network.Step) int64 { return 0 }

// concat joins its inputs along the axis given by the "axis" attribute. All
// tensors are forced dense row-major so concatenation is a byte interleave
// of contiguous chunks.
type concat struct{}

func (concat) Name() string      { return "GenConcat" }
func (concat) Operation() string { return "Concat" }

func (concat) Supports(step *network.Step) bool {
	if step.Indegree() < 1 || step.Outdegree() != 1 {
		return false
	}
	y := step.Output(0)
	axis := step.AttrInt("axis", 0)
	if axis < 0 || axis >= y.Rank() {
		return false
	}
	total := 0
	for _, in := range step.Inputs() {
		if in.Type() != y.Type() || in.Rank() != y.Rank() {
			return false
		}
		for d := 0; d < y.Rank(); d++ {
			if d == axis {
				continue
			}
			if in.Dim(d) != y.Dim(d) {
				return false
			}
		}
		total += in.Dim(axis)
	}
	return total == y.Dim(axis)
}

func (concat) Adjust(step *network.Step) {
	for _, in := range step.Inputs() {
		in.RequireDense()
		in.RequireStandardOrder()
	}
	step.Output(0).RequireDense()
	step.Output(0).RequireStandardOrder()
}

func (concat) Generate(step *network.Step, p *network.Program) {
	y := step.Output(0)
	inputs := step.Inputs()
	axis := step.AttrInt("axis", 0)

	outer := 1
	for d := 0; d < axis; d++ {
		outer *= y.Dim(d)
	}
	chunk := make([]int, len(inputs))
	for n, in := range inputs {
		chunk[n] = in.Size() / outer
	}

	p.Emit(step, func(data *network.Instance) {
		out := data.Bytes(y)
		pos := 0
		for o := 0; o < outer; o++ {
			for n, in := range inputs {
				src := data.Bytes(in)[o*chunk[n] : (o+1)*chunk[n]]
				copy(out[pos:], src)
				pos += chunk[n]
			}
		}
	})
}

func (concat) Complexity(step *network.Step) int64 {
	return int64(step.Output(0).Elements())
}

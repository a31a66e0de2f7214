package kernels

import (
	"encoding/binary"

	"github.com/loom-ml/loom/internal/flow"
)

// matmulTyper infers output shapes for the matrix multiplication family.
type matmulTyper struct{}

func (matmulTyper) Name() string { return "matmul-shapes" }

func (matmulTyper) InferTypes(op *flow.Operation) bool {
	switch op.Type {
	case "MatMul", "MatMulAdd", "MatMulRelu", "MatMulAddRelu":
	default:
		return false
	}
	if len(op.Inputs) < 2 || len(op.Outputs) != 1 {
		return false
	}
	a := op.Inputs[0]
	b := op.Inputs[1]
	if a.Shape.Rank() != 2 || b.Shape.Rank() != 2 {
		return false
	}
	y := op.Outputs[0]
	if y.Type == flow.Invalid {
		y.Type = a.Type
	}
	if y.Shape.Missing() {
		y.Shape = flow.Dims(a.Shape.Dim(0), b.Shape.Dim(1))
	}
	return true
}

// elementwiseTyper gives elementwise operations the type and shape of their
// widest input.
type elementwiseTyper struct{}

var elementwiseOps = map[string]bool{
	"Add": true, "Sub": true, "Mul": true,
	"Relu": true, "Sigmoid": true, "Tanh": true,
	"Abs": true, "Sqrt": true, "Exp": true, "Log": true,
	"Softmax": true, "Identity": true,
}

func (elementwiseTyper) Name() string { return "elementwise-shapes" }

func (elementwiseTyper) InferTypes(op *flow.Operation) bool {
	if !elementwiseOps[op.Type] {
		return false
	}
	if len(op.Inputs) == 0 || len(op.Outputs) != 1 {
		return false
	}
	widest := op.Inputs[0]
	for _, in := range op.Inputs[1:] {
		if in.Shape.Elements() > widest.Shape.Elements() {
			widest = in
		}
	}
	y := op.Outputs[0]
	if y.Type == flow.Invalid {
		y.Type = widest.Type
	}
	if y.Shape.Missing() {
		y.Shape = widest.Shape
	}
	return true
}

// reshapeTyper reads the target shape from the constant second input. A -1
// dimension is inferred from the remaining element count.
type reshapeTyper struct{}

func (reshapeTyper) Name() string { return "reshape-shapes" }

func (reshapeTyper) InferTypes(op *flow.Operation) bool {
	if op.Type != "Reshape" || len(op.Inputs) != 2 || len(op.Outputs) != 1 {
		return false
	}
	x := op.Inputs[0]
	shape := op.Inputs[1]
	y := op.Outputs[0]
	if y.Type == flow.Invalid {
		y.Type = x.Type
	}
	if !y.Shape.Missing() {
		return true
	}
	if shape.Type != flow.Int32 || shape.Data == nil {
		return false
	}

	dims := make([]int, len(shape.Data)/4)
	infer := -1
	known := 1
	for d := range dims {
		dims[d] = int(int32(binary.LittleEndian.Uint32(shape.Data[d*4:])))
		if dims[d] == -1 {
			if infer >= 0 {
				return false
			}
			infer = d
		} else {
			known *= dims[d]
		}
	}
	if infer >= 0 {
		if known == 0 || x.Shape.Elements()%known != 0 {
			return false
		}
		dims[infer] = x.Shape.Elements() / known
	}
	y.Shape = flow.Dims(dims...)
	return true
}

// concatTyper sums the concatenation axis over the inputs.
type concatTyper struct{}

func (concatTyper) Name() string { return "concat-shapes" }

func (concatTyper) InferTypes(op *flow.Operation) bool {
	if op.Type != "Concat" || len(op.Inputs) == 0 || len(op.Outputs) != 1 {
		return false
	}
	first := op.Inputs[0]
	axis := op.Attrs.GetInt("axis", 0)
	if axis < 0 || axis >= first.Shape.Rank() {
		return false
	}
	total := 0
	for _, in := range op.Inputs {
		if in.Shape.Rank() != first.Shape.Rank() {
			return false
		}
		total += in.Shape.Dim(axis)
	}
	y := op.Outputs[0]
	if y.Type == flow.Invalid {
		y.Type = first.Type
	}
	if y.Shape.Missing() {
		dims := make([]int, first.Shape.Rank())
		for d := range dims {
			dims[d] = first.Shape.Dim(d)
		}
		dims[axis] = total
		y.Shape = flow.Dims(dims...)
	}
	return true
}

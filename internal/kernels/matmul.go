package kernels

import (
	"github.com/loom-ml/loom/internal/flow"
	"github.com/loom-ml/loom/internal/network"
)

// vecMatMul multiplies a row vector with a matrix, optionally adding a bias
// vector and clamping the result at zero. The weight matrix is required to
// be column-major so each output element reads a contiguous column.
type vecMatMul struct {
	name string
	op   string
	bias bool
	relu bool
}

func (k *vecMatMul) Name() string      { return k.name }
func (k *vecMatMul) Operation() string { return k.op }

func (k *vecMatMul) Supports(step *network.Step) bool {
	args := 2
	if k.bias {
		args = 3
	}
	if step.Indegree() != args || step.Outdegree() != 1 {
		return false
	}
	x := step.Input(0)
	w := step.Input(1)
	y := step.Output(0)
	if x.Type() != flow.Float32 || w.Type() != flow.Float32 || y.Type() != flow.Float32 {
		return false
	}

	// x must be a row vector and the inner dimensions must match.
	if x.Rank() != 2 || x.Dim(0) != 1 {
		return false
	}
	if w.Rank() != 2 || x.Dim(1) != w.Dim(0) {
		return false
	}
	if y.Rank() != 2 || y.Dim(0) != 1 || y.Dim(1) != w.Dim(1) {
		return false
	}

	if step.AttrBool("transpose_a", false) || step.AttrBool("transpose_b", false) {
		return false
	}

	if k.bias {
		b := step.Input(2)
		if b.Type() != flow.Float32 || b.Elements() != w.Dim(1) {
			return false
		}
		if b.Rank() == 2 && b.Dim(0) != 1 {
			return false
		}
		if b.Rank() > 2 {
			return false
		}
	}

	return w.SupportsOrder(network.ColumnMajor)
}

func (k *vecMatMul) Adjust(step *network.Step) {
	step.Input(1).SetRequiredOrder(network.ColumnMajor)
	if step.AttrBool("strict", false) {
		step.SetVariant("strict")
	}
}

func (k *vecMatMul) Generate(step *network.Step, p *network.Program) {
	x := step.Input(0)
	w := step.Input(1)
	y := step.Output(0)
	var b *network.Tensor
	if k.bias {
		b = step.Input(2)
	}
	n := w.Dim(0)
	m := w.Dim(1)
	relu := k.relu

	p.Emit(step, func(data *network.Instance) {
		xv := data.Float32View(x)
		wv := data.Float32View(w)
		yv := data.Float32View(y)
		var bv []float32
		if b != nil {
			bv = data.Float32View(b)
		}
		for c := 0; c < m; c++ {
			var sum float32
			for r := 0; r < n; r++ {
				sum += xv[x.Index(0, r)] * wv[w.Index(r, c)]
			}
			if bv != nil {
				if b.Rank() == 2 {
					sum += bv[b.Index(0, c)]
				} else {
					sum += bv[b.Index(c)]
				}
			}
			if relu && sum < 0 {
				sum = 0
			}
			yv[y.Index(0, c)] = sum
		}
	})
}

func (k *vecMatMul) Complexity(step *network.Step) int64 {
	ops := int64(step.Input(1).Elements()) * 2
	if k.bias {
		ops += int64(step.Output(0).Elements())
	}
	if k.relu {
		ops += int64(step.Output(0).Elements())
	}
	return ops
}

// matMatMul is the general matrix multiplication fallback for inputs that
// are not row vectors.
type matMatMul struct{}

func (matMatMul) Name() string      { return "GenFltMatMatMul" }
func (matMatMul) Operation() string { return "MatMul" }

func (matMatMul) Supports(step *network.Step) bool {
	if step.Indegree() != 2 || step.Outdegree() != 1 {
		return false
	}
	a := step.Input(0)
	b := step.Input(1)
	c := step.Output(0)
	if a.Type() != flow.Float32 || b.Type() != flow.Float32 || c.Type() != flow.Float32 {
		return false
	}
	if a.Rank() != 2 || b.Rank() != 2 || c.Rank() != 2 {
		return false
	}
	if a.Dim(1) != b.Dim(0) || c.Dim(0) != a.Dim(0) || c.Dim(1) != b.Dim(1) {
		return false
	}
	if step.AttrBool("transpose_a", false) || step.AttrBool("transpose_b", false) {
		return false
	}
	return b.SupportsOrder(network.ColumnMajor)
}

func (matMatMul) Adjust(step *network.Step) {
	step.Input(1).SetRequiredOrder(network.ColumnMajor)
}

func (matMatMul) Generate(step *network.Step, p *network.Program) {
	a := step.Input(0)
	b := step.Input(1)
	c := step.Output(0)
	rows := a.Dim(0)
	inner := a.Dim(1)
	cols := b.Dim(1)

	p.Emit(step, func(data *network.Instance) {
		av := data.Float32View(a)
		bv := data.Float32View(b)
		cv := data.Float32View(c)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				var sum float32
				for k := 0; k < inner; k++ {
					sum += av[a.Index(i, k)] * bv[b.Index(k, j)]
				}
				cv[c.Index(i, j)] = sum
			}
		}
	})
}

func (matMatMul) Complexity(step *network.Step) int64 {
	a := step.Input(0)
	b := step.Input(1)
	return int64(a.Dim(0)) * int64(a.Dim(1)) * int64(b.Dim(1)) * 2
}

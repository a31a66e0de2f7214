package kernels

import (
	"math"

	"github.com/loom-ml/loom/internal/flow"
	"github.com/loom-ml/loom/internal/network"
)

func registerMath(lib *network.Library) {
	lib.Register(&fltFunc{name: "GenFltRelu", op: "Relu", fn: func(v float32) float32 {
		if v < 0 {
			return 0
		}
		return v
	}})
	lib.Register(&fltFunc{name: "GenFltSigmoid", op: "Sigmoid", fn: func(v float32) float32 {
		return float32(1 / (1 + math.Exp(-float64(v))))
	}})
	lib.Register(&fltFunc{name: "GenFltTanh", op: "Tanh", fn: func(v float32) float32 {
		return float32(math.Tanh(float64(v)))
	}})
	lib.Register(&fltFunc{name: "GenFltAbs", op: "Abs", fn: func(v float32) float32 {
		if v < 0 {
			return -v
		}
		return v
	}})
	lib.Register(&fltFunc{name: "GenFltSqrt", op: "Sqrt", fn: func(v float32) float32 {
		return float32(math.Sqrt(float64(v)))
	}})
	lib.Register(&fltFunc{name: "GenFltExp", op: "Exp", fn: func(v float32) float32 {
		return float32(math.Exp(float64(v)))
	}})
	lib.Register(&fltFunc{name: "GenFltLog", op: "Log", fn: func(v float32) float32 {
		return float32(math.Log(float64(v)))
	}})

	lib.Register(&fltBinary{name: "GenFltAdd", op: "Add", fn: func(a, b float32) float32 { return a + b }})
	lib.Register(&fltBinary{name: "GenFltSub", op: "Sub", fn: func(a, b float32) float32 { return a - b }})
	lib.Register(&fltBinary{name: "GenFltMul", op: "Mul", fn: func(a, b float32) float32 { return a * b }})

	lib.Register(&softmax{})
}

// fltFunc applies a scalar float function to each element of the input.
type fltFunc struct {
	name string
	op   string
	fn   func(float32) float32
}

func (k *fltFunc) Name() string      { return k.name }
func (k *fltFunc) Operation() string { return k.op }

func (k *fltFunc) Supports(step *network.Step) bool {
	if step.Indegree() != 1 || step.Outdegree() != 1 {
		return false
	}
	x := step.Input(0)
	y := step.Output(0)
	if x.Type() != flow.Float32 || y.Type() != flow.Float32 {
		return false
	}
	return x.HasSameShape(y)
}

func (k *fltFunc) Adjust(step *network.Step) {
	step.Input(0).SameAlign(step.Output(0))
	step.AllowInPlace(0, 0, false)
}

func (k *fltFunc) Generate(step *network.Step, p *network.Program) {
	x := step.Input(0)
	y := step.Output(0)
	fn := k.fn
	p.Emit(step, func(data *network.Instance) {
		xv := data.Float32View(x)
		yv := data.Float32View(y)
		for n := range yv {
			yv[n] = fn(xv[n])
		}
	})
}

func (k *fltFunc) Complexity(step *network.Step) int64 {
	return int64(step.Output(0).Elements())
}

// fltBinary combines two inputs element by element. The second input may be
// a scalar which is broadcast over the first.
type fltBinary struct {
	name string
	op   string
	fn   func(a, b float32) float32
}

func (k *fltBinary) Name() string      { return k.name }
func (k *fltBinary) Operation() string { return k.op }

func (k *fltBinary) Supports(step *network.Step) bool {
	if step.Indegree() != 2 || step.Outdegree() != 1 {
		return false
	}
	a := step.Input(0)
	b := step.Input(1)
	c := step.Output(0)
	if a.Type() != flow.Float32 || b.Type() != flow.Float32 || c.Type() != flow.Float32 {
		return false
	}
	if !a.HasSameShape(c) {
		return false
	}
	return b.HasSameShape(a) || b.Elements() == 1
}

func (k *fltBinary) Adjust(step *network.Step) {
	a := step.Input(0)
	b := step.Input(1)
	c := step.Output(0)
	a.SameAlign(c)
	if b.HasSameShape(a) {
		b.SameAlign(c)
	}
	step.AllowInPlace(0, 0, false)
}

func (k *fltBinary) Generate(step *network.Step, p *network.Program) {
	a := step.Input(0)
	b := step.Input(1)
	c := step.Output(0)
	fn := k.fn
	scalar := b.Elements() == 1 && !b.HasSameShape(a)

	p.Emit(step, func(data *network.Instance) {
		av := data.Float32View(a)
		bv := data.Float32View(b)
		cv := data.Float32View(c)
		if scalar {
			s := bv[0]
			for n := range cv {
				cv[n] = fn(av[n], s)
			}
		} else {
			for n := range cv {
				cv[n] = fn(av[n], bv[n])
			}
		}
	})
}

func (k *fltBinary) Complexity(step *network.Step) int64 {
	return int64(step.Output(0).Elements())
}

// softmax normalizes each row of the input into a probability distribution.
// The maximum is subtracted before exponentiation for numerical stability.
type softmax struct{}

func (softmax) Name() string      { return "GenFltSoftmax" }
func (softmax) Operation() string { return "Softmax" }

func (softmax) Supports(step *network.Step) bool {
	if step.Indegree() != 1 || step.Outdegree() != 1 {
		return false
	}
	x := step.Input(0)
	y := step.Output(0)
	if x.Type() != flow.Float32 || y.Type() != flow.Float32 {
		return false
	}
	if x.Rank() < 1 || x.Rank() > 2 {
		return false
	}
	return x.HasSameShape(y)
}

func (softmax) Adjust(step *network.Step) {
	step.Input(0).SameAlign(step.Output(0))
	step.AllowInPlace(0, 0, false)
}

func (softmax) Generate(step *network.Step, p *network.Program) {
	x := step.Input(0)
	y := step.Output(0)
	rows := 1
	cols := x.Dim(0)
	if x.Rank() == 2 {
		rows = x.Dim(0)
		cols = x.Dim(1)
	}
	at := func(t *network.Tensor, r, c int) int {
		if t.Rank() == 2 {
			return t.Index(r, c)
		}
		return t.Index(c)
	}

	p.Emit(step, func(data *network.Instance) {
		xv := data.Float32View(x)
		yv := data.Float32View(y)
		for r := 0; r < rows; r++ {
			max := xv[at(x, r, 0)]
			for c := 1; c < cols; c++ {
				if v := xv[at(x, r, c)]; v > max {
					max = v
				}
			}
			var sum float64
			for c := 0; c < cols; c++ {
				e := math.Exp(float64(xv[at(x, r, c)] - max))
				yv[at(y, r, c)] = float32(e)
				sum += e
			}
			for c := 0; c < cols; c++ {
				yv[at(y, r, c)] = float32(float64(yv[at(y, r, c)]) / sum)
			}
		}
	})
}

func (softmax) Complexity(step *network.Step) int64 {
	return int64(step.Output(0).Elements()) * 3
}

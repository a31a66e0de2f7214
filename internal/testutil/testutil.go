// Package testutil provides shared helpers for building test graphs and
// encoding tensor constants.
package testutil

import (
	"encoding/binary"
	"math"

	"github.com/loom-ml/loom/internal/flow"
)

// FloatBytes encodes float32 values as little-endian element bytes.
func FloatBytes(values ...float32) []byte {
	data := make([]byte, len(values)*4)
	for n, v := range values {
		binary.LittleEndian.PutUint32(data[n*4:], math.Float32bits(v))
	}
	return data
}

// IntBytes encodes int32 values as little-endian element bytes.
func IntBytes(values ...int32) []byte {
	data := make([]byte, len(values)*4)
	for n, v := range values {
		binary.LittleEndian.PutUint32(data[n*4:], uint32(v))
	}
	return data
}

// Linear builds y = x * W + b as a single MatMulAdd operation with input
// x: float32[1,n] and output y: float32[1,m]. The weights are given in
// row-major order.
func Linear(n, m int, w, b []float32) *flow.Flow {
	f := flow.New()
	fn := f.AddFunction("forward")

	x := f.AddVariable("x", flow.Float32, flow.Dims(1, n))
	x.In = true
	weights := f.AddConstant("W", flow.Float32, flow.Dims(n, m), FloatBytes(w...))
	bias := f.AddConstant("b", flow.Float32, flow.Dims(m), FloatBytes(b...))
	y := f.AddVariable("y", flow.Float32, flow.Dims(1, m))
	y.Out = true

	op := f.AddOperation(fn, "mm", "MatMulAdd")
	op.AddInput(x)
	op.AddInput(weights)
	op.AddInput(bias)
	op.AddOutput(y)

	return f
}

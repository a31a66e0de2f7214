// Package kernels provides the standard generic kernel library. The kernels
// are portable reference implementations that compute through instance views
// in row-major element order, together with the shape typers and graph
// rewriters the compiler runs during analysis.
package kernels

import (
	"github.com/loom-ml/loom/internal/network"
)

// Standard returns the generic kernel library. Vector matmul kernels are
// registered before the general matrix kernel so they take precedence for
// row vector inputs.
func Standard() *network.Library {
	lib := network.NewLibrary()

	// Rewriters applied during flow analysis.
	lib.RegisterTransformer(fuser{"MatMul", "Add", "MatMulAdd"})
	lib.RegisterTransformer(fuser{"MatMul", "Relu", "MatMulRelu"})
	lib.RegisterTransformer(fuser{"MatMulAdd", "Relu", "MatMulAddRelu"})
	lib.RegisterTransformer(eliminator{})

	// Shape and type inference.
	lib.RegisterTyper(matmulTyper{})
	lib.RegisterTyper(elementwiseTyper{})
	lib.RegisterTyper(reshapeTyper{})
	lib.RegisterTyper(concatTyper{})

	// Computes  : y = x * W
	// Input     : x: float32[1,n]
	//             W: float32[n,m] column-major
	// Output    : y: float32[1,m]
	lib.Register(&vecMatMul{name: "GenFltVecMatMul", op: "MatMul"})

	// Computes  : y = x * W + b
	lib.Register(&vecMatMul{name: "GenFltVecMatMulAdd", op: "MatMulAdd", bias: true})

	// Computes  : y = max(0, x * W)
	lib.Register(&vecMatMul{name: "GenFltVecMatMulRelu", op: "MatMulRelu", relu: true})

	// Computes  : y = max(0, x * W + b)
	lib.Register(&vecMatMul{name: "GenFltVecMatMulAddRelu", op: "MatMulAddRelu", bias: true, relu: true})

	// Computes  : C = A * B for general matrices.
	lib.Register(&matMatMul{})

	registerMath(lib)
	registerArray(lib)

	return lib
}

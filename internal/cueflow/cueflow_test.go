package cueflow

import (
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom/internal/flow"
)

const linearGraph = `
	graph: {
		func: forward: {}

		var: x: {
			type:  "float32"
			shape: [1, 4]
			in:    true
		}
		var: y: {
			out: true
		}

		const: W: {
			type:   "float32"
			shape:  [4, 2]
			values: [1, 0, 0, 1, 1, 0, 0, 1]
		}
		const: b: {
			type:   "float32"
			shape:  [2]
			values: [0.5, -0.5]
		}

		op: mm: {
			func:    "forward"
			type:    "MatMulAdd"
			inputs:  ["x", "W", "b"]
			outputs: ["y"]
			attrs: {strict: true}
		}
	}
`

func TestCompileFlowBasic(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(linearGraph)
	require.NoError(t, v.Err())

	f, err := CompileFlow(v)
	require.NoError(t, err)

	require.Len(t, f.Funcs(), 1)
	assert.Equal(t, "forward", f.Funcs()[0].Name)

	x := f.Var("x")
	require.NotNil(t, x)
	assert.Equal(t, flow.Float32, x.Type)
	assert.Equal(t, flow.Dims(1, 4), x.Shape)
	assert.True(t, x.In)

	w := f.Var("W")
	require.NotNil(t, w)
	assert.True(t, w.IsConstant())
	assert.Len(t, w.Data, 32)

	op := f.Op("mm")
	require.NotNil(t, op)
	assert.Equal(t, "MatMulAdd", op.Type)
	require.Len(t, op.Inputs, 3)
	assert.Equal(t, "true", op.GetAttr("strict"))

	y := f.Var("y")
	require.NotNil(t, y)
	assert.True(t, y.Out)
	assert.Same(t, op, y.Producer)

	assert.True(t, f.Consistent())
}

func TestCompileFlowImplicitOutputAndFunc(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		graph: {
			func: main: {}
			var: x: {type: "float32", shape: [2], in: true}
			op: relu: {
				type:    "Relu"
				inputs:  ["x"]
				outputs: ["y"]
				task:    1
			}
		}
	`)
	require.NoError(t, v.Err())

	f, err := CompileFlow(v)
	require.NoError(t, err)

	// The output variable is created with type and shape left open.
	y := f.Var("y")
	require.NotNil(t, y)
	assert.Equal(t, flow.Invalid, y.Type)
	assert.True(t, y.Shape.Missing())

	// The single function is implicit.
	op := f.Op("relu")
	require.NotNil(t, op.Func)
	assert.Equal(t, "main", op.Func.Name)
	assert.Equal(t, 1, op.Task)
}

func TestCompileFlowConnectorAndBlob(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		graph: {
			func: step: {}
			var: hidden: {type: "float32", shape: [8], ref: true}
			var: output: {type: "float32", shape: [8], out: true}
			op: copy: {type: "Identity", inputs: ["hidden"], outputs: ["output"]}
			connector: state: {links: ["hidden", "output"]}
			blob: vocab: {type: "dict", data: 'lexicon'}
		}
	`)
	require.NoError(t, v.Err())

	f, err := CompileFlow(v)
	require.NoError(t, err)

	cnx := f.Cnx("state")
	require.NotNil(t, cnx)
	require.Len(t, cnx.Links, 2)
	assert.Equal(t, "hidden", cnx.Links[0].Name)

	blob := f.Blob("vocab")
	require.NotNil(t, blob)
	assert.Equal(t, "dict", blob.Type)
	assert.Equal(t, []byte("lexicon"), blob.Data)
}

func TestCompileFlowMissingGraph(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`other: {}`)

	_, err := CompileFlow(v)
	require.Error(t, err)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "graph", cerr.Field)
}

func TestCompileFlowUnknownInput(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		graph: {
			func: main: {}
			op: relu: {type: "Relu", inputs: ["missing"], outputs: ["y"]}
		}
	`)

	_, err := CompileFlow(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown input "missing"`)
}

func TestCompileFlowBadConstant(t *testing.T) {
	ctx := cuecontext.New()

	_, err := CompileFlow(ctx.CompileString(`
		graph: {
			const: c: {type: "float32", shape: [3], values: [1, 2]}
		}
	`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 3 values, got 2")

	_, err = CompileFlow(ctx.CompileString(`
		graph: {
			const: c: {type: "quaternion", shape: [1], values: [0]}
		}
	`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown type "quaternion"`)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.cue"),
		[]byte(linearGraph), 0o644))

	f, err := Load(dir)
	require.NoError(t, err)
	assert.NotNil(t, f.Op("mm"))

	f, err = Load(filepath.Join(dir, "model.cue"))
	require.NoError(t, err)
	assert.NotNil(t, f.Op("mm"))

	_, err = Load(filepath.Join(dir, "absent.cue"))
	require.Error(t, err)

	_, err = LoadDir(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no CUE files")
}

package flow

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSerializableFlow() *Flow {
	f := New()
	fn := f.AddFunction("forward")

	x := f.AddVariable("x", Float32, Dims(1, 4))
	x.AddAlias("input")
	x.In = true
	w := f.AddConstant("w", Float32, Dims(4, 8), make([]byte, 4*8*4))
	y := f.AddVariable("y", Float32, Dims(1, 8))
	y.Out = true
	state := f.AddVariable("state", Float32, Dims(1, 8))
	state.Ref = true

	op := f.AddOperation(fn, "matmul0", "matmul")
	op.AddInput(x)
	op.AddInput(w)
	op.AddOutput(y)
	op.SetAttr("task", "2")
	op.Task = 2

	f.AddConnector("recurrence").AddLink(state)

	blob := f.AddBlob("vocab", "dict")
	blob.Attrs.Set("entries", "3")
	blob.Data = []byte("a\nb\nc\n")

	return f
}

func TestSerialize_RoundTrip(t *testing.T) {
	f := buildSerializableFlow()

	data, err := f.Marshal()
	require.NoError(t, err)

	g := New()
	require.NoError(t, g.Read(data))

	x := g.Var("x")
	require.NotNil(t, x)
	assert.Same(t, x, g.Var("input"), "aliases survive the round trip")
	assert.Equal(t, Float32, x.Type)
	assert.True(t, x.Shape.Equal(Dims(1, 4)))

	w := g.Var("w")
	require.NotNil(t, w)
	assert.True(t, w.IsConstant())
	assert.Len(t, w.Data, 4*8*4)

	state := g.Var("state")
	require.NotNil(t, state)
	assert.True(t, state.Ref, "ref marker survives the round trip")

	op := g.Op("matmul0")
	require.NotNil(t, op)
	assert.Equal(t, "matmul", op.Type)
	assert.Equal(t, 2, op.Task, "task attribute restores the task id")
	require.Len(t, op.Inputs, 2)
	require.Len(t, op.Outputs, 1)
	assert.Same(t, op, g.Var("y").Producer)

	fn := g.Func("forward")
	require.NotNil(t, fn)
	assert.Equal(t, []*Operation{op}, fn.Ops)

	cnx := g.Cnx("recurrence")
	require.NotNil(t, cnx)
	require.Len(t, cnx.Links, 1)
	assert.Same(t, state, cnx.Links[0])

	blob := g.Blob("vocab")
	require.NotNil(t, blob)
	assert.Equal(t, "dict", blob.Type)
	assert.Equal(t, "3", blob.Attrs.Get("entries"))
	assert.Equal(t, []byte("a\nb\nc\n"), blob.Data)

	assert.True(t, g.Consistent())
}

func TestSerialize_Version3OmitsBlobs(t *testing.T) {
	f := buildSerializableFlow()

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf, 3))

	g := New()
	require.NoError(t, g.Read(buf.Bytes()))
	assert.Empty(t, g.Blobs())
	assert.NotNil(t, g.Op("matmul0"))
}

func TestSerialize_UnsupportedWriteVersion(t *testing.T) {
	f := New()
	var buf bytes.Buffer
	assert.Error(t, f.Write(&buf, 2))
	assert.Error(t, f.Write(&buf, Version+1))
}

func TestRead_BadMagic(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data, 0xdeadbeef)
	binary.LittleEndian.PutUint32(data[4:], Version)

	err := New().Read(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a flow file")
}

func TestRead_BadVersion(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data, Magic)
	binary.LittleEndian.PutUint32(data[4:], 99)

	err := New().Read(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestRead_Truncated(t *testing.T) {
	f := buildSerializableFlow()
	data, err := f.Marshal()
	require.NoError(t, err)

	for _, n := range []int{0, 3, 7, 12, len(data) / 2, len(data) - 1} {
		assert.Error(t, New().Read(data[:n]), "truncated at %d bytes", n)
	}
}

func TestRead_BatchSizeSubstitution(t *testing.T) {
	f := New()
	f.AddVariable("x", Float32, Dims(-1, 4))
	data, err := f.Marshal()
	require.NoError(t, err)

	g := New()
	g.BatchSize = 32
	require.NoError(t, g.Read(data))
	assert.True(t, g.Var("x").Shape.Equal(Dims(32, 4)))
}

func TestLoadSave(t *testing.T) {
	f := buildSerializableFlow()
	path := filepath.Join(t.TempDir(), "model.flow")

	require.NoError(t, f.Save(path, Version))

	g, err := Load(path)
	require.NoError(t, err)
	assert.NotNil(t, g.Op("matmul0"))
	assert.NotNil(t, g.Var("x"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.flow"))
	assert.Error(t, err)
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-ml/loom/internal/flow"
	"github.com/loom-ml/loom/internal/testutil"
)

// buildModel constructs a small linear model with a vocabulary blob.
func buildModel(t *testing.T, name string) *flow.Flow {
	t.Helper()
	f := flow.New()
	fn := f.AddFunction("forward")

	x := f.AddVariable(name, flow.Float32, flow.Dims(1, 2))
	x.In = true
	w := f.AddConstant("W", flow.Float32, flow.Dims(2, 2), testutil.FloatBytes(1, 0, 0, 1))
	y := f.AddVariable("y", flow.Float32, flow.Dims(1, 2))
	y.Out = true

	op := f.AddOperation(fn, "mm", "MatMul")
	op.AddInput(x)
	op.AddInput(w)
	op.AddOutput(y)

	blob := f.AddBlob("vocab", "dict")
	blob.Data = []byte("lexicon")
	return f
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	models, err := s2.ListModels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, models)
}

func TestSaveModel_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	f := buildModel(t, "x")

	hash, err := s.SaveModel(ctx, "linear", f)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	loaded, err := s.LoadModel(ctx, hash)
	require.NoError(t, err)
	assert.NotNil(t, loaded.Var("x"))
	assert.NotNil(t, loaded.Op("mm"))
	require.NotNil(t, loaded.Blob("vocab"))
	assert.Equal(t, []byte("lexicon"), loaded.Blob("vocab").Data)

	w := loaded.Var("W")
	require.NotNil(t, w)
	assert.Equal(t, testutil.FloatBytes(1, 0, 0, 1), w.Data)
}

func TestSaveModel_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h1, err := s.SaveModel(ctx, "linear", buildModel(t, "x"))
	require.NoError(t, err)
	h2, err := s.SaveModel(ctx, "linear", buildModel(t, "x"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	models, err := s.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "linear", models[0].Name)
	assert.Equal(t, flow.Version, models[0].Version)
	assert.Positive(t, models[0].Size)
}

func TestModelHash_UnicodeNormalization(t *testing.T) {
	// The same input name in composed and decomposed form hashes alike.
	composed := buildModel(t, "café")
	decomposed := buildModel(t, "café")
	assert.Equal(t, ModelHash(composed), ModelHash(decomposed))

	other := buildModel(t, "latte")
	assert.NotEqual(t, ModelHash(composed), ModelHash(other))
}

func TestLoadModel_Unknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadModel(context.Background(), "deadbeef")
	require.Error(t, err)
}

func TestRecordRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hash, err := s.SaveModel(ctx, "linear", buildModel(t, "x"))
	require.NoError(t, err)

	id1, err := s.RecordRun(ctx, hash, "forward", 1, 125*time.Microsecond)
	require.NoError(t, err)
	id2, err := s.RecordRun(ctx, hash, "forward", 1, 98*time.Microsecond)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	runs, err := s.ListRuns(ctx, hash)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, id1, runs[0].ID)
	assert.Equal(t, "forward", runs[0].Cell)
	assert.Equal(t, 125*time.Microsecond, runs[0].Elapsed)
}

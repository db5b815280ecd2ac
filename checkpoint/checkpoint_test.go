package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestContext builds a small context with a known parameter mapping. The
// values are exactly representable in float32 so comparisons are exact.
func newTestContext(weights [][]float32, biases []float32) *context.Context {
	ctx := context.New()
	ctx.In("model").In("dense").VariableWithValue("weights", weights)
	ctx.In("model").In("dense").VariableWithValue("biases", biases)
	return ctx
}

func inspect(t *testing.T, ctx *context.Context, scope, name string) *context.Variable {
	v := ctx.InspectVariable(scope, name)
	require.NotNilf(t, v, "variable %s/%s not found", scope, name)
	return v
}

func TestEpochPath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("base", "detection", "rocnn", "rocnn_epoch_7.bin"),
		EpochPath("base", "detection", "rocnn", 7))
}

func TestSaveCreatesDirectories(t *testing.T) {
	ctx := newTestContext([][]float32{{1, 2}, {3, 4}}, []float32{0.5, -0.5})
	path := filepath.Join(t.TempDir(), "a", "b", "c.bin")

	saved, err := Save(ctx, path, false)
	require.NoError(t, err)
	require.True(t, saved)
	_, err = os.Stat(path)
	require.NoError(t, err)

	// Saving again into the now existing directories must still work.
	saved, err = Save(ctx, path, true)
	require.NoError(t, err)
	require.True(t, saved)
}

func TestSaveNoClobber(t *testing.T) {
	ctx := newTestContext([][]float32{{1, 2}, {3, 4}}, []float32{0.5, -0.5})
	path := filepath.Join(t.TempDir(), "model.bin")
	saved, err := Save(ctx, path, false)
	require.NoError(t, err)
	require.True(t, saved)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// Change a value: a skipped save must not leak it to disk.
	inspect(t, ctx, "/model/dense", "biases").SetValue(tensors.FromFlatDataAndDimensions([]float32{9, 9}, 2))
	saved, err = Save(ctx, path, false)
	require.NoError(t, err)
	assert.False(t, saved)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// With overwrite the new value lands.
	saved, err = Save(ctx, path, true)
	require.NoError(t, err)
	require.True(t, saved)
	after, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestRoundTrip(t *testing.T) {
	src := newTestContext([][]float32{{0.125, -1.25}, {2.5, 3.75}}, []float32{0.0625, -0.5})
	frozen := inspect(t, src, "/model/dense", "biases")
	frozen.Trainable = false

	path := filepath.Join(t.TempDir(), "model.bin")
	saved, err := Save(src, path, false)
	require.NoError(t, err)
	require.True(t, saved)

	dst := newTestContext([][]float32{{0, 0}, {0, 0}}, []float32{0, 0})
	require.NoError(t, Restore(dst, path))

	for _, name := range []string{"weights", "biases"} {
		want := inspect(t, src, "/model/dense", name)
		got := inspect(t, dst, "/model/dense", name)
		assert.Truef(t, want.Value().Equal(got.Value()), "parameter %q did not round-trip bit-exactly", name)
		assert.Equal(t, want.Trainable, got.Trainable, "parameter %q trainable flag", name)
	}
}

func TestRestoreMissingFile(t *testing.T) {
	ctx := newTestContext([][]float32{{1}}, []float32{1})
	err := Restore(ctx, filepath.Join(t.TempDir(), "nowhere.bin"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRestoreParameterMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	src := newTestContext([][]float32{{1, 2}, {3, 4}}, []float32{5, 6})
	saved, err := Save(src, path, false)
	require.NoError(t, err)
	require.True(t, saved)

	t.Run("missing parameter", func(t *testing.T) {
		dst := newTestContext([][]float32{{0, 0}, {0, 0}}, []float32{0, 0})
		dst.In("model").VariableWithValue("gamma", []float32{1})
		err := Restore(dst, path)
		require.ErrorIs(t, err, ErrParameterMismatch)
		assert.Contains(t, err.Error(), "gamma")
	})

	t.Run("unexpected parameter", func(t *testing.T) {
		dst := context.New()
		dst.In("model").In("dense").VariableWithValue("weights", [][]float32{{0, 0}, {0, 0}})
		err := Restore(dst, path)
		require.ErrorIs(t, err, ErrParameterMismatch)
		assert.Contains(t, err.Error(), "biases")
	})

	t.Run("shape mismatch", func(t *testing.T) {
		dst := newTestContext([][]float32{{0, 0, 0}, {0, 0, 0}}, []float32{0, 0})
		err := Restore(dst, path)
		require.ErrorIs(t, err, ErrParameterMismatch)
	})
}

// TestRestoreMismatchLeavesContextUntouched checks that a failed restore
// never partially hydrates the model.
func TestRestoreMismatchLeavesContextUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	src := newTestContext([][]float32{{1, 2}, {3, 4}}, []float32{5, 6})
	saved, err := Save(src, path, false)
	require.NoError(t, err)
	require.True(t, saved)

	// Same names, one shape off: weights would match, biases would not.
	dst := context.New()
	dst.In("model").In("dense").VariableWithValue("weights", [][]float32{{0, 0}, {0, 0}})
	dst.In("model").In("dense").VariableWithValue("biases", []float32{0, 0, 0})
	err = Restore(dst, path)
	require.ErrorIs(t, err, ErrParameterMismatch)

	weights := inspect(t, dst, "/model/dense", "weights")
	assert.Equal(t, [][]float32{{0, 0}, {0, 0}}, weights.Value().Value())
}

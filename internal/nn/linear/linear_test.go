package linear

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/6un9-h0-Dan/ELF/internal/nn"
	"github.com/6un9-h0-Dan/ELF/internal/smem"
)

// newTestMem builds a batch with the given states as the input field.
func newTestMem(t *testing.T, cfg nn.Config, states [][]float32) *smem.Mem {
	t.Helper()
	mem := smem.NewMem(cfg.Schema(), len(states))
	flat := mem.Float32(nn.FieldState)
	for ii, state := range states {
		require.Len(t, state, cfg.InputDim)
		copy(flat[ii*cfg.InputDim:], state)
	}
	return mem
}

func TestKnownWeights(t *testing.T) {
	cfg := nn.Config{InputDim: 2, NumActions: 2}
	e, err := NewWithWeights(cfg, []float32{
		// Value row: weights then bias.
		0.5, -0.25, 0.25,
		// Action 0 row.
		1, 0, 0,
		// Action 1 row.
		0, 1, 2,
	})
	require.NoError(t, err)

	mem := newTestMem(t, cfg, [][]float32{{1, 0}, {0, 1}})
	require.NoError(t, e.BatchInfer(mem))

	values := mem.Float32(nn.FieldValue)
	policies := mem.Float32(nn.FieldPolicy)
	actions := mem.Int32(nn.FieldAction)

	// Row 0: value logit 0.75, policy logits [1, 2].
	require.InDelta(t, 0.63514895, values[0], 1e-5)
	require.InDelta(t, 0.26894143, policies[0], 1e-5)
	require.InDelta(t, 0.73105860, policies[1], 1e-5)
	require.EqualValues(t, 1, actions[0])

	// Row 1: value logit 0, policy logits [0, 3].
	require.InDelta(t, 0, values[1], 1e-6)
	require.InDelta(t, 0.04742587, policies[2], 1e-5)
	require.InDelta(t, 0.95257413, policies[3], 1e-5)
	require.EqualValues(t, 1, actions[1])
}

func TestNewWithWeightsRejectsWrongCount(t *testing.T) {
	cfg := nn.Config{InputDim: 2, NumActions: 2}
	_, err := NewWithWeights(cfg, make([]float32, 8))
	require.ErrorContains(t, err, "needs 9 weights")
}

func TestOutputsWellFormed(t *testing.T) {
	cfg := nn.Config{InputDim: 5, NumActions: 7}
	e, err := LoadOrCreate(cfg, "", 17)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	states := make([][]float32, 16)
	for ii := range states {
		states[ii] = make([]float32, cfg.InputDim)
		for jj := range states[ii] {
			states[ii][jj] = float32(rng.NormFloat64())
		}
	}
	mem := newTestMem(t, cfg, states)
	require.NoError(t, e.BatchInfer(mem))

	values := mem.Float32(nn.FieldValue)
	policies := mem.Float32(nn.FieldPolicy)
	actions := mem.Int32(nn.FieldAction)
	for row := range len(states) {
		require.Greater(t, values[row], float32(-1))
		require.Less(t, values[row], float32(1))

		policy := policies[row*cfg.NumActions : (row+1)*cfg.NumActions]
		var total float32
		best := 0
		for a, p := range policy {
			require.Greater(t, p, float32(0))
			total += p
			if p > policy[best] {
				best = a
			}
		}
		require.InDelta(t, 1, total, 1e-4)
		require.EqualValues(t, best, actions[row], "row %d action must be the policy argmax", row)
	}
}

func TestDeterministicAcrossInstances(t *testing.T) {
	cfg := nn.Config{InputDim: 4, NumActions: 3}
	e1, err := LoadOrCreate(cfg, "", 7)
	require.NoError(t, err)
	e2, err := LoadOrCreate(cfg, "", 7)
	require.NoError(t, err)
	require.NoError(t, e1.Refresh(3))
	require.NoError(t, e2.Refresh(3))

	states := [][]float32{{1, 2, 3, 4}, {-1, 0, 1, 0}}
	mem1 := newTestMem(t, cfg, states)
	mem2 := newTestMem(t, cfg, states)
	require.NoError(t, e1.BatchInfer(mem1))
	require.NoError(t, e2.BatchInfer(mem2))
	require.Equal(t, mem1.Float32(nn.FieldValue), mem2.Float32(nn.FieldValue))
	require.Equal(t, mem1.Float32(nn.FieldPolicy), mem2.Float32(nn.FieldPolicy))

	// A different version must change the weights.
	require.NoError(t, e2.Refresh(4))
	mem3 := newTestMem(t, cfg, states)
	require.NoError(t, e2.BatchInfer(mem3))
	require.NotEqual(t, mem1.Float32(nn.FieldValue), mem3.Float32(nn.FieldValue))
	require.Contains(t, e2.String(), "version=4")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := nn.Config{InputDim: 3, NumActions: 2}
	file := filepath.Join(t.TempDir(), "linear.model")

	e1, err := LoadOrCreate(cfg, file, 11)
	require.NoError(t, err)
	require.NoError(t, e1.Refresh(2))
	require.FileExists(t, file)

	// A different seed must not matter once the file exists.
	e2, err := LoadOrCreate(cfg, file, 99)
	require.NoError(t, err)

	states := [][]float32{{0.5, -0.5, 1}}
	mem1 := newTestMem(t, cfg, states)
	mem2 := newTestMem(t, cfg, states)
	require.NoError(t, e1.BatchInfer(mem1))
	require.NoError(t, e2.BatchInfer(mem2))
	require.InDeltaSlice(t, mem1.Float32(nn.FieldValue), mem2.Float32(nn.FieldValue), 1e-5)
	require.InDeltaSlice(t, mem1.Float32(nn.FieldPolicy), mem2.Float32(nn.FieldPolicy), 1e-5)

	// The next save keeps a backup of the previous file.
	require.NoError(t, e1.Refresh(3))
	require.FileExists(t, file+"~")
}

func TestLoadSkipsCommentsAndBlankLines(t *testing.T) {
	cfg := nn.Config{InputDim: 1, NumActions: 1}
	file := filepath.Join(t.TempDir(), "linear.model")
	require.NoError(t, os.WriteFile(file, []byte("# a comment\n0.5\n\n-0.25\n1\n2\n"), 0644))

	e, err := LoadOrCreate(cfg, file, 0)
	require.NoError(t, err)
	require.Equal(t, []float32{0.5, -0.25, 1, 2}, e.weights)
}

func TestLoadRejectsWrongCount(t *testing.T) {
	cfg := nn.Config{InputDim: 2, NumActions: 2}
	file := filepath.Join(t.TempDir(), "linear.model")
	require.NoError(t, os.WriteFile(file, []byte("1\n2\n3\n"), 0644))

	_, err := LoadOrCreate(cfg, file, 0)
	require.ErrorContains(t, err, "holds 3 weights")
}

func TestEngineFromConfigString(t *testing.T) {
	cfg := nn.Config{InputDim: 2, NumActions: 3}
	e, err := nn.New(cfg, "linear:seed=7")
	require.NoError(t, err)
	require.Contains(t, e.String(), "linear")

	_, err = nn.New(cfg, "linear:bogus=1")
	require.ErrorContains(t, err, "bogus")
}

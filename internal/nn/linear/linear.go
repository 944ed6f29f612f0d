// Package linear implements a pure Go inference engine: a linear value head
// squashed by tanh and a linear policy head normalized by softmax. It is the
// default engine, cheap enough for tests and the loopback demo mode.
package linear

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/6un9-h0-Dan/ELF/internal/nn"
	"github.com/6un9-h0-Dan/ELF/internal/params"
	"github.com/6un9-h0-Dan/ELF/internal/records"
	"github.com/6un9-h0-Dan/ELF/internal/smem"
)

// Engine is a linear model over the flattened state: one row of weights per
// output (value first, then one per action), each row with a trailing bias.
// It implements nn.Engine.
type Engine struct {
	cfg nn.Config

	// Guards weights and version. Refresh swaps the weights slice wholesale,
	// so inference only needs the lock to snapshot the reference.
	mu      sync.Mutex
	weights []float32
	version records.Version

	seed int64

	// FileName where to save/load the model from. Empty disables persistence.
	FileName string
	muSave   sync.Mutex
}

// Assert Engine implements nn.Engine.
var _ nn.Engine = (*Engine)(nil)

// Module creates linear engines. It registers itself under the name "linear".
type Module struct{}

// Assert Module implements nn.Module.
var _ nn.Module = (*Module)(nil)

func init() {
	nn.RegisterModule("linear", &Module{})
}

// NewEngine implements nn.Module. Accepted parameters:
//
//	file: model file to load from and save to. If the file doesn't exist,
//		a model is created with seeded weights.
//	seed: base of the per-version weight derivation.
func (m *Module) NewEngine(cfg nn.Config, p params.Params) (nn.Engine, error) {
	fileName, err := params.PopParamOr(p, "file", "")
	if err != nil {
		return nil, err
	}
	seed, err := params.PopParamOr(p, "seed", 42)
	if err != nil {
		return nil, err
	}
	if err := p.CheckExhausted(); err != nil {
		return nil, errors.WithMessage(err, "linear engine parameters")
	}
	return LoadOrCreate(cfg, fileName, int64(seed))
}

// rowDim is the weights per output row: one per state value plus the bias.
func rowDim(cfg nn.Config) int { return cfg.InputDim + 1 }

// numWeights is the full parameter count: the value row plus one row per action.
func numWeights(cfg nn.Config) int { return (cfg.NumActions + 1) * rowDim(cfg) }

// NewWithWeights creates an Engine with the given weights.
// Ownership of the weights is transferred.
func NewWithWeights(cfg nn.Config, weights []float32) (*Engine, error) {
	if len(weights) != numWeights(cfg) {
		return nil, errors.Errorf("linear model needs %d weights for input dim %d and %d actions, got %d",
			numWeights(cfg), cfg.InputDim, cfg.NumActions, len(weights))
	}
	return &Engine{cfg: cfg, weights: weights, seed: 42}, nil
}

// LoadOrCreate loads the model from fileName or creates one with weights
// derived from the seed. The engine keeps fileName and saves to it on every
// Refresh.
func LoadOrCreate(cfg nn.Config, fileName string, seed int64) (*Engine, error) {
	e := &Engine{cfg: cfg, seed: seed, FileName: fileName}
	if fileName == "" {
		e.weights = e.deriveWeights(0)
		return e, nil
	}

	_, err := os.Stat(fileName)
	if os.IsNotExist(err) {
		e.weights = e.deriveWeights(0)
		klog.V(1).Infof("New linear model created for %s with %d weights", fileName, len(e.weights))
		return e, nil
	}

	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "LoadOrCreate failed to read file %s", fileName)
	}
	valuesStr := strings.Split(string(data), "\n")
	weights := make([]float32, 0, len(valuesStr))
	for lineNum, valueStr := range valuesStr {
		valueStr = strings.TrimSpace(valueStr)
		if valueStr == "" || strings.HasPrefix(valueStr, "#") || strings.HasPrefix(valueStr, "//") {
			// Skip empty lines and comments.
			continue
		}
		f64, err := strconv.ParseFloat(valueStr, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "LoadOrCreate failed to parse value in file %s, at line number #%d",
				fileName, lineNum+1)
		}
		weights = append(weights, float32(f64))
	}
	if len(weights) != numWeights(cfg) {
		return nil, errors.Errorf("model file %s holds %d weights, but input dim %d and %d actions need %d",
			fileName, len(weights), cfg.InputDim, cfg.NumActions, numWeights(cfg))
	}
	e.weights = weights
	return e, nil
}

// deriveWeights builds the weights of a model version: uniform in
// [-scale, scale] from a generator seeded by the version, so every process
// sharing the seed derives identical weights for the same version.
func (e *Engine) deriveWeights(version records.Version) []float32 {
	rng := rand.New(rand.NewSource(e.seed + int64(version)*1000003))
	scale := 1 / math32.Sqrt(float32(rowDim(e.cfg)))
	weights := make([]float32, numWeights(e.cfg))
	for ii := range weights {
		weights[ii] = scale * (2*rng.Float32() - 1)
	}
	return weights
}

// snapshot returns the current weights reference and version.
func (e *Engine) snapshot() ([]float32, records.Version) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weights, e.version
}

// logit is the dot product of one weight row with the state, bias last.
func logit(row, state []float32) float32 {
	sum := row[len(row)-1]
	for ii, s := range state {
		sum += s * row[ii]
	}
	return sum
}

// BatchInfer implements nn.Engine. It fills the value, policy and action
// fields of every row of mem from the state field.
func (e *Engine) BatchInfer(mem *smem.Mem) error {
	weights, _ := e.snapshot()
	dim := e.cfg.InputDim
	rd := rowDim(e.cfg)

	states := mem.Float32(nn.FieldState)
	values := mem.Float32(nn.FieldValue)
	policies := mem.Float32(nn.FieldPolicy)
	actions := mem.Int32(nn.FieldAction)

	valueRow := weights[:rd]
	for row := range mem.BatchSize() {
		state := states[row*dim : (row+1)*dim]
		values[row] = math32.Tanh(logit(valueRow, state))

		policy := policies[row*e.cfg.NumActions : (row+1)*e.cfg.NumActions]
		maxLogit := math32.Inf(-1)
		best := 0
		for a := range e.cfg.NumActions {
			actionRow := weights[(a+1)*rd : (a+2)*rd]
			policy[a] = logit(actionRow, state)
			if policy[a] > maxLogit {
				maxLogit = policy[a]
				best = a
			}
		}
		// Stable softmax: shift by the max logit before exponentiating.
		var total float32
		for a := range policy {
			policy[a] = math32.Exp(policy[a] - maxLogit)
			total += policy[a]
		}
		for a := range policy {
			policy[a] /= total
		}
		actions[row] = int32(best)
	}
	return nil
}

// Refresh implements nn.Engine: it derives the weights of the given version
// and, if a file name was configured, persists them.
func (e *Engine) Refresh(version records.Version) error {
	weights := e.deriveWeights(version)
	e.mu.Lock()
	e.weights = weights
	e.version = version
	e.mu.Unlock()
	return e.Save()
}

// Save model to e.FileName.
func (e *Engine) Save() error {
	e.muSave.Lock()
	defer e.muSave.Unlock()

	if e.FileName == "" {
		return nil
	}
	weights, _ := e.snapshot()

	// Rename existing file, if it exists.
	file := e.FileName
	if _, err := os.Stat(file); err == nil {
		err = os.Rename(file, file+"~")
		if err != nil {
			return errors.Wrapf(err, "failed to rename %s to %s", e.FileName, e.FileName+"~")
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to stat %s", e.FileName)
	}

	valuesStr := make([]string, len(weights))
	for ii, value := range weights {
		valuesStr[ii] = fmt.Sprintf("%g", value)
	}
	allValues := strings.Join(valuesStr, "\n")

	err := os.WriteFile(e.FileName, []byte(allValues), 0777)
	if err != nil {
		return errors.Wrapf(err, "failed to save %s", e.FileName)
	}
	return nil
}

// String implements fmt.Stringer.
func (e *Engine) String() string {
	_, version := e.snapshot()
	return fmt.Sprintf("linear(dim=%d, actions=%d, version=%d)", e.cfg.InputDim, e.cfg.NumActions, version)
}

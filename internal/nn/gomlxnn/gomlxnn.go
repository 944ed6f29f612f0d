// Package gomlxnn implements the GoMLX inference engine: a feed-forward
// network over the flattened state with a tanh value head and a softmax
// policy head, with per-version checkpoint directories.
package gomlxnn

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/6un9-h0-Dan/ELF/internal/nn"
	"github.com/6un9-h0-Dan/ELF/internal/params"
	"github.com/6un9-h0-Dan/ELF/internal/records"
	"github.com/6un9-h0-Dan/ELF/internal/smem"
)

var (
	// Backend is a singleton, the same for all engines.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })
)

// Engine wraps a GoMLX FNN model. It implements nn.Engine.
//
// Each model version lives in its own context: Refresh builds a fresh one,
// loading the version's checkpoint when it exists and initializing new
// weights when it doesn't.
type Engine struct {
	cfg       nn.Config
	ctxParams map[string]any

	// baseDir of the per-version checkpoint directories. Empty disables
	// checkpoints.
	baseDir string

	// Guards the current context and its executor. The executor is created
	// lazily: construction and Refresh stay host-only, the backend is only
	// reached when a batch runs.
	mu         sync.RWMutex
	ctx        *context.Context
	inferExec  *context.Exec
	checkpoint *checkpoints.Handler
	version    records.Version
}

// Assert Engine implements nn.Engine.
var _ nn.Engine = (*Engine)(nil)

// Module creates GoMLX FNN engines. It registers itself under the name "fnn".
type Module struct{}

// Assert Module implements nn.Module.
var _ nn.Module = (*Module)(nil)

func init() {
	nn.RegisterModule("fnn", &Module{})
}

// NewEngine implements nn.Module. Accepted parameters:
//
//	checkpoint: base directory holding one checkpoint directory per model
//		version. If empty, versions are initialized fresh and never saved.
//	hidden_layers, hidden_nodes: FNN shape.
//	activation, normalization: layer hyperparameters, see GoMLX fnn layers.
func (m *Module) NewEngine(cfg nn.Config, p params.Params) (nn.Engine, error) {
	baseDir, err := params.PopParamOr(p, "checkpoint", "")
	if err != nil {
		return nil, err
	}
	hiddenLayers, err := params.PopParamOr(p, "hidden_layers", 2)
	if err != nil {
		return nil, err
	}
	hiddenNodes, err := params.PopParamOr(p, "hidden_nodes", 32)
	if err != nil {
		return nil, err
	}
	activation, err := params.PopParamOr(p, "activation", "sigmoid")
	if err != nil {
		return nil, err
	}
	normalization, err := params.PopParamOr(p, "normalization", "layer")
	if err != nil {
		return nil, err
	}
	if err := p.CheckExhausted(); err != nil {
		return nil, errors.WithMessage(err, "fnn engine parameters")
	}

	e := &Engine{
		cfg:     cfg,
		baseDir: baseDir,
		ctxParams: map[string]any{
			activations.ParamActivation: activation,
			layers.ParamDropoutRate:     0.0,
			regularizers.ParamL2:        1e-5,
			regularizers.ParamL1:        1e-5,

			fnnLayer.ParamNumHiddenLayers: hiddenLayers,
			fnnLayer.ParamNumHiddenNodes:  hiddenNodes,
			fnnLayer.ParamResidual:        true,
			fnnLayer.ParamNormalization:   normalization,
		},
	}
	ctx, checkpoint, err := e.buildContext(0)
	if err != nil {
		return nil, err
	}
	e.ctx, e.checkpoint = ctx, checkpoint
	return e, nil
}

// versionDir returns the checkpoint directory of one model version.
func (e *Engine) versionDir(version records.Version) string {
	return filepath.Join(e.baseDir, fmt.Sprintf("%06d", version))
}

// hasCheckpoint reports whether a version's checkpoint was already written.
func (e *Engine) hasCheckpoint(version records.Version) bool {
	if e.baseDir == "" {
		return false
	}
	entries, err := os.ReadDir(e.versionDir(version))
	return err == nil && len(entries) > 0
}

// buildContext creates the context of a model version with fresh RNG state
// and the configured hyperparameters, attaching the version's checkpoint
// when a base directory was configured.
func (e *Engine) buildContext(version records.Version) (*context.Context, *checkpoints.Handler, error) {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(e.ctxParams)
	ctx = ctx.Checked(false)

	if e.baseDir == "" {
		return ctx, nil, nil
	}
	checkpoint, err := checkpoints.
		Build(ctx).
		Dir(e.versionDir(version)).
		Immediate().
		Done()
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to build checkpoint for model version %d in path %s",
			version, e.versionDir(version))
	}
	return ctx, checkpoint, nil
}

// forwardGraph builds the model: value in (-1, 1), softmax policy and the
// argmax action, all from the flattened state.
func (e *Engine) forwardGraph(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
	state := inputs[0]
	batchSize := state.Shape().Dim(0)

	valueLogit := fnnLayer.New(ctx.In("value"), state, 1).Done()
	valueLogit.AssertDims(batchSize, 1)
	value := graph.Squeeze(graph.MulScalar(graph.Tanh(valueLogit), 0.99), -1)

	policyLogits := fnnLayer.New(ctx.In("policy"), state, e.cfg.NumActions).Done()
	policyLogits.AssertDims(batchSize, e.cfg.NumActions)
	policy := graph.Softmax(policyLogits)
	action := graph.ArgMax(policyLogits, -1, dtypes.Int32)

	return []*graph.Node{value, policy, action}
}

// getExec returns the current executor, creating it on first use.
func (e *Engine) getExec() (exec *context.Exec, err error) {
	e.mu.RLock()
	exec = e.inferExec
	e.mu.RUnlock()
	if exec != nil {
		return
	}
	err = exceptions.TryCatch[error](func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.inferExec == nil {
			e.inferExec = context.NewExec(backend(), e.ctx, e.forwardGraph)
		}
		exec = e.inferExec
	})
	return
}

// BatchInfer implements nn.Engine. It fills the value, policy and action
// fields of every row of mem from the state field.
func (e *Engine) BatchInfer(mem *smem.Mem) error {
	exec, err := e.getExec()
	if err != nil {
		return errors.WithMessage(err, "building the inference executor")
	}

	batchSize := mem.BatchSize()
	states := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, e.cfg.InputDim))
	tensors.MutableFlatData(states, func(flat []float32) {
		copy(flat, mem.Float32(nn.FieldState))
	})

	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs = exec.Call(graph.DonateTensorBuffer(states, backend()))
	})
	if err != nil {
		return errors.WithMessagef(err, "batch inference of %d rows", batchSize)
	}
	copy(mem.Float32(nn.FieldValue), tensors.CopyFlatData[float32](outputs[0]))
	copy(mem.Float32(nn.FieldPolicy), tensors.CopyFlatData[float32](outputs[1]))
	copy(mem.Int32(nn.FieldAction), tensors.CopyFlatData[int32](outputs[2]))
	return nil
}

// Refresh implements nn.Engine: it swaps in a fresh context for the version,
// loading the version's checkpoint when one was written and persisting newly
// initialized weights when not.
func (e *Engine) Refresh(version records.Version) error {
	hadCheckpoint := e.hasCheckpoint(version)
	ctx, checkpoint, err := e.buildContext(version)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.ctx, e.checkpoint, e.version = ctx, checkpoint, version
	e.inferExec = nil
	e.mu.Unlock()
	klog.V(1).Infof("Refreshed fnn engine to version %d (checkpoint loaded: %v)", version, hadCheckpoint)

	if checkpoint == nil || hadCheckpoint {
		return nil
	}
	// Variables only exist after one graph execution, so run a single row
	// through before saving the fresh weights.
	warm := smem.NewMem(e.cfg.Schema(), 1)
	if err := e.BatchInfer(warm); err != nil {
		return errors.WithMessagef(err, "initializing weights of model version %d", version)
	}
	if err := checkpoint.Save(); err != nil {
		return errors.Wrapf(err, "failed to save checkpoint of model version %d", version)
	}
	return nil
}

// String implements fmt.Stringer.
func (e *Engine) String() string {
	e.mu.RLock()
	version := e.version
	e.mu.RUnlock()
	if e.baseDir == "" {
		return fmt.Sprintf("fnn[GoMLX](dim=%d, actions=%d, version=%d)", e.cfg.InputDim, e.cfg.NumActions, version)
	}
	return fmt.Sprintf("fnn[GoMLX](dim=%d, actions=%d, version=%d)@%s", e.cfg.InputDim, e.cfg.NumActions, version, e.baseDir)
}

// Package nn defines the inference engine contract of the training loop and
// the batch schema engines consume. Concrete engines register themselves as
// modules and are selected through the request's engine configuration string.
package nn

import (
	"github.com/6un9-h0-Dan/ELF/internal/records"
	"github.com/6un9-h0-Dan/ELF/internal/smem"
)

// Field names of the batch schema. Workers fill the state, engines fill the
// rest.
const (
	// FieldState is the flattened board representation, the only input field.
	FieldState = "s"
	// FieldAction is the engine-chosen action index.
	FieldAction = "a"
	// FieldValue is the value estimate in [-1, 1] from the mover's side.
	FieldValue = "V"
	// FieldPolicy is the normalized policy over all actions.
	FieldPolicy = "pi"
)

// Config fixes the tensor dimensions of one game.
type Config struct {
	InputDim   int
	NumActions int
}

// Schema returns the batch schema for these dimensions.
func (c Config) Schema() *smem.Schema {
	return smem.NewSchema().
		AddFloat32(FieldState, c.InputDim).
		AddInt32(FieldAction, 1).
		AddFloat32(FieldValue, 1).
		AddFloat32(FieldPolicy, c.NumActions).
		MarkInputs(FieldState)
}

// Engine runs batched inference in place over a shared buffer.
type Engine interface {
	// BatchInfer reads the input fields of every row of mem and writes the
	// reply fields. Implementations must be safe for concurrent calls.
	BatchInfer(mem *smem.Mem) error

	// Refresh moves the engine to the weights of the given model version,
	// after the training loop advanced them.
	Refresh(version records.Version) error

	// String returns a short description for logging.
	String() string
}

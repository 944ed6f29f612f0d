// Package engines registers the inference engines that can be selected
// through an engine configuration string: the pure Go linear engine and the
// GoMLX FNN.
//
// Import it for side effects from any front-end that creates engines.
package engines

import (
	_ "github.com/6un9-h0-Dan/ELF/internal/nn/gomlxnn"
	_ "github.com/6un9-h0-Dan/ELF/internal/nn/linear"
)

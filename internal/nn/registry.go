package nn

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/6un9-h0-Dan/ELF/internal/params"
)

// Module must implement NewEngine, called once at server start.
type Module interface {
	NewEngine(cfg Config, p params.Params) (Engine, error)
}

// moduleRegistration is a reference to the module and its name.
type moduleRegistration struct {
	Module
	Name string
}

var (
	// Registered external modules.
	keywordToModules = make(map[string]moduleRegistration)
)

// RegisterModule so it can be selected by an engine configuration string.
func RegisterModule(name string, module Module) {
	keywordToModules[name] = moduleRegistration{Name: name, Module: module}
}

// DefaultEngineConfig is used if no configuration was given.
var DefaultEngineConfig = "linear"

// New creates an inference engine given the configuration string.
//
// Args:
//
//	config: the engine name optionally followed by a colon (":") and a
//		comma-separated list of parameters with optional values, e.g.
//		"fnn:hidden_dim=64". If empty, DefaultEngineConfig is used.
func New(cfg Config, config string) (Engine, error) {
	if config == "" {
		config = DefaultEngineConfig
	}

	moduleName := config
	if moduleSplit := strings.Index(config, ":"); moduleSplit != -1 {
		moduleName = config[:moduleSplit]
		config = config[moduleSplit+1:]
	} else {
		config = ""
	}
	module, ok := keywordToModules[moduleName]
	if !ok {
		return nil, errors.Errorf("unknown inference engine %q", moduleName)
	}

	engine, err := module.NewEngine(cfg, params.NewFromConfigString(config))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create inference engine %q", moduleName)
	}
	return engine, nil
}

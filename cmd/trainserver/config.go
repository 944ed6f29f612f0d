package main

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/6un9-h0-Dan/ELF/internal/nn"
	"github.com/6un9-h0-Dan/ELF/internal/selfplay"
	"github.com/6un9-h0-Dan/ELF/internal/worker"
)

// Options holds everything one training run needs. A YAML file (-config) sets
// them in bulk; explicit flags override individual fields afterwards.
type Options struct {
	// Addr is the TCP address workers connect to.
	Addr string `yaml:"addr"`

	// NumClients fixes the lane partition: at most this many workers may be
	// connected at once.
	NumClients int `yaml:"num_clients"`

	// Engine configures the inference engine, e.g. "linear:seed=42" or
	// "fnn:checkpoint=/tmp/run,hidden_layers=2". The same string is handed to
	// workers inside their play requests.
	Engine string `yaml:"engine"`

	// InputDim and NumActions fix the sample geometry shared with workers.
	InputDim   int `yaml:"input_dim"`
	NumActions int `yaml:"num_actions"`

	// BatchSize positions per slot, NumSlots slots and InferThreads inference
	// goroutines size the batching plane.
	BatchSize    int `yaml:"batch_size"`
	NumSlots     int `yaml:"num_slots"`
	InferThreads int `yaml:"infer_threads"`

	// Label names the slot pool workers address their samples to.
	Label string `yaml:"label"`

	// RecordsDir receives the flushed episode batches.
	RecordsDir string `yaml:"records_dir"`

	// ServerID tags the record batches of this run.
	ServerID string `yaml:"server_id"`

	// SelfplayInitNum fresh episodes unlock a version's first weight update,
	// every SelfplayUpdateNum after that the next.
	SelfplayInitNum   int64 `yaml:"selfplay_init_num"`
	SelfplayUpdateNum int64 `yaml:"selfplay_update_num"`

	// NeverResignProb, MinResignMoves and Async are stamped onto every play
	// request handed to workers.
	NeverResignProb float32 `yaml:"never_resign_prob"`
	MinResignMoves  int     `yaml:"min_resign_moves"`
	Async           bool    `yaml:"async"`

	// MaxVersions bounds the per-version records kept in memory.
	MaxVersions int `yaml:"max_versions"`

	// UpdatesPerVersion weight updates advance the model version handed to
	// workers by one.
	UpdatesPerVersion int `yaml:"updates_per_version"`

	// TrainPoll and ReportEvery are flag-only cadences: how often the training
	// driver checks the sample thresholds and how often progress is logged.
	TrainPoll   time.Duration `yaml:"-"`
	ReportEvery time.Duration `yaml:"-"`

	// Loopback runs workers in-process instead of serving TCP.
	Loopback LoopbackOptions `yaml:"loopback"`
}

// LoopbackOptions configures the in-process worker pool of loopback mode.
type LoopbackOptions struct {
	// Workers > 0 enables loopback mode with that many episode loops.
	Workers int `yaml:"workers"`

	MaxMoves  int     `yaml:"max_moves"`
	WinDrift  float32 `yaml:"win_drift"`
	PollEvery int     `yaml:"poll_every"`
	Seed      int64   `yaml:"seed"`
}

// DefaultOptions returns a runnable configuration: linear engine, loopback
// disabled, controller thresholds matching selfplay.DefaultControllerOptions.
func DefaultOptions() Options {
	return Options{
		Addr:              ":7254",
		NumClients:        16,
		Engine:            "linear",
		InputDim:          8,
		NumActions:        4,
		BatchSize:         32,
		NumSlots:          4,
		InferThreads:      2,
		Label:             "actor",
		RecordsDir:        "selfplay-records",
		ServerID:          "local",
		SelfplayInitNum:   200,
		SelfplayUpdateNum: 100,
		NeverResignProb:   0.1,
		MinResignMoves:    10,
		MaxVersions:       8,
		UpdatesPerVersion: 10,
		TrainPoll:         200 * time.Millisecond,
		ReportEvery:       30 * time.Second,
		Loopback: LoopbackOptions{
			MaxMoves:  60,
			WinDrift:  3,
			PollEvery: 5,
			Seed:      1,
		},
	}
}

// LoadOptions overlays the YAML file at path onto opts. Unknown fields are an
// error, so typos in the file fail loudly.
func LoadOptions(path string, opts *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config %q", path)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(opts); err != nil {
		return errors.Wrapf(err, "failed to parse config %q", path)
	}
	return nil
}

// Validate returns an error if the options are unusable.
func (o Options) Validate() error {
	if o.Engine == "" {
		return errors.New("an engine configuration is required")
	}
	if o.InputDim < 1 || o.NumActions < 1 {
		return errors.Errorf("sample geometry must be positive, got input dim %d and %d actions",
			o.InputDim, o.NumActions)
	}
	if o.BatchSize < 1 || o.NumSlots < 1 || o.InferThreads < 1 {
		return errors.Errorf("batching plane needs positive sizes, got batch %d, slots %d, threads %d",
			o.BatchSize, o.NumSlots, o.InferThreads)
	}
	if o.UpdatesPerVersion < 1 {
		return errors.Errorf("updates per version must be positive, got %d", o.UpdatesPerVersion)
	}
	if o.TrainPoll <= 0 {
		return errors.Errorf("train poll cadence must be positive, got %s", o.TrainPoll)
	}
	if o.RecordsDir == "" {
		return errors.New("a records directory is required")
	}
	if o.Loopback.Workers == 0 {
		if o.Addr == "" {
			return errors.New("a listen address is required outside loopback mode")
		}
		if o.NumClients < 1 {
			return errors.Errorf("need at least one client slot, got %d", o.NumClients)
		}
	} else if o.Loopback.Workers < 0 {
		return errors.Errorf("loopback worker count must not be negative, got %d", o.Loopback.Workers)
	}
	return nil
}

func (o Options) nnConfig() nn.Config {
	return nn.Config{InputDim: o.InputDim, NumActions: o.NumActions}
}

func (o Options) controllerOptions() selfplay.ControllerOptions {
	copts := selfplay.DefaultControllerOptions()
	copts.ServerID = o.ServerID
	copts.SelfplayInitNum = o.SelfplayInitNum
	copts.SelfplayUpdateNum = o.SelfplayUpdateNum
	copts.NeverResignProb = o.NeverResignProb
	copts.MinResignMoves = o.MinResignMoves
	copts.Async = o.Async
	copts.MaxVersions = o.MaxVersions
	copts.AIConfig = o.Engine
	return copts
}

func (o Options) poolOptions() worker.PoolOptions {
	wopts := worker.DefaultOptions()
	wopts.Label = o.Label
	wopts.Game = worker.GameOptions{
		Config:   o.nnConfig(),
		MaxMoves: o.Loopback.MaxMoves,
		WinDrift: o.Loopback.WinDrift,
	}
	wopts.PollEvery = o.Loopback.PollEvery
	wopts.Seed = o.Loopback.Seed
	return worker.PoolOptions{
		Options:    wopts,
		NumWorkers: o.Loopback.Workers,
		ClientIdx:  0,
		NumClients: 1,
	}
}

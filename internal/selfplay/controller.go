package selfplay

import (
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/6un9-h0-Dan/ELF/internal/records"
)

// FeedResult classifies what the controller did with a reported episode.
type FeedResult int

const (
	// NotSelfPlay marks an episode whose version pair is not a self-play pair.
	NotSelfPlay FeedResult = iota
	// VersionMismatch marks an episode played under a stale model version.
	VersionMismatch
	// NotRequested marks an episode for a version the controller never handed out.
	NotRequested
	// Fed marks an accepted episode.
	Fed
)

// String implements fmt.Stringer.
func (r FeedResult) String() string {
	switch r {
	case NotSelfPlay:
		return "not-selfplay"
	case VersionMismatch:
		return "version-mismatch"
	case NotRequested:
		return "not-requested"
	case Fed:
		return "fed"
	}
	return "invalid"
}

// WaitResult tells the training loop whether enough fresh episodes arrived.
type WaitResult int

const (
	// VersionOld: the asked-about version is behind the active one.
	VersionOld WaitResult = iota
	// VersionInvalid: the active version has no record.
	VersionInvalid
	// InsufficientSample: training must wait for more episodes.
	InsufficientSample
	// SufficientSample: training may proceed.
	SufficientSample
)

// String implements fmt.Stringer.
func (r WaitResult) String() string {
	switch r {
	case VersionOld:
		return "version-old"
	case VersionInvalid:
		return "version-invalid"
	case InsufficientSample:
		return "insufficient-sample"
	case SufficientSample:
		return "sufficient-sample"
	}
	return "invalid"
}

// ClientInfo identifies a polling worker.
type ClientInfo struct {
	ID   string
	Seen time.Time
}

// ControllerOptions configures the self-play controller.
type ControllerOptions struct {
	// ServerID and TimeSignature name the record batches of this run.
	ServerID      string
	TimeSignature string

	// SelfplayInitNum episodes unlock the first weight update; every
	// SelfplayUpdateNum after that unlock the next. They also set the
	// checkpoint boundaries for record flushes.
	SelfplayInitNum   int64
	SelfplayUpdateNum int64

	// NeverResignProb, MinResignMoves, Async and AIConfig are stamped onto
	// every handed-out request.
	NeverResignProb float32
	MinResignMoves  int
	Async           bool
	AIConfig        string

	// MaxVersions bounds how many per-version records are kept. Creating one
	// beyond the bound flushes and drops the oldest.
	MaxVersions int

	Calculator CalculatorOptions
}

// DefaultControllerOptions returns the controller defaults.
func DefaultControllerOptions() ControllerOptions {
	return ControllerOptions{
		ServerID:          "local",
		TimeSignature:     time.Now().Format("20060102-150405"),
		SelfplayInitNum:   200,
		SelfplayUpdateNum: 100,
		NeverResignProb:   0.1,
		MinResignMoves:    10,
		MaxVersions:       8,
		Calculator:        DefaultCalculatorOptions(),
	}
}

// Validate returns an error if the options are unusable.
func (o ControllerOptions) Validate() error {
	if o.MaxVersions < 1 {
		return errors.Errorf("controller must keep at least one version record, got %d", o.MaxVersions)
	}
	if o.NeverResignProb < 0 || o.NeverResignProb > 1 {
		return errors.Errorf("never-resign probability must be in [0, 1], got %g", o.NeverResignProb)
	}
	return o.Calculator.Validate()
}

// Controller gates which reported episodes count toward training and hands
// workers their play requests. A single mutex guards all state; store writes
// never happen under it.
type Controller struct {
	mu    sync.Mutex
	opts  ControllerOptions
	store records.Store

	calc  *Calculator
	curr  records.Version
	recs  map[records.Version]*VersionRecord
	order []records.Version

	total   int64
	seq     int64
	clients map[string]time.Time
}

// NewController validates the options and returns a controller with no active
// version.
func NewController(opts ControllerOptions, store records.Store) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	calc, err := NewCalculator(opts.Calculator)
	if err != nil {
		return nil, err
	}
	return &Controller{
		opts:    opts,
		store:   store,
		calc:    calc,
		curr:    records.NoVersion,
		recs:    make(map[records.Version]*VersionRecord),
		clients: make(map[string]time.Time),
	}, nil
}

// flushOp is a pending store write, executed outside the controller lock.
type flushOp struct {
	vr   *VersionRecord
	name string
	recs []records.Record
}

func (c *Controller) runFlush(op *flushOp) error {
	if op == nil {
		return nil
	}
	if err := c.store.Flush(op.name, op.recs); err != nil {
		c.mu.Lock()
		op.vr.buffer.Restore(op.recs)
		c.mu.Unlock()
		return errors.WithMessagef(err, "failed to flush %d records of version %s", len(op.recs), op.vr.ver)
	}
	return nil
}

// Feed classifies and accounts one reported episode. The calculator sees every
// episode, accepted or not. A non-nil error reports a failed record flush; the
// episode itself was still accepted.
func (c *Controller) Feed(rec records.Record) (FeedResult, error) {
	c.mu.Lock()
	res, op := c.lockedFeed(rec)
	c.mu.Unlock()
	return res, c.runFlush(op)
}

func (c *Controller) lockedFeed(rec records.Record) (FeedResult, *flushOp) {
	c.calc.Feed(rec.Request, rec.Result)

	if !rec.Request.Vers.IsSelfPlay() {
		return NotSelfPlay, nil
	}
	if c.curr != rec.Request.Vers.Black {
		return VersionMismatch, nil
	}
	vr := c.recs[rec.Request.Vers.Black]
	if vr == nil {
		klog.V(1).Infof("Version %s was never handed out, dropping record", rec.Request.Vers.Black)
		return NotRequested, nil
	}

	c.seq++
	rec.Seq = c.seq
	vr.Feed(rec)
	c.total++
	if c.total%1000 == 0 {
		klog.Infof("Total self-play episodes fed: %d; %s", c.total, c.calc.Info())
	}
	if name, recs, ok := vr.takeFlush(); ok {
		return Fed, &flushOp{vr: vr, name: name, recs: recs}
	}
	return Fed, nil
}

// SetCurrModel switches self-play to the given version, creating its record on
// first sight. The new record snapshots the calibrated resignation threshold
// at creation; later calibration only affects later versions. Returns whether
// the active version changed. A non-nil error reports a failed eviction flush.
func (c *Controller) SetCurrModel(v records.Version) (bool, error) {
	c.mu.Lock()
	if v == c.curr {
		c.mu.Unlock()
		return false, nil
	}
	klog.Infof("Self-play model version: %s -> %s", c.curr, v)
	c.curr = v
	_, op := c.lockedFindOrCreate(v)
	c.mu.Unlock()
	return true, c.runFlush(op)
}

func (c *Controller) lockedFindOrCreate(v records.Version) (*VersionRecord, *flushOp) {
	if vr := c.recs[v]; vr != nil {
		return vr, nil
	}
	vr := NewVersionRecord(v, c.calc.UpdateThreshold(DefaultMaxThresholdDelta), &c.opts)
	c.recs[v] = vr
	c.order = append(c.order, v)

	var op *flushOp
	if len(c.order) > c.opts.MaxVersions {
		// The evicted version cannot be the one just created: existing
		// versions return early above.
		evicted := c.order[0]
		c.order = c.order[1:]
		old := c.recs[evicted]
		delete(c.recs, evicted)
		if name, recs, ok := old.takeAll(); ok {
			op = &flushOp{vr: old, name: name, recs: recs}
		}
		klog.V(1).Infof("Evicted version record %s after %d episodes", evicted, old.N())
	}
	return vr, op
}

// NeedWaitForMoreSample reports whether training on version v may proceed.
// The sufficiency gate always reads the active version's record.
func (c *Controller) NeedWaitForMoreSample(v records.Version) WaitResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v < c.curr {
		return VersionOld
	}
	vr := c.recs[c.curr]
	if vr == nil {
		return VersionInvalid
	}
	if vr.NeedsMoreSamples() {
		return InsufficientSample
	}
	return SufficientSample
}

// NotifyCurrentWeightUpdate records one weight update on the active version.
func (c *Controller) NotifyCurrentWeightUpdate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	vr := c.recs[c.curr]
	if vr == nil {
		return errors.Errorf("no record for current version %s", c.curr)
	}
	vr.NotifyWeightUpdate()
	return nil
}

// FillInRequest populates req for the given client. Without an active version
// the request is marked wait.
func (c *Controller) FillInRequest(client ClientInfo, req *records.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client.ID != "" {
		c.clients[client.ID] = client.Seen
	}
	if c.curr.IsNone() {
		req.Vers.SetWait()
		return
	}
	vr := c.recs[c.curr]
	if vr == nil {
		exceptions.Panicf("active version %s has no record", c.curr)
	}
	req.Vers.Black = c.curr
	req.Vers.White = records.NoVersion
	vr.FillRequest(req)
}

// ResignThreshold returns the calculator's current threshold.
func (c *Controller) ResignThreshold() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calc.Threshold()
}

// CurrModel returns the active model version.
func (c *Controller) CurrModel() records.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curr
}

// NumSelfplayCurrModel returns how many episodes the active version received.
func (c *Controller) NumSelfplayCurrModel() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vr := c.recs[c.curr]; vr != nil {
		return vr.N()
	}
	return 0
}

// TotalFed returns the number of accepted episodes across all versions.
func (c *Controller) TotalFed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// NumClients returns how many distinct workers polled so far.
func (c *Controller) NumClients() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Info returns a human report of the controller state.
func (c *Controller) Info() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := fmt.Sprintf("version: %s, %d episodes fed, %d clients; %s",
		c.curr, c.total, len(c.clients), c.calc.Info())
	if vr := c.recs[c.curr]; vr != nil {
		s += "\n" + vr.Info()
	}
	return s
}

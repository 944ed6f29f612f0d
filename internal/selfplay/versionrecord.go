package selfplay

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/6un9-h0-Dan/ELF/internal/records"
)

// VersionRecord aggregates the self-play episodes of one model version and
// decides when their accumulated records are flushed to the store. Outcome
// counters are cumulative over the version's lifetime; checkpoint flushes
// clear only the record buffer.
type VersionRecord struct {
	ver    records.Version
	opts   *ControllerOptions
	prefix string

	// resignThreshold is snapshotted at creation and never changes.
	resignThreshold float32

	buffer   records.Buffer
	flushSeq int64

	counter          int64
	numWeightUpdates int64

	blackWins, whiteWins       int64
	blackResigns, whiteResigns int64
	moveBuckets                [4]int64

	lastShown int64
}

// NewVersionRecord creates the bookkeeping for one model version with the
// resignation threshold its requests will carry.
func NewVersionRecord(ver records.Version, resignThreshold float32, opts *ControllerOptions) *VersionRecord {
	return &VersionRecord{
		ver:             ver,
		opts:            opts,
		prefix:          fmt.Sprintf("selfplay-%s-%s-%s", opts.ServerID, opts.TimeSignature, ver),
		resignThreshold: resignThreshold,
	}
}

// Feed accounts one accepted episode and buffers its record.
func (r *VersionRecord) Feed(rec records.Record) {
	if rec.Result.Reward > 0 {
		r.blackWins++
	} else {
		r.whiteWins++
	}
	// Resignations score exactly ±1; naturally finished episodes carry the
	// final margin instead.
	if math32.Abs(rec.Result.Reward-1) < 0.1 {
		r.whiteResigns++
	} else if math32.Abs(rec.Result.Reward+1) < 0.1 {
		r.blackResigns++
	}

	r.counter++
	r.buffer.Add(rec)

	switch moves := rec.Result.NumMoves; {
	case moves < 100:
		r.moveBuckets[0]++
	case moves < 200:
		r.moveBuckets[1]++
	case moves < 300:
		r.moveBuckets[2]++
	default:
		r.moveBuckets[3]++
	}

	if r.counter-r.lastShown >= 100 {
		klog.V(1).Info(r.Info())
		r.lastShown = r.counter
	}
}

// IsCheckpoint reports whether the episode counter sits on a flush boundary:
// at SelfplayInitNum and every SelfplayUpdateNum after it when both are
// configured, otherwise every 1000 episodes.
func (r *VersionRecord) IsCheckpoint() bool {
	init, update := r.opts.SelfplayInitNum, r.opts.SelfplayUpdateNum
	if init > 0 && update > 0 {
		return r.counter == init ||
			(r.counter > init && (r.counter-init)%update == 0)
	}
	return r.counter > 0 && r.counter%1000 == 0
}

// takeFlush drains the pending buffer when the counter is at a checkpoint,
// returning the batch name to flush it under. The store write itself happens
// outside the controller lock.
func (r *VersionRecord) takeFlush() (name string, recs []records.Record, ok bool) {
	if !r.IsCheckpoint() || r.buffer.Len() == 0 {
		return "", nil, false
	}
	return r.takeAll()
}

// takeAll drains the pending buffer unconditionally (eviction, shutdown).
func (r *VersionRecord) takeAll() (name string, recs []records.Record, ok bool) {
	if r.buffer.Len() == 0 {
		return "", nil, false
	}
	name = fmt.Sprintf("%s-%d", r.prefix, r.flushSeq)
	r.flushSeq++
	return name, r.buffer.Drain(), true
}

// CheckAndSave flushes the pending records through store when the counter is
// at a checkpoint and reports whether a flush happened. On store failure the
// buffer is restored for the next attempt.
func (r *VersionRecord) CheckAndSave(store records.Store) (bool, error) {
	name, recs, ok := r.takeFlush()
	if !ok {
		return false, nil
	}
	if err := store.Flush(name, recs); err != nil {
		r.buffer.Restore(recs)
		return false, errors.WithMessagef(err, "failed to flush %d records of version %s", len(recs), r.ver)
	}
	return true, nil
}

// NeedsMoreSamples reports whether training has to wait for more episodes:
// SelfplayInitNum unlock the first weight update, every SelfplayUpdateNum
// after that unlock the next. Non-positive numbers disable the gate.
func (r *VersionRecord) NeedsMoreSamples() bool {
	init, update := r.opts.SelfplayInitNum, r.opts.SelfplayUpdateNum
	if init <= 0 {
		return false
	}
	if r.counter < init {
		return true
	}
	if update <= 0 {
		return false
	}
	return r.counter < init+update*r.numWeightUpdates
}

// NotifyWeightUpdate records that the model weights advanced once more.
func (r *VersionRecord) NotifyWeightUpdate() { r.numWeightUpdates++ }

// FillRequest stamps the per-version play parameters onto req.
func (r *VersionRecord) FillRequest(req *records.Request) {
	req.ResignThreshold = r.resignThreshold
	req.NeverResignProb = r.opts.NeverResignProb
	req.MinResignMoves = r.opts.MinResignMoves
	req.Async = r.opts.Async
	req.AIConfig = r.opts.AIConfig
}

// Version returns the model version this record tracks.
func (r *VersionRecord) Version() records.Version { return r.ver }

// N returns how many episodes were fed.
func (r *VersionRecord) N() int64 { return r.counter }

// ResignThreshold returns the threshold snapshotted at creation.
func (r *VersionRecord) ResignThreshold() float32 { return r.resignThreshold }

// Pending returns the number of buffered, not yet flushed records.
func (r *VersionRecord) Pending() int { return r.buffer.Len() }

// WeightUpdates returns how many weight updates were notified.
func (r *VersionRecord) WeightUpdates() int64 { return r.numWeightUpdates }

// Info returns the cumulative stats block for this version.
func (r *VersionRecord) Info() string {
	n := r.blackWins + r.whiteWins
	den := float32(n) + 1e-10
	noResigns := n - r.blackResigns - r.whiteResigns

	var b strings.Builder
	fmt.Fprintf(&b, "=== record stats (version %s) ===\n", r.ver)
	fmt.Fprintf(&b, "B/W/all: %d/%d/%d (%.1f%% black win). ",
		r.blackWins, r.whiteWins, n, 100*float32(r.blackWins)/den)
	fmt.Fprintf(&b, "B resigns: %d (%.1f%%), W resigns: %d (%.1f%%), no resign: %d (%.1f%%)\n",
		r.blackResigns, 100*float32(r.blackResigns)/den,
		r.whiteResigns, 100*float32(r.whiteResigns)/den,
		noResigns, 100*float32(noResigns)/den)
	fmt.Fprintf(&b, "resign threshold: %g\n", r.resignThreshold)
	fmt.Fprintf(&b, "moves: [0,100): %d, [100,200): %d, [200,300): %d, [300,+): %d",
		r.moveBuckets[0], r.moveBuckets[1], r.moveBuckets[2], r.moveBuckets[3])
	return b.String()
}

// Package selfplay implements the server-side control plane of the self-play
// loop: resignation-threshold calibration, per-model-version bookkeeping and
// record flushing, and the controller gating which episodes count.
package selfplay

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/6un9-h0-Dan/ELF/internal/records"
)

// CalculatorOptions configures resignation-threshold calibration.
type CalculatorOptions struct {
	// HistSize is how many never-resign episodes the calibration window holds.
	HistSize int

	// FalsePositiveTarget is the tolerated fraction of winners that would have
	// resigned under the calibrated threshold.
	FalsePositiveTarget float32

	// InitialThreshold is handed out until the window can place the target
	// quantile away from its edges.
	InitialThreshold float32

	// MinThreshold and MaxThreshold bound every update. Subjective values live
	// in [0, 2], so the bounds must too.
	MinThreshold, MaxThreshold float32
}

// DefaultCalculatorOptions returns the calibration defaults.
func DefaultCalculatorOptions() CalculatorOptions {
	return CalculatorOptions{
		HistSize:            2500,
		FalsePositiveTarget: 0.05,
		InitialThreshold:    0.05,
		MinThreshold:        0.01,
		MaxThreshold:        0.50,
	}
}

// Validate returns an error if the options are unusable.
func (o CalculatorOptions) Validate() error {
	if o.HistSize <= 0 {
		return errors.Errorf("calibration history size must be positive, got %d", o.HistSize)
	}
	if o.FalsePositiveTarget <= 1e-6 || o.FalsePositiveTarget >= 1-1e-6 {
		return errors.Errorf("false positive target must be inside (0, 1), got %g", o.FalsePositiveTarget)
	}
	if o.MinThreshold < 0 || o.MinThreshold > o.MaxThreshold || o.MaxThreshold > 2 {
		return errors.Errorf("thresholds must satisfy 0 <= min (%g) <= max (%g) <= 2",
			o.MinThreshold, o.MaxThreshold)
	}
	return nil
}

// calibSample is one never-resign episode reduced to what calibration needs:
// the minimum subjective value the eventual winner saw over its own plies.
type calibSample struct {
	minValue      float32
	falsePositive bool
	blackWin      bool
}

func newCalibSample(req records.Request, res records.Result) calibSample {
	blackWin := res.Reward > 0
	minValue := float32(2.0)
	start := 0
	if !blackWin {
		start = 1
	}
	// Values are black-perspective; the winner's subjective value is 1+v for
	// black and 1-v for white, both in [0, 2]. Only the winner's plies count.
	for ii := start; ii < len(res.Values); ii += 2 {
		var value float32
		if blackWin {
			value = 1 + res.Values[ii]
		} else {
			value = 1 - res.Values[ii]
		}
		minValue = math32.Min(minValue, value)
	}
	return calibSample{
		minValue: minValue,
		// The winner would have resigned under the threshold it played with.
		falsePositive: req.ResignThreshold > minValue,
		blackWin:      blackWin,
	}
}

// windowStats is the window aggregate, maintained incrementally on every
// insert and eviction, never recomputed by scanning.
type windowStats struct {
	n, falsePositives, blackWins int
}

func (w *windowStats) apply(s calibSample, delta int) {
	w.n += delta
	if s.falsePositive {
		w.falsePositives += delta
	}
	if s.blackWin {
		w.blackWins += delta
	}
}

// Calculator calibrates the resignation threshold from never-resign episodes.
// It is not safe for concurrent use; the Controller serializes access.
type Calculator struct {
	opts      CalculatorOptions
	threshold float32

	numGames     int64
	numBlackWins int64

	// Lifetime never-resign counters, never reset.
	nrGames     int64
	nrBlackWins int64

	// Calibration window: a ring of the last HistSize never-resign samples.
	ring  []calibSample
	head  int
	count int
	stats windowStats
}

// NewCalculator validates the options and returns a calculator starting at
// the initial threshold.
func NewCalculator(opts CalculatorOptions) (*Calculator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{
		opts:      opts,
		threshold: opts.InitialThreshold,
		ring:      make([]calibSample, opts.HistSize),
	}, nil
}

// Feed accounts one finished episode. Every episode bumps the outcome
// counters; only never-resign episodes contribute a calibration sample.
func (c *Calculator) Feed(req records.Request, res records.Result) {
	c.numGames++
	if res.Reward > 0 {
		c.numBlackWins++
	}
	if !res.NeverResign {
		return
	}
	c.nrGames++
	if res.Reward > 0 {
		c.nrBlackWins++
	}
	c.push(newCalibSample(req, res))
}

func (c *Calculator) push(s calibSample) {
	for c.count >= c.opts.HistSize {
		c.stats.apply(c.ring[c.head], -1)
		c.head = (c.head + 1) % len(c.ring)
		c.count--
	}
	c.ring[(c.head+c.count)%len(c.ring)] = s
	c.count++
	c.stats.apply(s, +1)
}

// DefaultMaxThresholdDelta bounds how far one update may move the threshold.
const DefaultMaxThresholdDelta = 0.01

// UpdateThreshold recomputes the threshold as the FalsePositiveTarget quantile
// of the window's winner min-values, moving at most maxDelta from the current
// value and clamping to [MinThreshold, MaxThreshold]. Windows too small to
// place the quantile away from both edges leave the threshold unchanged.
func (c *Calculator) UpdateThreshold(maxDelta float32) float32 {
	position := int(c.opts.FalsePositiveTarget * float32(c.count))
	if position < 2 || position+2 >= c.count {
		return c.threshold
	}

	values := make([]float32, c.count)
	for ii := range values {
		values[ii] = c.ring[(c.head+ii)%len(c.ring)].minValue
	}
	old := c.threshold
	cur := kthSmallest(values, position)
	if cur < -1e-9 {
		// Winner values live in [0, 2]; below zero the window is corrupted.
		exceptions.Panicf("resignation threshold candidate is negative (%g)", cur)
	}
	cur = math32.Min(cur, old+maxDelta)
	cur = math32.Max(cur, old-maxDelta)
	cur = math32.Max(cur, c.opts.MinThreshold)
	cur = math32.Min(cur, c.opts.MaxThreshold)
	c.threshold = cur
	return cur
}

// Threshold returns the current resignation threshold.
func (c *Calculator) Threshold() float32 { return c.threshold }

// NumGames returns how many episodes were fed in total.
func (c *Calculator) NumGames() int64 { return c.numGames }

// WindowStats returns the incrementally maintained window aggregate.
func (c *Calculator) WindowStats() (n, falsePositives, blackWins int) {
	return c.stats.n, c.stats.falsePositives, c.stats.blackWins
}

// Info returns a one-line human report of the calibration state.
func (c *Calculator) Info() string {
	s := fmt.Sprintf("resign threshold: %g, fp target: %g, #games: %d, black win: %d (%.1f%%)",
		c.threshold, c.opts.FalsePositiveTarget, c.numGames, c.numBlackWins,
		pct(c.numBlackWins, c.numGames))
	if c.nrGames > 0 {
		s += fmt.Sprintf(", never-resign: %d (%.1f%%), black win: %d (%.1f%%), window: %d, fp in window: %d (%.1f%%)",
			c.nrGames, pct(c.nrGames, c.numGames),
			c.nrBlackWins, pct(c.nrBlackWins, c.nrGames),
			c.stats.n, c.stats.falsePositives,
			pct(int64(c.stats.falsePositives), int64(c.stats.n)))
	}
	return s
}

func pct(num, den int64) float32 {
	if den == 0 {
		return 0
	}
	return 100 * float32(num) / float32(den)
}

// kthSmallest returns the k-th smallest element (0-based) of values by
// quickselect, partially reordering values in place. It never sorts the whole
// slice.
func kthSmallest(values []float32, k int) float32 {
	lo, hi := 0, len(values)-1
	for lo < hi {
		p := partition(values, lo, hi)
		switch {
		case p == k:
			return values[p]
		case p < k:
			lo = p + 1
		default:
			hi = p - 1
		}
	}
	return values[k]
}

// partition moves a median-of-three pivot into its sorted position within
// values[lo:hi+1] and returns that position.
func partition(values []float32, lo, hi int) int {
	mid := lo + (hi-lo)/2
	if values[mid] < values[lo] {
		values[mid], values[lo] = values[lo], values[mid]
	}
	if values[hi] < values[lo] {
		values[hi], values[lo] = values[lo], values[hi]
	}
	if values[hi] < values[mid] {
		values[hi], values[mid] = values[mid], values[hi]
	}
	values[mid], values[hi] = values[hi], values[mid]
	pivot := values[hi]
	store := lo
	for ii := lo; ii < hi; ii++ {
		if values[ii] < pivot {
			values[ii], values[store] = values[store], values[ii]
			store++
		}
	}
	values[store], values[hi] = values[hi], values[store]
	return store
}

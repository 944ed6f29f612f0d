package worker

import (
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/6un9-h0-Dan/ELF/internal/nn"
)

// GameOptions shapes the synthetic episodes a worker plays.
type GameOptions struct {
	// Config fixes the state and action dimensions reported to the engine.
	Config nn.Config

	// MaxMoves ends an episode that neither side forced earlier.
	MaxMoves int

	// WinDrift is the accumulated advantage that ends an episode.
	WinDrift float32
}

// driftGame is the synthetic episode generator: a random walk of a scalar
// advantage (drift, positive favors black) dressed up as a board. It gives
// the batching and control planes a real game's traffic shape without
// carrying game rules.
type driftGame struct {
	rng   *rand.Rand
	opts  GameOptions
	noise []float32
	drift float32
	moves int
}

func newDriftGame(rng *rand.Rand, opts GameOptions) *driftGame {
	g := &driftGame{
		rng:   rng,
		opts:  opts,
		noise: make([]float32, opts.Config.InputDim),
	}
	for ii := range g.noise {
		g.noise[ii] = 0.1 * float32(rng.NormFloat64())
	}
	return g
}

// blackToMove reports the side of the next ply. Black always opens.
func (g *driftGame) blackToMove() bool { return g.moves%2 == 0 }

func (g *driftGame) sideSign() float32 {
	if g.blackToMove() {
		return 1
	}
	return -1
}

func (g *driftGame) over() bool {
	return g.moves >= g.opts.MaxMoves || math32.Abs(g.drift) >= g.opts.WinDrift
}

// margin is the final score of a naturally finished episode: positive when
// black won, with magnitude 2 to tell natural finishes from resignations.
func (g *driftGame) margin() float32 {
	if g.drift >= 0 {
		return 2
	}
	return -2
}

// fillState writes the current position: the normalized drift, the side to
// move and the noise walk.
func (g *driftGame) fillState(dst []float32) {
	copy(dst, g.noise)
	dst[0] = g.drift / g.opts.WinDrift
	if len(dst) > 1 {
		dst[1] = g.sideSign()
	}
}

// step plays one ply. The mover nudges the drift its way, the action index
// perturbs the noise walk.
func (g *driftGame) step(action int32) {
	g.drift += 0.05*g.sideSign() + 0.5*float32(g.rng.NormFloat64())
	for ii := range g.noise {
		g.noise[ii] = 0.9*g.noise[ii] + 0.1*float32(g.rng.NormFloat64())
	}
	if n := g.opts.Config.NumActions; n > 1 {
		g.noise[int(action)%len(g.noise)] += 0.5 / float32(n)
	}
	g.moves++
}

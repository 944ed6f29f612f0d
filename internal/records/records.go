// Package records defines the wire types of the self-play control plane: the
// requests sent to game workers, the results and episode records they report
// back, and the durable store those records are flushed to.
package records

import (
	"fmt"
	"strconv"
)

// Version identifies a model generation. Versions are assigned by the training
// loop and grow monotonically.
type Version int64

// NoVersion marks an unassigned model version.
const NoVersion Version = -1

// IsNone reports whether v is unassigned.
func (v Version) IsNone() bool { return v < 0 }

// String implements fmt.Stringer.
func (v Version) String() string {
	if v.IsNone() {
		return "none"
	}
	return strconv.FormatInt(int64(v), 10)
}

// VersionPair assigns model versions to the two sides of an episode.
// A pair with only Black assigned denotes self-play: the worker plays the
// black model against itself.
type VersionPair struct {
	Black Version `json:"black"`
	White Version `json:"white"`
}

// NewVersionPair returns a pair with both sides unassigned.
func NewVersionPair() VersionPair {
	return VersionPair{Black: NoVersion, White: NoVersion}
}

// SetWait marks the pair as "no model available yet": workers receiving it
// should idle and poll again.
func (p *VersionPair) SetWait() {
	p.Black = NoVersion
	p.White = NoVersion
}

// IsWait reports whether the worker should hold off playing.
func (p VersionPair) IsWait() bool { return p.Black.IsNone() }

// IsSelfPlay reports whether the pair denotes a self-play episode.
func (p VersionPair) IsSelfPlay() bool { return !p.Black.IsNone() && p.White.IsNone() }

// String implements fmt.Stringer.
func (p VersionPair) String() string {
	if p.IsWait() {
		return "wait"
	}
	return fmt.Sprintf("black=%s,white=%s", p.Black, p.White)
}

// Request tells a worker how to play its next episodes. It is built fresh on
// every poll and never mutated after being handed out.
type Request struct {
	Vers VersionPair `json:"vers"`

	// ResignThreshold is the subjective value (in [0, 2], from the mover's
	// perspective) below which the mover resigns.
	ResignThreshold float32 `json:"resign_thres"`

	// NeverResignProb is the probability that a worker plays an episode in
	// never-resign mode, feeding the threshold calibration.
	NeverResignProb float32 `json:"never_resign_prob"`

	// MinResignMoves disables resignation before this many moves.
	MinResignMoves int `json:"min_resign_moves"`

	// Async lets workers switch models mid-episode instead of restarting.
	Async bool `json:"async"`

	// AIConfig is the engine/search configuration string for the episode.
	AIConfig string `json:"ai_config"`
}

// Result reports one finished episode.
type Result struct {
	// Reward is positive when black won. Resignations score exactly ±1;
	// naturally finished episodes carry the final margin instead.
	Reward float32 `json:"reward"`

	// NeverResign marks an episode played with resignation disabled.
	NeverResign bool `json:"never_resign"`

	// Values holds the value estimate after each ply, always from black's
	// perspective. Even indices are black-to-move plies, odd indices white.
	Values []float32 `json:"values"`

	NumMoves int `json:"num_moves"`
}

// Record is one finished episode: the request it was played under, its
// outcome, and the opaque move log.
type Record struct {
	// Seq is assigned by the server when the record is accepted.
	Seq      int64  `json:"seq"`
	ClientID string `json:"client_id"`

	Request Request `json:"request"`
	Result  Result  `json:"result"`

	// Content is the move log in an engine-defined format.
	Content string `json:"content"`
}

// Package batching implements the batch fill plane: slots collect samples
// arriving from many producers into shared buffers, hand full batches to the
// inference loop, and scatter the per-sample replies back to their origins.
//
// Producers are addressed by lane: a small integer carried on every sample,
// assigned so that lane % numClients identifies the owning connection. Each
// lane has at most one sample in flight, which pairs replies with requests
// without any per-sample correlation state.
package batching

import (
	"github.com/pkg/errors"
)

// Mode selects how inbound messages map to buffer positions.
type Mode int

const (
	// Entry mode: every inbound message carries one sample; a cycle
	// completes after batch-size messages.
	Entry Mode = iota
	// Whole mode: every inbound message carries a full batch.
	Whole
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Entry:
		return "entry"
	case Whole:
		return "whole"
	}
	return "invalid"
}

// SlotState tracks where a slot is in its fill cycle.
type SlotState int32

const (
	// SlotFilling: collecting samples.
	SlotFilling SlotState = iota
	// SlotReady: full, waiting for inference.
	SlotReady
	// SlotDispatched: replies being scattered.
	SlotDispatched
)

// String implements fmt.Stringer.
func (s SlotState) String() string {
	switch s {
	case SlotFilling:
		return "filling"
	case SlotReady:
		return "ready"
	case SlotDispatched:
		return "dispatched"
	}
	return "invalid"
}

// ReplyStatus tells Release whether inference succeeded.
type ReplyStatus int

const (
	// ReplySuccess: scatter the replies.
	ReplySuccess ReplyStatus = iota
	// ReplyFailed: recycle the slot without replying.
	ReplyFailed
)

// Update is one inbound sample message: the producer's lane and the encoded
// sample fields.
type Update struct {
	Origin  uint64
	Payload []byte
}

// Reply carries the engine-written fields of one position back toward the
// producer that filled it.
type Reply struct {
	Label   string
	Origin  uint64
	Payload []byte
}

// ErrBacklogged is returned by Push when a slot's inbox is full. The producer
// is expected to drop or retry; the fill path never blocks it.
var ErrBacklogged = errors.New("slot inbox full")

// ErrClosed is returned for requests pending in a closed local batcher.
var ErrClosed = errors.New("local batcher closed")

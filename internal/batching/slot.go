package batching

import (
	"context"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/6un9-h0-Dan/ELF/internal/smem"
)

// Slot is one shared buffer cycling through fill, inference and release.
// Producers push encoded samples from any goroutine; a single consumer owns
// WaitFill and Release. Positions are assigned in arrival order.
type Slot struct {
	label string
	idx   int
	mode  Mode

	mem     *smem.Mem
	views   []*smem.View
	origins []uint64

	inbox    chan Update
	state    atomic.Int32
	released chan struct{}

	stats   *Stats
	replies chan<- Reply
}

func newSlot(label string, idx int, mode Mode, mem *smem.Mem, queueLen int, stats *Stats, replies chan<- Reply) *Slot {
	s := &Slot{
		label:    label,
		idx:      idx,
		mode:     mode,
		mem:      mem,
		stats:    stats,
		replies:  replies,
		released: make(chan struct{}, 1),
	}
	switch mode {
	case Entry:
		s.views = mem.EntryViews()
	case Whole:
		s.views = []*smem.View{mem.Whole()}
	default:
		exceptions.Panicf("batching: slot %d of label %q built with mode %d", idx, label, mode)
	}
	if queueLen <= 0 {
		queueLen = 2 * len(s.views)
	}
	s.inbox = make(chan Update, queueLen)
	s.origins = make([]uint64, len(s.views))
	return s
}

// Label returns the slot's label.
func (s *Slot) Label() string { return s.label }

// Idx returns the slot's global index.
func (s *Slot) Idx() int { return s.idx }

// Mem returns the shared buffer; valid to read between WaitFill and Release.
func (s *Slot) Mem() *smem.Mem { return s.mem }

// State returns the current fill-cycle state.
func (s *Slot) State() SlotState { return SlotState(s.state.Load()) }

// Push enqueues one sample message without ever blocking the producer.
// Returns ErrBacklogged when the inbox is full.
func (s *Slot) Push(u Update) error {
	select {
	case s.inbox <- u:
		return nil
	default:
		return errors.Wrapf(ErrBacklogged, "slot %d of label %q", s.idx, s.label)
	}
}

// WaitFill blocks until every position of the cycle received one update and
// returns the full batch. Malformed payloads are logged and dropped without
// consuming a position. The sole suspension point of the fill path.
func (s *Slot) WaitFill(ctx context.Context) (*smem.View, error) {
	if st := s.State(); st != SlotFilling {
		exceptions.Panicf("batching: WaitFill on slot %d in state %s", s.idx, st)
	}
	next := 0
	for next < len(s.views) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case u := <-s.inbox:
			if err := smem.Unmarshal(u.Payload, s.views[next]); err != nil {
				klog.Errorf("Slot %d of label %q dropped a malformed sample from lane %d: %v",
					s.idx, s.label, u.Origin, err)
				continue
			}
			s.origins[next] = u.Origin
			next++
		}
	}
	s.state.Store(int32(SlotReady))
	s.stats.RecordFill(s.idx, s.mem.BatchSize())
	return s.mem.Whole(), nil
}

// Release completes the cycle after inference wrote the reply fields: one
// reply per position, carrying only the non-input fields, addressed to the
// lane that filled the position. With ReplyFailed the batch is discarded and
// the slot recycles without replying.
func (s *Slot) Release(status ReplyStatus) error {
	if st := s.State(); st != SlotReady {
		exceptions.Panicf("batching: Release on slot %d in state %s", s.idx, st)
	}
	s.state.Store(int32(SlotDispatched))

	var firstErr error
	if status == ReplySuccess {
		for ii, v := range s.views {
			payload, err := smem.MarshalReply(v)
			if err != nil {
				if firstErr == nil {
					firstErr = errors.WithMessagef(err, "slot %d of label %q failed to encode position %d", s.idx, s.label, ii)
				}
				continue
			}
			s.replies <- Reply{Label: s.label, Origin: s.origins[ii], Payload: payload}
		}
		s.stats.RecordRelease(s.idx, s.mem.BatchSize())
	}

	s.state.Store(int32(SlotFilling))
	select {
	case s.released <- struct{}{}:
	default:
	}
	return firstErr
}

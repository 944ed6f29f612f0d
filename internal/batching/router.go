package batching

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/6un9-h0-Dan/ELF/internal/smem"
)

// ReplySink delivers one encoded reply to the connection owning a lane.
// An error means the connection is gone; the router logs and drops.
type ReplySink interface {
	Reply(clientIdx int, lane uint64, label string, payload []byte) error
}

// SlotPoolOptions configures the slots of one label.
type SlotPoolOptions struct {
	Label     string
	NumSlots  int
	BatchSize int
	Mode      Mode
	Schema    *smem.Schema

	// QueueLen is the per-slot inbox capacity; 0 picks twice the number of
	// positions.
	QueueLen int
}

// Router spreads inbound samples over the slots of their label, surfaces
// filled slots to the inference loop and demultiplexes replies back to the
// connections that own their lanes.
type Router struct {
	numClients int
	stats      *Stats

	replies chan Reply
	ready   chan *Slot

	mu    sync.Mutex
	rng   *rand.Rand
	slots map[string][]*Slot
	next  int

	started atomic.Bool
}

// NewRouter returns a router for a fixed number of client connections.
// Lane % numClients addresses the connection a reply goes back to.
func NewRouter(numClients int, stats *Stats) *Router {
	if numClients < 1 {
		exceptions.Panicf("batching: router needs at least one client, got %d", numClients)
	}
	return &Router{
		numClients: numClients,
		stats:      stats,
		replies:    make(chan Reply, 1024),
		ready:      make(chan *Slot),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		slots:      make(map[string][]*Slot),
	}
}

// AddSlots allocates the shared buffers and slots of one label. All labels
// must be added before Start.
func (r *Router) AddSlots(opts SlotPoolOptions) error {
	if r.started.Load() {
		exceptions.Panicf("batching: AddSlots(%q) after Start", opts.Label)
	}
	if opts.NumSlots < 1 || opts.BatchSize < 1 {
		return errors.Errorf("label %q needs positive slot count and batch size, got %d and %d",
			opts.Label, opts.NumSlots, opts.BatchSize)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.slots[opts.Label]; found {
		return errors.Errorf("label %q already has slots", opts.Label)
	}
	pool := make([]*Slot, opts.NumSlots)
	for ii := range pool {
		mem := smem.NewMem(opts.Schema, opts.BatchSize)
		pool[ii] = newSlot(opts.Label, r.next, opts.Mode, mem, opts.QueueLen, r.stats, r.replies)
		r.next++
	}
	r.slots[opts.Label] = pool
	klog.V(1).Infof("Label %q: %d %s-mode slots of batch size %d", opts.Label, opts.NumSlots, opts.Mode, opts.BatchSize)
	return nil
}

// Route pushes one inbound sample to a uniformly random slot of its label.
func (r *Router) Route(label string, u Update) error {
	r.mu.Lock()
	pool := r.slots[label]
	if len(pool) == 0 {
		r.mu.Unlock()
		return errors.Errorf("no slots for label %q", label)
	}
	slot := pool[r.rng.Intn(len(pool))]
	r.mu.Unlock()
	return slot.Push(u)
}

// Start spawns the per-slot fill consumers and the reply demultiplexer. The
// goroutines run until ctx is canceled.
func (r *Router) Start(ctx context.Context, sink ReplySink) {
	if r.started.Swap(true) {
		exceptions.Panicf("batching: router started twice")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pool := range r.slots {
		for _, slot := range pool {
			go r.consume(ctx, slot)
		}
	}
	go r.demux(ctx, sink)
}

// consume pumps one slot: wait for a full batch, surface it, wait for its
// release.
func (r *Router) consume(ctx context.Context, s *Slot) {
	for {
		if _, err := s.WaitFill(ctx); err != nil {
			return
		}
		select {
		case r.ready <- s:
		case <-ctx.Done():
			return
		}
		select {
		case <-s.released:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) demux(ctx context.Context, sink ReplySink) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep := <-r.replies:
			clientIdx := int(rep.Origin % uint64(r.numClients))
			if err := sink.Reply(clientIdx, rep.Origin, rep.Label, rep.Payload); err != nil {
				klog.Errorf("Dropping reply for lane %d of label %q: %v", rep.Origin, rep.Label, err)
			}
		}
	}
}

// NextReady blocks until some slot holds a full batch and returns it. The
// caller runs inference over its Mem and must call Release.
func (r *Router) NextReady(ctx context.Context) (*Slot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case slot := <-r.ready:
		return slot, nil
	}
}

// NumSlots returns the total slot count over all labels.
func (r *Router) NumSlots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

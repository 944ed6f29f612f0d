package batching

// This file implements the auto-batching strategy for in-process inference:
// the loopback equivalent of the slot fill plane, used when workers run in
// the same process as the engine.

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/6un9-h0-Dan/ELF/internal/nn"
	"github.com/6un9-h0-Dan/ELF/internal/smem"
)

type localRequest struct {
	// view holds the caller's sample; inputs are read and replies written
	// back in place.
	view *smem.View

	err error

	// Channel is closed when done.
	done chan struct{}
}

// Special request that indicates an update on batch size.
var onBatchSizeUpdate = &localRequest{}

// LocalBatcher aggregates single-sample inference requests from many
// goroutines into engine-sized batches.
type LocalBatcher struct {
	engine    nn.Engine
	schema    *smem.Schema
	batchSize atomic.Int32

	requests  chan *localRequest
	drained   chan struct{}
	closeOnce sync.Once
}

// NewLocalBatcher starts the dispatcher goroutine. Close tears it down.
func NewLocalBatcher(engine nn.Engine, schema *smem.Schema, batchSize int) *LocalBatcher {
	if batchSize < 1 {
		batchSize = 1
	}
	b := &LocalBatcher{
		engine:   engine,
		schema:   schema,
		requests: make(chan *localRequest, 64),
		drained:  make(chan struct{}),
	}
	b.batchSize.Store(int32(batchSize))
	go b.dispatcher()
	return b
}

// SetBatchSize changes how many rows are gathered before inference runs.
func (b *LocalBatcher) SetBatchSize(batchSize int) {
	if batchSize < 1 {
		batchSize = 1
	}
	b.batchSize.Store(int32(batchSize))
	b.requests <- onBatchSizeUpdate
}

// InferWait submits the view's rows for batched inference and blocks until
// the reply fields were written back. ctx only guards the submission: once
// accepted, the request always completes (or fails with ErrClosed).
func (b *LocalBatcher) InferWait(ctx context.Context, v *smem.View) error {
	req := &localRequest{view: v, done: make(chan struct{})}
	select {
	case b.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return req.err
}

// Close stops the dispatcher and fails all pending requests with ErrClosed.
// No InferWait or SetBatchSize may be in flight or follow.
func (b *LocalBatcher) Close() {
	b.closeOnce.Do(func() {
		close(b.requests)
		<-b.drained
	})
}

func (b *LocalBatcher) dispatcher() {
	klog.V(1).Infof("Started local batch dispatcher for [%s].", b.engine)
	var pending []*localRequest
	var rows int
	for req := range b.requests {
		if req != onBatchSizeUpdate {
			pending = append(pending, req)
			rows += req.view.Rows()
			klog.V(3).Info("Received inference request.")
		} else {
			klog.V(1).Infof("[%s] batch size changed to %d", b.engine, b.batchSize.Load())
		}
		if rows >= int(b.batchSize.Load()) {
			go b.runBatch(pending, rows)
			pending, rows = nil, 0
		}
	}
	for _, req := range pending {
		req.err = ErrClosed
		close(req.done)
	}
	close(b.drained)
}

// runBatch gathers the pending inputs into one buffer, runs the engine and
// scatters the replies back.
func (b *LocalBatcher) runBatch(reqs []*localRequest, rows int) {
	mem := smem.NewMem(b.schema, rows)
	at := 0
	for _, req := range reqs {
		smem.CopyInputs(mem.View(at, at+req.view.Rows()), req.view)
		at += req.view.Rows()
	}

	err := b.engine.BatchInfer(mem)

	at = 0
	for _, req := range reqs {
		if err != nil {
			req.err = errors.WithMessagef(err, "batched inference of %d rows failed", rows)
		} else {
			smem.CopyReplies(req.view, mem.View(at, at+req.view.Rows()))
		}
		at += req.view.Rows()
		close(req.done)
	}
}

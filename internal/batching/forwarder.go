package batching

import (
	"context"

	"github.com/pkg/errors"

	"github.com/6un9-h0-Dan/ELF/internal/generics"
	"github.com/6un9-h0-Dan/ELF/internal/smem"
)

// SampleSender is the transport side the forwarder sends remote samples
// through.
type SampleSender interface {
	// SendSample delivers one encoded sample for the given label and lane.
	SendSample(label string, lane uint64, payload []byte) error

	// ReplyQueue returns the channel replies for the lane arrive on. The
	// channel is closed when the transport shuts down.
	ReplyQueue(label string, lane uint64) <-chan []byte
}

// Forwarder sends each sample either to a remote batch server or to the
// in-process batcher. The choice is a static per-label set membership, not
// per-request logic.
type Forwarder struct {
	remote generics.Set[string]
	sender SampleSender
	local  *LocalBatcher
}

// NewForwarder routes the given labels remotely through sender and everything
// else to local.
func NewForwarder(remoteLabels []string, sender SampleSender, local *LocalBatcher) *Forwarder {
	return &Forwarder{
		remote: generics.SetWith(remoteLabels...),
		sender: sender,
		local:  local,
	}
}

// IsRemote reports whether the label is served by a remote batch server.
func (f *Forwarder) IsRemote(label string) bool { return f.remote.Has(label) }

// SendWait submits the view's sample under the given label and blocks until
// the reply fields were written back into the view. The caller owns the lane:
// at most one sample per lane may be in flight.
func (f *Forwarder) SendWait(ctx context.Context, label string, lane uint64, v *smem.View) error {
	if !f.remote.Has(label) {
		return f.local.InferWait(ctx, v)
	}

	payload, err := smem.MarshalInputs(v)
	if err != nil {
		return err
	}
	// Subscribe before sending so the reply cannot slip past.
	queue := f.sender.ReplyQueue(label, lane)
	if err := f.sender.SendSample(label, lane, payload); err != nil {
		return errors.WithMessagef(err, "failed to send sample for label %q on lane %d", label, lane)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case data, ok := <-queue:
		if !ok {
			return errors.Errorf("transport closed while waiting for a %q reply on lane %d", label, lane)
		}
		return smem.Unmarshal(data, v)
	}
}

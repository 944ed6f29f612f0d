// Package worker implements the self-play client: a fleet of episode loops
// that poll the server for play requests, stream per-ply states through the
// batching plane for inference, resign or finish per the assigned policy and
// report the resulting records.
package worker

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/6un9-h0-Dan/ELF/internal/batching"
	"github.com/6un9-h0-Dan/ELF/internal/nn"
	"github.com/6un9-h0-Dan/ELF/internal/records"
	"github.com/6un9-h0-Dan/ELF/internal/smem"
)

// CtrlSender is the control-plane half of the server connection.
type CtrlSender interface {
	Ctrl(ctx context.Context, payload []byte) ([]byte, error)
}

// Options configures one episode loop.
type Options struct {
	// Label of the batch pool the worker's inference samples ride on.
	Label string

	Game GameOptions

	// PollEvery is the number of plies between request re-polls within an
	// episode. A version change abandons or (async) migrates the episode.
	PollEvery int

	// IdleWait is the backoff after a wait instruction.
	IdleWait time.Duration

	Seed int64
}

// DefaultOptions returns the worker defaults.
func DefaultOptions() Options {
	return Options{
		Label: "actor",
		Game: GameOptions{
			Config:   nn.Config{InputDim: 8, NumActions: 4},
			MaxMoves: 60,
			WinDrift: 3,
		},
		PollEvery: 5,
		IdleWait:  500 * time.Millisecond,
		Seed:      1,
	}
}

// Validate returns an error if the options are unusable.
func (o Options) Validate() error {
	if o.Label == "" {
		return errors.New("worker needs a batch label")
	}
	if o.Game.Config.InputDim < 1 || o.Game.Config.NumActions < 1 {
		return errors.Errorf("game dimensions must be positive, got input dim %d and %d actions",
			o.Game.Config.InputDim, o.Game.Config.NumActions)
	}
	if o.Game.MaxMoves < 2 {
		return errors.Errorf("episodes need at least 2 moves, got %d", o.Game.MaxMoves)
	}
	if o.Game.WinDrift <= 0 {
		return errors.Errorf("win drift must be positive, got %g", o.Game.WinDrift)
	}
	if o.PollEvery < 1 {
		return errors.Errorf("poll cadence must be positive, got %d", o.PollEvery)
	}
	return nil
}

// Worker plays episodes on one lane. At most one inference sample of a lane
// is in flight at a time, which is what lets replies pair with requests
// without correlation ids.
type Worker struct {
	opts     Options
	clientID string
	lane     uint64

	fwd  *batching.Forwarder
	ctrl CtrlSender

	rng  *rand.Rand
	mem  *smem.Mem
	view *smem.View

	games, resigns, aborted int64
}

// New creates a worker playing on the given lane.
func New(opts Options, clientID string, lane uint64, fwd *batching.Forwarder, ctrl CtrlSender) *Worker {
	mem := smem.NewMem(opts.Game.Config.Schema(), 1)
	return &Worker{
		opts:     opts,
		clientID: clientID,
		lane:     lane,
		fwd:      fwd,
		ctrl:     ctrl,
		rng:      rand.New(rand.NewSource(opts.Seed)),
		mem:      mem,
		view:     mem.Whole(),
	}
}

// Run polls for requests and plays episodes until the context is canceled or
// the server connection dies. Cancellation is a clean exit.
func (w *Worker) Run(ctx context.Context) error {
	for {
		err := w.runOnce(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
}

func (w *Worker) runOnce(ctx context.Context) error {
	req, err := w.poll(ctx)
	if err != nil {
		return err
	}
	if req.Vers.IsWait() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.opts.IdleWait):
		}
		return nil
	}

	rec, err := w.playEpisode(ctx, req)
	if err != nil {
		return err
	}
	if rec == nil {
		// Abandoned on a version change; the next poll restarts.
		w.aborted++
		return nil
	}
	w.games++
	return w.report(ctx, rec)
}

// poll asks the server for a fresh play request.
func (w *Worker) poll(ctx context.Context) (*records.Request, error) {
	msg := records.CtrlMsg{Kind: records.CtrlRequest, ClientID: w.clientID}
	out, err := w.ctrl.Ctrl(ctx, must.M1(json.Marshal(msg)))
	if err != nil {
		return nil, errors.WithMessage(err, "polling for a play request")
	}
	var reply records.CtrlReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return nil, errors.Wrap(err, "undecodable control reply")
	}
	if reply.Request == nil {
		return nil, errors.New("request poll answered without a request")
	}
	return reply.Request, nil
}

// report delivers a finished episode. Gating rejections (stale version,
// unknown request) are logged, not errors: they are how the server says the
// episode no longer matters.
func (w *Worker) report(ctx context.Context, rec *records.Record) error {
	msg := records.CtrlMsg{Kind: records.CtrlReport, ClientID: w.clientID, Record: rec}
	out, err := w.ctrl.Ctrl(ctx, must.M1(json.Marshal(msg)))
	if err != nil {
		return errors.WithMessage(err, "reporting an episode")
	}
	var reply records.CtrlReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return errors.Wrap(err, "undecodable control reply")
	}
	klog.V(2).Infof("Worker lane %d: episode of %d moves, reward %+.1f, feed %s",
		w.lane, rec.Result.NumMoves, rec.Result.Reward, reply.Feed)
	return nil
}

// playEpisode plays one episode under req. It returns nil without error when
// the episode was abandoned because the model version moved on.
func (w *Worker) playEpisode(ctx context.Context, req *records.Request) (*records.Record, error) {
	game := newDriftGame(w.rng, w.opts.Game)
	neverResign := w.rng.Float32() < req.NeverResignProb
	values := make([]float32, 0, w.opts.Game.MaxMoves)
	var moves strings.Builder

	for !game.over() {
		if game.moves > 0 && game.moves%w.opts.PollEvery == 0 {
			fresh, err := w.poll(ctx)
			if err != nil {
				return nil, err
			}
			if fresh.Vers.IsWait() || fresh.Vers.Black != req.Vers.Black {
				if !req.Async || fresh.Vers.IsWait() {
					klog.V(1).Infof("Worker lane %d: version moved from %s to %s, abandoning after %d moves",
						w.lane, req.Vers, fresh.Vers, game.moves)
					return nil, nil
				}
				// Async play finishes the episode under the new version.
				req = fresh
			}
		}

		game.fillState(w.view.Float32(nn.FieldState))
		if err := w.fwd.SendWait(ctx, w.opts.Label, w.lane, w.view); err != nil {
			return nil, errors.WithMessagef(err, "inference for move %d", game.moves)
		}
		moverValue := w.view.Float32(nn.FieldValue)[0]
		action := w.view.Int32(nn.FieldAction)[0]

		// Values are recorded from black's perspective, one per ply.
		blackValue := moverValue
		if !game.blackToMove() {
			blackValue = -moverValue
		}
		values = append(values, blackValue)

		// The mover's subjective value lives in [0, 2]; below the assigned
		// threshold the mover resigns and the opponent scores exactly one.
		if !neverResign && game.moves >= req.MinResignMoves && 1+moverValue < req.ResignThreshold {
			w.resigns++
			reward := float32(1)
			if game.blackToMove() {
				reward = -1
			}
			return w.newRecord(req, reward, neverResign, values, moves.String()), nil
		}

		game.step(action)
		if moves.Len() > 0 {
			moves.WriteByte(' ')
		}
		moves.WriteString(strconv.Itoa(int(action)))
	}
	return w.newRecord(req, game.margin(), neverResign, values, moves.String()), nil
}

func (w *Worker) newRecord(req *records.Request, reward float32, neverResign bool, values []float32, content string) *records.Record {
	return &records.Record{
		ClientID: w.clientID,
		Request:  *req,
		Result: records.Result{
			Reward:      reward,
			NeverResign: neverResign,
			Values:      values,
			NumMoves:    len(values),
		},
		Content: content,
	}
}

// PoolOptions configures a fleet of workers sharing one server connection.
type PoolOptions struct {
	Options

	NumWorkers int

	// ClientIdx and NumClients partition the lane space: this process owns
	// the lanes congruent to ClientIdx modulo NumClients.
	ClientIdx  int
	NumClients int
}

// Validate returns an error if the options are unusable.
func (o PoolOptions) Validate() error {
	if o.NumWorkers < 1 {
		return errors.Errorf("pool needs at least one worker, got %d", o.NumWorkers)
	}
	if o.NumClients < 1 || o.ClientIdx < 0 || o.ClientIdx >= o.NumClients {
		return errors.Errorf("client index %d does not fit a partition of %d clients", o.ClientIdx, o.NumClients)
	}
	return o.Options.Validate()
}

// Pool runs NumWorkers episode loops, one lane each.
type Pool struct {
	opts    PoolOptions
	workers []*Worker
}

// NewPool creates the fleet. Worker j plays on lane ClientIdx+j*NumClients,
// so lanes never collide across processes honoring the same partition.
func NewPool(opts PoolOptions, clientID string, fwd *batching.Forwarder, ctrl CtrlSender) (*Pool, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{opts: opts, workers: make([]*Worker, opts.NumWorkers)}
	for j := range p.workers {
		wopts := opts.Options
		wopts.Seed = opts.Seed + int64(j)
		lane := uint64(opts.ClientIdx + j*opts.NumClients)
		p.workers[j] = New(wopts, clientID, lane, fwd, ctrl)
	}
	return p, nil
}

// Run plays until the context is canceled or a worker fails.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	err := g.Wait()
	var games, resigns, aborted int64
	for _, w := range p.workers {
		games += w.games
		resigns += w.resigns
		aborted += w.aborted
	}
	klog.Infof("Worker pool done: %d episodes (%d resigned, %d abandoned)", games, resigns, aborted)
	return err
}

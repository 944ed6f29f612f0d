package worker

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/6un9-h0-Dan/ELF/internal/batching"
	"github.com/6un9-h0-Dan/ELF/internal/nn"
	_ "github.com/6un9-h0-Dan/ELF/internal/nn/linear"
	"github.com/6un9-h0-Dan/ELF/internal/records"
	"github.com/6un9-h0-Dan/ELF/internal/selfplay"
	"github.com/6un9-h0-Dan/ELF/internal/transport"
)

// scriptedCtrl answers request polls from a fixed script (the last request
// repeats) and captures reported records.
type scriptedCtrl struct {
	mu       sync.Mutex
	requests []*records.Request
	polls    int
	reports  []*records.Record
}

func (s *scriptedCtrl) Ctrl(_ context.Context, payload []byte) ([]byte, error) {
	var msg records.CtrlMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reply := records.CtrlReply{Kind: msg.Kind}
	switch msg.Kind {
	case records.CtrlRequest:
		idx := s.polls
		if idx >= len(s.requests) {
			idx = len(s.requests) - 1
		}
		s.polls++
		reply.Request = s.requests[idx]
	case records.CtrlReport:
		s.reports = append(s.reports, msg.Record)
		reply.Feed = "fed"
	}
	return json.Marshal(reply)
}

func selfplayReq(v records.Version, threshold float32, nrProb float32, minResign int, async bool) *records.Request {
	req := &records.Request{Vers: records.NewVersionPair()}
	req.Vers.Black = v
	req.ResignThreshold = threshold
	req.NeverResignProb = nrProb
	req.MinResignMoves = minResign
	req.Async = async
	return req
}

func waitReq() *records.Request {
	return &records.Request{Vers: records.NewVersionPair()}
}

var testGame = GameOptions{
	Config:   nn.Config{InputDim: 4, NumActions: 3},
	MaxMoves: 8,
	WinDrift: 1000, // Episodes always run to MaxMoves.
}

// newTestWorker wires a worker to an in-process linear engine.
func newTestWorker(t *testing.T, ctrl CtrlSender, pollEvery int) *Worker {
	t.Helper()
	engine, err := nn.New(testGame.Config, "linear:seed=5")
	require.NoError(t, err)
	local := batching.NewLocalBatcher(engine, testGame.Config.Schema(), 1)
	t.Cleanup(local.Close)

	opts := DefaultOptions()
	opts.Game = testGame
	opts.PollEvery = pollEvery
	opts.IdleWait = 5 * time.Millisecond
	opts.Seed = 11
	require.NoError(t, opts.Validate())
	return New(opts, "w-test", 3, batching.NewForwarder(nil, nil, local), ctrl)
}

func TestWorkerResignsBelowThreshold(t *testing.T) {
	// Threshold 2 always fires: the subjective value 1+V stays below 2.
	ctrl := &scriptedCtrl{requests: []*records.Request{selfplayReq(0, 2, 0, 2, false)}}
	w := newTestWorker(t, ctrl, 100)

	require.NoError(t, w.runOnce(context.Background()))
	require.Len(t, ctrl.reports, 1)
	rec := ctrl.reports[0]

	// The first eligible ply is 2, a black ply, so black resigns.
	require.Equal(t, float32(-1), rec.Result.Reward)
	require.Equal(t, 3, rec.Result.NumMoves)
	require.Len(t, rec.Result.Values, 3)
	require.False(t, rec.Result.NeverResign)
	require.Len(t, strings.Fields(rec.Content), 2, "the resignation ply is not a move")
	require.EqualValues(t, 1, w.games)
	require.EqualValues(t, 1, w.resigns)
}

func TestWorkerNeverResignPlaysOut(t *testing.T) {
	ctrl := &scriptedCtrl{requests: []*records.Request{selfplayReq(0, 2, 1, 0, false)}}
	w := newTestWorker(t, ctrl, 100)

	require.NoError(t, w.runOnce(context.Background()))
	require.Len(t, ctrl.reports, 1)
	rec := ctrl.reports[0]

	require.True(t, rec.Result.NeverResign)
	require.Equal(t, testGame.MaxMoves, rec.Result.NumMoves)
	require.Len(t, rec.Result.Values, testGame.MaxMoves)
	require.Len(t, strings.Fields(rec.Content), testGame.MaxMoves)
	require.InDelta(t, 2, math.Abs(float64(rec.Result.Reward)), 1e-6)
	require.EqualValues(t, 0, w.resigns)
}

func TestWorkerAbandonsOnVersionChange(t *testing.T) {
	ctrl := &scriptedCtrl{requests: []*records.Request{
		selfplayReq(1, 0, 0, 0, false),
		selfplayReq(2, 0, 0, 0, false),
	}}
	w := newTestWorker(t, ctrl, 2)

	require.NoError(t, w.runOnce(context.Background()))
	require.Empty(t, ctrl.reports)
	require.EqualValues(t, 1, w.aborted)
	require.EqualValues(t, 0, w.games)
}

func TestWorkerAsyncFollowsNewVersion(t *testing.T) {
	ctrl := &scriptedCtrl{requests: []*records.Request{
		selfplayReq(1, 0, 0, 0, true),
		selfplayReq(2, 0, 0, 0, true),
	}}
	w := newTestWorker(t, ctrl, 2)

	require.NoError(t, w.runOnce(context.Background()))
	require.Len(t, ctrl.reports, 1)
	require.Equal(t, records.Version(2), ctrl.reports[0].Request.Vers.Black)
	require.Equal(t, testGame.MaxMoves, ctrl.reports[0].Result.NumMoves)
}

func TestWorkerWaitInstructionBacksOff(t *testing.T) {
	ctrl := &scriptedCtrl{requests: []*records.Request{waitReq()}}
	w := newTestWorker(t, ctrl, 100)

	require.NoError(t, w.runOnce(context.Background()))
	require.Empty(t, ctrl.reports)
	require.EqualValues(t, 0, w.games)
}

func TestPoolLaneAssignment(t *testing.T) {
	opts := PoolOptions{Options: DefaultOptions(), NumWorkers: 3, ClientIdx: 1, NumClients: 3}
	ctrl := &scriptedCtrl{requests: []*records.Request{waitReq()}}
	engine, err := nn.New(opts.Game.Config, "linear")
	require.NoError(t, err)
	local := batching.NewLocalBatcher(engine, opts.Game.Config.Schema(), 1)
	t.Cleanup(local.Close)

	p, err := NewPool(opts, "c", batching.NewForwarder(nil, nil, local), ctrl)
	require.NoError(t, err)
	lanes := []uint64{p.workers[0].lane, p.workers[1].lane, p.workers[2].lane}
	require.Equal(t, []uint64{1, 4, 7}, lanes)

	opts.ClientIdx = 3
	_, err = NewPool(opts, "c", batching.NewForwarder(nil, nil, local), ctrl)
	require.ErrorContains(t, err, "does not fit")
}

func TestPoolLoopbackIntegration(t *testing.T) {
	cfg := nn.Config{InputDim: 4, NumActions: 3}
	engine, err := nn.New(cfg, "linear:seed=9")
	require.NoError(t, err)

	store, err := records.NewFileStore(t.TempDir())
	require.NoError(t, err)

	copts := selfplay.DefaultControllerOptions()
	copts.ServerID = "itest"
	copts.TimeSignature = "t0"
	copts.SelfplayInitNum = 4
	copts.SelfplayUpdateNum = 2
	copts.NeverResignProb = 0.5
	copts.MinResignMoves = 2
	copts.AIConfig = "linear"
	controller, err := selfplay.NewController(copts, store)
	require.NoError(t, err)
	_, err = controller.SetCurrModel(0)
	require.NoError(t, err)

	local := batching.NewLocalBatcher(engine, cfg.Schema(), 1)
	t.Cleanup(local.Close)
	loop := &transport.LoopbackCtrl{
		ClientID: "itest",
		Handler: func(clientID string, payload []byte) ([]byte, error) {
			return selfplay.HandleCtrl(controller, clientID, payload)
		},
	}

	popts := PoolOptions{Options: DefaultOptions(), NumWorkers: 2, ClientIdx: 0, NumClients: 1}
	popts.Game = testGame
	popts.Game.MaxMoves = 6
	popts.PollEvery = 3
	popts.IdleWait = 5 * time.Millisecond
	popts.Seed = 42
	pool, err := NewPool(popts, "itest", batching.NewForwarder(nil, nil, local), loop)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool { return controller.TotalFed() >= 6 },
		10*time.Second, 10*time.Millisecond, "episodes must flow end to end")
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop on cancellation")
	}
	require.GreaterOrEqual(t, controller.NumSelfplayCurrModel(), int64(6))
}

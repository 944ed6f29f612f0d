package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/6un9-h0-Dan/ELF/internal/batching"
	"github.com/6un9-h0-Dan/ELF/internal/nn"
	"github.com/6un9-h0-Dan/ELF/internal/records"
	"github.com/6un9-h0-Dan/ELF/internal/selfplay"
	"github.com/6un9-h0-Dan/ELF/internal/transport"
	"github.com/6un9-h0-Dan/ELF/internal/worker"
)

// trainServer bundles the moving parts of one run: the engine, the batching
// plane, the self-play controller and (outside loopback mode) the TCP server.
type trainServer struct {
	opts   Options
	cfg    nn.Config
	engine nn.Engine
	store  *records.FileStore
	ctrl   *selfplay.Controller
	stats  *batching.Stats
	router *batching.Router
	server *transport.Server
}

func newTrainServer(opts Options) (*trainServer, error) {
	cfg := opts.nnConfig()
	engine, err := nn.New(cfg, opts.Engine)
	if err != nil {
		return nil, err
	}
	store, err := records.NewFileStore(opts.RecordsDir)
	if err != nil {
		return nil, err
	}
	ctrl, err := selfplay.NewController(opts.controllerOptions(), store)
	if err != nil {
		return nil, err
	}
	ts := &trainServer{
		opts:   opts,
		cfg:    cfg,
		engine: engine,
		store:  store,
		ctrl:   ctrl,
	}
	if opts.Loopback.Workers > 0 {
		return ts, nil
	}

	ts.stats = batching.NewStats("server")
	ts.router = batching.NewRouter(opts.NumClients, ts.stats)
	err = ts.router.AddSlots(batching.SlotPoolOptions{
		Label:     opts.Label,
		NumSlots:  opts.NumSlots,
		BatchSize: opts.BatchSize,
		Mode:      batching.Entry,
		Schema:    cfg.Schema(),
	})
	if err != nil {
		return nil, err
	}
	ts.server = transport.NewServer(transport.ServerOptions{
		Addr:       opts.Addr,
		NumClients: opts.NumClients,
	}, ts.onSample, ts.onCtrl)
	return ts, nil
}

// onSample routes one inbound sample frame into the batching plane.
func (ts *trainServer) onSample(_ int, lane uint64, label string, payload []byte) {
	err := ts.router.Route(label, batching.Update{Origin: lane, Payload: payload})
	if err != nil {
		klog.Errorf("Dropping sample from lane %d: %v", lane, err)
	}
}

func (ts *trainServer) onCtrl(clientID string, payload []byte) ([]byte, error) {
	return selfplay.HandleCtrl(ts.ctrl, clientID, payload)
}

// run starts everything and blocks until ctx is canceled or a part fails.
func (ts *trainServer) run(ctx context.Context) error {
	if _, err := ts.ctrl.SetCurrModel(0); err != nil {
		return err
	}
	klog.Infof("Engine ready: %s", ts.engine)

	g, ctx := errgroup.WithContext(ctx)
	if ts.opts.Loopback.Workers > 0 {
		ts.runLoopback(g, ctx)
	} else {
		ts.runRemote(g, ctx)
	}
	g.Go(func() error { return ts.trainLoop(ctx) })
	if ts.opts.ReportEvery > 0 {
		g.Go(func() error { return ts.reportLoop(ctx) })
	}
	return g.Wait()
}

// runRemote serves workers over TCP: the router collects their samples into
// slots and the inference loops run the engine over each full batch.
func (ts *trainServer) runRemote(g *errgroup.Group, ctx context.Context) {
	g.Go(func() error { return ts.server.Serve(ctx) })
	ts.router.Start(ctx, ts.server)
	for ii := 0; ii < ts.opts.InferThreads; ii++ {
		g.Go(func() error { return ts.inferLoop(ctx) })
	}
}

// runLoopback plays everything in-process: a worker pool feeds the engine
// through the local auto-batcher and talks to the controller inline.
func (ts *trainServer) runLoopback(g *errgroup.Group, ctx context.Context) {
	// The local batcher only fills from in-flight requests, so the batch must
	// not exceed the worker count.
	batch := min(ts.opts.BatchSize, ts.opts.Loopback.Workers)
	local := batching.NewLocalBatcher(ts.engine, ts.cfg.Schema(), batch)
	fwd := batching.NewForwarder(nil, nil, local)
	loop := &transport.LoopbackCtrl{ClientID: "loopback", Handler: ts.onCtrl}
	pool, err := worker.NewPool(ts.opts.poolOptions(), "loopback", fwd, loop)
	if err != nil {
		g.Go(func() error { return err })
		return
	}
	klog.Infof("Loopback mode: %d in-process workers, batch size %d", ts.opts.Loopback.Workers, batch)
	g.Go(func() error {
		defer local.Close()
		return pool.Run(ctx)
	})
}

func (ts *trainServer) inferLoop(ctx context.Context) error {
	for {
		slot, err := ts.router.NextReady(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		status := batching.ReplySuccess
		if err := ts.engine.BatchInfer(slot.Mem()); err != nil {
			klog.Errorf("Inference failed on slot %d of label %q: %v", slot.Idx(), slot.Label(), err)
			status = batching.ReplyFailed
		}
		if err := slot.Release(status); err != nil {
			return err
		}
	}
}

// trainLoop is the training driver: whenever the current version has enough
// fresh episodes it applies one weight update, and every UpdatesPerVersion
// updates it advances the model version handed to workers.
func (ts *trainServer) trainLoop(ctx context.Context) error {
	ticker := time.NewTicker(ts.opts.TrainPoll)
	defer ticker.Stop()
	var updates int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		curr := ts.ctrl.CurrModel()
		if ts.ctrl.NeedWaitForMoreSample(curr) != selfplay.SufficientSample {
			continue
		}
		updates++
		if err := ts.engine.Refresh(records.Version(updates)); err != nil {
			return errors.WithMessagef(err, "weight update %d failed", updates)
		}
		if err := ts.ctrl.NotifyCurrentWeightUpdate(); err != nil {
			return err
		}
		klog.V(1).Infof("Weight update %d applied: %s", updates, ts.engine)
		if updates%int64(ts.opts.UpdatesPerVersion) == 0 {
			next := curr + 1
			if _, err := ts.ctrl.SetCurrModel(next); err != nil {
				return err
			}
			klog.Infof("Model version advanced to %s after %d weight updates", next, updates)
		}
	}
}

func (ts *trainServer) reportLoop(ctx context.Context) error {
	ticker := time.NewTicker(ts.opts.ReportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		klog.Info(ts.ctrl.Info())
		if ts.server != nil {
			klog.Infof("%s; %d workers connected", ts.stats.Report(), ts.server.NumConns())
		}
	}
}

// selfplay runs a pool of self-play workers against a trainserver.
//
// It works as follows:
//
//  1. Dial the server. The handshake assigns this process a client index out
//     of the server's lane partition; worker j then owns lane
//     clientIdx + j*numClients.
//  2. Each worker polls the server for a play request and plays episodes,
//     riding every state through the server's batched inference plane and
//     acting on the returned value, policy and action.
//  3. Finished episodes are reported back over the control channel; the
//     server decides whether they count toward the current model version.
//
// The pool runs until interrupted. The sample geometry flags must match the
// server's configuration.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/6un9-h0-Dan/ELF/internal/batching"
	"github.com/6un9-h0-Dan/ELF/internal/nn"
	"github.com/6un9-h0-Dan/ELF/internal/profilers"
	"github.com/6un9-h0-Dan/ELF/internal/shutdown"
	"github.com/6un9-h0-Dan/ELF/internal/transport"
	"github.com/6un9-h0-Dan/ELF/internal/worker"
)

var (
	flagAddr      = flag.String("addr", "localhost:7254", "Server address to connect to.")
	flagWorkers   = flag.Int("workers", 16, "Concurrent episode loops.")
	flagLabel     = flag.String("label", "actor", "Batch pool the inference samples ride on.")
	flagInputDim  = flag.Int("input_dim", 8, "State vector width; must match the server.")
	flagActions   = flag.Int("num_actions", 4, "Action count; must match the server.")
	flagMaxMoves  = flag.Int("max_moves", 60, "Natural game length bound.")
	flagWinDrift  = flag.Float64("win_drift", 3, "Score drift at which a game is decided naturally.")
	flagPollEvery = flag.Int("poll_every", 5, "Plies between request re-polls within an episode.")
	flagSeed      = flag.Int64("seed", 0, "Base RNG seed; 0 derives one from the clock.")

	globalCtx, globalCancel = context.WithCancel(context.Background())
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	shutdown.SafeInterrupt(globalCancel, 5*time.Second)
	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	seed := *flagSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	client := must.M1(transport.Dial(globalCtx, *flagAddr))
	defer func() { _ = client.Close() }()
	klog.Infof("Connected to %s as client %d of %d", *flagAddr, client.ClientIdx(), client.NumClients())

	wopts := worker.DefaultOptions()
	wopts.Label = *flagLabel
	wopts.Game = worker.GameOptions{
		Config:   nn.Config{InputDim: *flagInputDim, NumActions: *flagActions},
		MaxMoves: *flagMaxMoves,
		WinDrift: float32(*flagWinDrift),
	}
	wopts.PollEvery = *flagPollEvery
	wopts.Seed = seed

	fwd := batching.NewForwarder([]string{*flagLabel}, client, nil)
	pool := must.M1(worker.NewPool(worker.PoolOptions{
		Options:    wopts,
		NumWorkers: *flagWorkers,
		ClientIdx:  client.ClientIdx(),
		NumClients: client.NumClients(),
	}, client.ID(), fwd, client))
	must.M(pool.Run(globalCtx))
	klog.Info("Done.")
}

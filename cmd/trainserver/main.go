// trainserver runs the server side of the self-play training loop: it batches
// inference requests arriving from workers, gates which finished episodes
// count toward training, calibrates the resignation threshold and advances
// the model version as samples accumulate.
//
// It works as follows:
//
//  1. Workers (cmd/selfplay) connect over TCP and stream game states. States
//     from all workers are collected into shared-memory batch slots; each full
//     batch runs through the inference engine and the value, policy and
//     action outputs stream back to the lanes that filled it.
//  2. On the side control channel workers poll for play requests and report
//     finished episodes. The controller stamps requests with the current
//     model version and resignation threshold, counts the episodes that
//     arrive for that version and flushes them to the records directory in
//     compressed batches.
//  3. Whenever the current version has enough fresh episodes, the training
//     driver applies a weight update; after updates_per_version of those the
//     version handed to workers advances by one.
//
// With -loopback_workers=N no TCP is served: N in-process workers exercise
// the identical control plane through the local auto-batcher, giving a
// single-binary smoke run:
//
//	trainserver -loopback_workers=8 -engine=linear:seed=42 -records=/tmp/run
package main

import (
	"context"
	"flag"
	"time"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/6un9-h0-Dan/ELF/internal/nn/engines"
	"github.com/6un9-h0-Dan/ELF/internal/profilers"
	"github.com/6un9-h0-Dan/ELF/internal/shutdown"
)

var (
	flagConfig          = flag.String("config", "", "YAML run configuration; explicit flags override its fields.")
	flagAddr            = flag.String("addr", ":7254", "TCP address workers connect to.")
	flagEngine          = flag.String("engine", "linear", "Inference engine configuration, e.g. \"linear:seed=42\" or \"fnn:checkpoint=/tmp/run\".")
	flagRecords         = flag.String("records", "selfplay-records", "Directory receiving the flushed episode batches.")
	flagLoopbackWorkers = flag.Int("loopback_workers", 0, "If > 0, serve no TCP and run this many in-process workers instead.")
	flagTrainPoll       = flag.Duration("train_poll", 200*time.Millisecond, "Cadence of the training driver's sample-threshold check.")
	flagReportEvery     = flag.Duration("report_every", 30*time.Second, "Cadence of the progress log line; 0 disables it.")

	globalCtx, globalCancel = context.WithCancel(context.Background())
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	shutdown.SafeInterrupt(globalCancel, 5*time.Second)
	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	opts := must.M1(loadOptions())
	srv := must.M1(newTrainServer(opts))
	must.M(srv.run(globalCtx))
	klog.Info("Done.")
}

// loadOptions layers defaults, then the -config file, then explicit flags.
func loadOptions() (Options, error) {
	opts := DefaultOptions()
	if *flagConfig != "" {
		if err := LoadOptions(*flagConfig, &opts); err != nil {
			return opts, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			opts.Addr = *flagAddr
		case "engine":
			opts.Engine = *flagEngine
		case "records":
			opts.RecordsDir = *flagRecords
		case "loopback_workers":
			opts.Loopback.Workers = *flagLoopbackWorkers
		case "train_poll":
			opts.TrainPoll = *flagTrainPoll
		case "report_every":
			opts.ReportEvery = *flagReportEvery
		}
	})
	return opts, opts.Validate()
}

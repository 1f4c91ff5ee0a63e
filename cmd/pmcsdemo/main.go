// Command pmcsdemo drives the collector against an in-memory object graph
// from the command line, exercising registration, allocation, scheduling
// and finalization end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/jvmusin/pmcs-gc/internal/gc/epoch"
	"github.com/jvmusin/pmcs-gc/internal/gc/gcconfig"
	"github.com/jvmusin/pmcs-gc/internal/gclog"
	"github.com/jvmusin/pmcs-gc/internal/object"
	"github.com/jvmusin/pmcs-gc/pkg/gcapi"
)

var log = gclog.For("pmcsdemo")

var nodeType = &object.TypeInfo{
	Name: "node",
	Kind: object.KindStruct,
	Refs: func(h *object.Header) []*object.Header {
		if h.Extra() == nil {
			return nil
		}
		return h.Extra().StrongTargets
	},
}

// realScheduler implements orchestrator.Scheduler by logging collection
// boundaries; the actual "when to collect" policy lives outside this
// collector (spec.md §1 Non-goals), so onGCStart/onGCFinish here are purely
// observational.
type realScheduler struct{}

func (realScheduler) OnGCStart() { log.Info("collection starting") }

func (realScheduler) OnGCFinish(e epoch.ID, bytes int64) {
	log.WithField("epoch", uint64(e)).WithField("allocated_bytes", bytes).Info("collection finished")
}

func main() {
	app := &cli.App{
		Name:  "pmcsdemo",
		Usage: "drive the PMCS collector against a synthetic object graph",
		Flags: []cli.Flag{
			&cli.UintFlag{Name: "max-parallelism", Value: 4},
			&cli.UintFlag{Name: "aux-gc-threads", Value: 3},
			&cli.BoolFlag{Name: "cooperative", Value: true},
			&cli.IntFlag{Name: "objects", Value: 10000},
			&cli.IntFlag{Name: "mutators", Value: 4},
			&cli.StringFlag{Name: "config", Usage: "path to a gc.toml tunables file"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
			&cli.DurationFlag{Name: "duration", Value: 5 * time.Second},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debugf(format, args...)
	}))
	if err != nil {
		log.WithField("error", err).Warn("maxprocs.Set failed, continuing with default GOMAXPROCS")
	}
	defer undo()

	gclog.SetLevelName(ctx.String("log-level"))

	var cfg gcconfig.Config
	if path := ctx.String("config"); path != "" {
		cfg, err = gcconfig.Load(path)
		if err != nil {
			return err
		}
	} else {
		cfg = gcconfig.Default()
		cfg.MaxParallelism = ctx.Uint("max-parallelism")
		cfg.AuxGCThreads = ctx.Uint("aux-gc-threads")
		cfg.MutatorsCooperate = ctx.Bool("cooperative")
	}

	factory := object.NewFactory()
	collector := gcapi.New(factory, realScheduler{}, cfg)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go collector.Run(runCtx)
	defer collector.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("signal received, shutting down")
		cancel()
	}()

	numMutators := ctx.Int("mutators")
	objectsPerMutator := ctx.Int("objects") / maxInt(1, numMutators)

	driveCtx, driveCancel := context.WithTimeout(runCtx, ctx.Duration("duration"))
	defer driveCancel()

	var wg sync.WaitGroup
	for i := 0; i < numMutators; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			driveMutator(driveCtx, collector, id, objectsPerMutator)
		}(i)
	}
	wg.Wait()

	e := collector.Schedule()
	collector.WaitFinished(context.Background(), e)
	collector.WaitFinalizers(context.Background(), e)
	log.Info("demo run complete")
	return nil
}

func driveMutator(ctx context.Context, collector *gcapi.Collector, id, n int) {
	var roots []*object.Header
	var mu sync.Mutex
	m := collector.RegisterMutator(func() []*object.Header {
		mu.Lock()
		defer mu.Unlock()
		return append([]*object.Header(nil), roots...)
	})
	defer m.Deregister()

	var survivor *object.Header
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return
		}
		h := m.CreateObject(nodeType, 32)
		if i%100 == 0 {
			extra := m.CreateExtraObjectData(h)
			extra.HasFinalizer = true
			extra.Finalizer = func() {
				log.WithField("mutator", id).Debug("finalizer ran")
			}
		}
		survivor = h

		if err := m.SafePoint(ctx); err != nil {
			return
		}
	}

	mu.Lock()
	roots = []*object.Header{survivor}
	mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
			if err := m.SafePoint(ctx); err != nil {
				return
			}
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Package main provides core-bench, a throughput and contention
// soak-test harness for the storage engine core.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/reiser4go/core"
	"github.com/reiser4go/core/internal/memstore"
)

type config struct {
	pageCount  int
	fillFactor float64
	workers    int
	blocks     int
	duration   time.Duration
	writeRatio float64
}

func main() {
	cfg := config{}
	flag.IntVar(&cfg.pageCount, "page-count", 4096, "number of frame slots in the cache")
	flag.Float64Var(&cfg.fillFactor, "fill-factor", 1.0, "hash table fill factor")
	flag.IntVar(&cfg.workers, "workers", 16, "number of concurrent handles driving the workload")
	flag.IntVar(&cfg.blocks, "blocks", 2000, "number of distinct blocks in the working set")
	flag.DurationVar(&cfg.duration, "duration", 3*time.Second, "how long to run")
	flag.Float64Var(&cfg.writeRatio, "write-ratio", 0.3, "fraction of captures that are write-mode")

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: core-bench [flags]\n\n")
		fmt.Fprint(os.Stderr, "Drives concurrent capture/lock/commit cycles against an in-memory\n")
		fmt.Fprint(os.Stderr, "store and reports throughput, retry/fusion rates, and CPU time.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config) error {
	const pageSize = 4096
	const super = core.SuperID(1)

	store := memstore.NewStore(pageSize)
	alloc := memstore.NewAllocator()
	plugin := memstore.NodePlugin{}
	collector := &core.CounterCollector{}

	engine, err := core.New(store, alloc, plugin, memstore.Glue{},
		core.WithPageCount(cfg.pageCount),
		core.WithFillFactor(cfg.fillFactor),
		core.WithCollector(collector),
	)
	if err != nil {
		return fmt.Errorf("core.New: %w", err)
	}

	ids := make([]core.BlockID, cfg.blocks)
	seedHandle := engine.Begin(super)
	seedOwner := core.NewOwnerStack(core.PriorityLow)
	for i := range ids {
		ref, err := engine.Create(seedOwner, seedHandle, super)
		if err != nil {
			return fmt.Errorf("seed create %d: %w", i, err)
		}
		ids[i] = ref.Frame().ID()
		ref.Release(engine)
	}
	if err := engine.Commit(seedHandle); err != nil {
		return fmt.Errorf("seed commit: %w", err)
	}

	var ops, retries, errs int64
	start := time.Now()
	userStart, sysStart, haveCPU := cpuTimes()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < cfg.workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				if err := oneCycle(engine, rng, ids, cfg.writeRatio); err != nil {
					atomic.AddInt64(&errs, 1)
					continue
				}
				atomic.AddInt64(&ops, 1)
			}
		}(int64(w) + 1)
	}

	time.Sleep(cfg.duration)
	close(stop)
	wg.Wait()
	elapsed := time.Since(start)

	snap := collector.Snapshot()
	retries = snap.CaptureRetry

	fmt.Printf("ops=%d elapsed=%s throughput=%.0f ops/s\n", ops, elapsed, float64(ops)/elapsed.Seconds())
	fmt.Printf("retries=%d errs=%d fusions=%d copy_on_capture=%d deadlock_retries=%d slum_merges=%d slum_splits=%d\n",
		retries, errs, snap.Fusions, snap.CopyOnCapture, snap.DeadlockRetries, snap.SlumMerges, snap.SlumSplits)
	if haveCPU {
		userEnd, sysEnd, _ := cpuTimes()
		fmt.Printf("cpu user=%.2fs sys=%.2fs\n", userEnd-userStart, sysEnd-sysStart)
	}
	return nil
}

// oneCycle performs one begin/capture/unlock/commit cycle against a
// random block, mirroring the shape of S1/S2 in the testable
// scenarios: a handle captures a block, optionally mutates it, and
// commits, so the workload exercises capture, fusion and commit
// staging concurrently across workers sharing the same working set.
func oneCycle(engine *core.Engine, rng *rand.Rand, ids []core.BlockID, writeRatio float64) error {
	owner := core.NewOwnerStack(core.PriorityLow)
	h := engine.Begin(core.SuperID(1))
	id := ids[rng.Intn(len(ids))]

	mode := core.LockRead
	if rng.Float64() < writeRatio {
		mode = core.LockWrite
	}

	ref, err := engine.Capture(owner, h, id, mode, 0)
	if err != nil {
		return err
	}
	if mode == core.LockWrite {
		buf := ref.Bytes()
		buf[0] = byte(rng.Intn(256))
		engine.SlumOnDirty(ref.Frame())
	}
	ref.Release(engine)
	return engine.Commit(h)
}

// benchCmd is ramlogctl's workload generator, grounded on the
// teacher's cmd/kv/perfCmd.go: testing.Benchmark drives a parallel
// append loop via b.RunParallel under a configurable parallelism, and
// the result is printed through a small summary line the same shape
// as perfCmd.go's printResult.
package main

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramlog-io/ramlog/cmd/util"
	"github.com/ramlog-io/ramlog/lib/logengine"
	"github.com/ramlog-io/ramlog/lib/logengine/backup/memlink"
	"github.com/ramlog-io/ramlog/lib/logengine/cleaner"
	"github.com/ramlog-io/ramlog/lib/logengine/metrics"
	"github.com/ramlog-io/ramlog/lib/logengine/registry"
	"github.com/ramlog-io/ramlog/lib/logengine/segmgr"
	"github.com/ramlog-io/ramlog/lib/logengine/seglet"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	Short:   "Hammer a throwaway engine with concurrent appends and print cleaner metrics",
	PreRunE: func(cmd *cobra.Command, _ []string) error { return util.BindCommandFlags(cmd) },
	RunE:    runBench,
}

func init() {
	f := benchCmd.Flags()
	f.Int("threads", 4, util.WrapString("Concurrent appending goroutines"))
	f.Int("value-size", 128, util.WrapString("Value size in bytes"))
	f.Int("cleaner-threads", 2, util.WrapString("Cleaner worker goroutines"))
}

func runBench(_ *cobra.Command, _ []string) error {
	threads := viper.GetInt("threads")
	valueSize := viper.GetInt("value-size")
	cleanerThreads := viper.GetInt("cleaner-threads")

	const segletSize = 64 * 1024
	const segletsPerSegment = 16
	const totalSeglets = segletsPerSegment * 64
	const reserveSeglets = segletsPerSegment * 4

	alloc := seglet.New(segletSize, totalSeglets)
	mgr := segmgr.New(alloc, segletsPerSegment, nil)
	if ok := mgr.InitializeSurvivorReserve(reserveSeglets); !ok {
		return fmt.Errorf("bench: failed to reserve %d seglets for the survivor pool", reserveSeglets)
	}

	mset := metrics.New()
	reg := registry.New()
	link := memlink.New()
	l, err := logengine.New(logengine.Config{SegletSize: segletSize, SegletsPerSegment: segletsPerSegment, Metrics: mset}, mgr, reg, link)
	if err != nil {
		return fmt.Errorf("bench: %w", err)
	}

	c := cleaner.New(mgr, l, link, segletSize, segletsPerSegment, cleaner.DefaultThresholds(), mset, nil)
	c.Start(cleanerThreads)
	defer c.Stop()

	value := make([]byte, valueSize)
	for i := range value {
		value[i] = byte(i)
	}

	var nextKey atomic.Uint64
	result := testing.Benchmark(func(b *testing.B) {
		b.SetParallelism(threads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			key := make([]byte, 8)
			for pb.Next() {
				binary.LittleEndian.PutUint64(key, nextKey.Add(1))
				if _, err := l.Append(1, key, value); err != nil {
					return
				}
			}
		})
	})

	printBenchResult(result)

	time.Sleep(200 * time.Millisecond) // let the cleaner drain a settle-out pass before reading metrics
	snap := mset.Snapshot()
	fmt.Printf("appends=%d headRollovers=%d segmentsCompacted=%d segmentsCleaned=%d entriesRelocated=%d\n",
		snap.Appends, snap.HeadRollovers, snap.SegmentsCompacted, snap.SegmentsCleaned, snap.EntriesRelocated)
	return nil
}

func printBenchResult(r testing.BenchmarkResult) {
	nsPerOp := r.NsPerOp()
	if nsPerOp == 0 {
		nsPerOp = 1
	}
	opsPerSec := 1e9 / float64(nsPerOp)
	fmt.Printf("append%-20d%dns/op (%s/op)\t%.0f ops/sec\n", r.N, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

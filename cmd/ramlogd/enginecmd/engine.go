// Package enginecmd implements ramlogd's "engine" role: the Log plus
// Cleaner worker pool, replicating to a Backup Link. Its flags
// (seglet-size, seglets-per-segment, total-seglets,
// survivor-reserve-seglets, cleaner-threads,
// disable-in-memory-cleaning, backup-addr) are bound to viper the way
// the teacher's cmd/serve.processConfig binds its shard/timeout flags.
// Segment size is seglet-size times seglets-per-segment; there is no
// flag for a cleaner write-cost threshold.
package enginecmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramlog-io/ramlog/cmd/util"
	"github.com/ramlog-io/ramlog/lib/logengine"
	"github.com/ramlog-io/ramlog/lib/logengine/backup"
	backuprpc "github.com/ramlog-io/ramlog/lib/logengine/backup/rpc"
	"github.com/ramlog-io/ramlog/lib/logengine/backup/memlink"
	"github.com/ramlog-io/ramlog/lib/logengine/cleaner"
	"github.com/ramlog-io/ramlog/lib/logengine/metrics"
	"github.com/ramlog-io/ramlog/lib/logengine/registry"
	"github.com/ramlog-io/ramlog/lib/logengine/segmgr"
	"github.com/ramlog-io/ramlog/lib/logengine/seglet"
)

var Cmd = &cobra.Command{
	Use:     "engine",
	Short:   "Run the log engine: append path, cleaner workers, backup replication",
	PreRunE: func(cmd *cobra.Command, _ []string) error { return util.BindCommandFlags(cmd) },
	RunE:    run,
}

func init() {
	f := Cmd.Flags()
	f.Int("seglet-size", 64*1024, util.WrapString("Seglet size in bytes"))
	f.Int("seglets-per-segment", 16, util.WrapString("Seglets per segment"))
	f.Int("total-seglets", 16*256, util.WrapString("Total seglets the allocator manages"))
	f.Int("survivor-reserve-seglets", 16*8, util.WrapString("Seglets held back as the survivor reserve"))
	f.Int("cleaner-threads", 2, util.WrapString("Number of cleaner worker goroutines (worker 0 also runs disk cleaning)"))
	f.Bool("disable-in-memory-cleaning", false, util.WrapString("Disable in-memory compaction; disk cleaning only"))
	f.String("backup-addr", "", util.WrapString("Address of a ramlogd backup collaborator; empty uses an in-process fake with no durability"))
}

func run(_ *cobra.Command, _ []string) error {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "role", "engine")

	segletSize := viper.GetInt("seglet-size")
	segletsPerSegment := viper.GetInt("seglets-per-segment")
	totalSeglets := viper.GetInt("total-seglets")
	reserveSeglets := viper.GetInt("survivor-reserve-seglets")
	cleanerThreads := viper.GetInt("cleaner-threads")
	disableInMemory := viper.GetBool("disable-in-memory-cleaning")
	backupAddr := viper.GetString("backup-addr")

	var link backup.Link
	if backupAddr == "" {
		level.Warn(logger).Log("msg", "no --backup-addr given, using an in-process fake with no real durability")
		link = memlink.New()
	} else {
		level.Info(logger).Log("msg", "connecting to backup collaborator", "addr", backupAddr)
		client, err := backuprpc.Dial(backupAddr, 5*time.Second)
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		defer client.CloseConn()
		link = client
	}

	alloc := seglet.New(segletSize, totalSeglets)
	mgr := segmgr.New(alloc, segletsPerSegment, nil)
	if ok := mgr.InitializeSurvivorReserve(reserveSeglets); !ok {
		return fmt.Errorf("engine: failed to reserve %d seglets for the survivor pool", reserveSeglets)
	}

	mset := metrics.New()

	reg := registry.New()
	l, err := logengine.New(logengine.Config{SegletSize: segletSize, SegletsPerSegment: segletsPerSegment, Metrics: mset}, mgr, reg, link)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	thresholds := cleaner.DefaultThresholds()
	if disableInMemory {
		// 101 is unreachable since memory utilization is capped at
		// 100: workers fall straight through to disk cleaning only.
		thresholds.MinMemoryUtilization = 101
	}

	c := cleaner.New(mgr, l, link, segletSize, segletsPerSegment, thresholds, mset, nil)
	c.Start(cleanerThreads)
	level.Info(logger).Log("msg", "cleaner started", "threads", cleanerThreads)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	level.Info(logger).Log("msg", "shutting down")
	c.Stop()

	level.Info(logger).Log("msg", "shutdown complete")
	return nil
}

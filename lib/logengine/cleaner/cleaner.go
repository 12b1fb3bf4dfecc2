// Package cleaner implements the two-level cleaner: in-memory
// compaction and disk cleaning, run by a fixed pool of worker
// goroutines exactly as spec.md §4.6 describes. Grounded throughout on
// original_source/src/LogCleaner.cc for the selection formulas, the
// cost-benefit sort, and the relocation protocol; the goroutine-pool
// shape borrows the teacher's garbageCollector()-per-partition +
// sync.WaitGroup pattern.
package cleaner

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	logengine "github.com/ramlog-io/ramlog/lib/logengine"
	"github.com/ramlog-io/ramlog/lib/logengine/backup"
	"github.com/ramlog-io/ramlog/lib/logengine/internal/candidateheap"
	"github.com/ramlog-io/ramlog/lib/logengine/logerr"
	"github.com/ramlog-io/ramlog/lib/logengine/metrics"
	"github.com/ramlog-io/ramlog/lib/logengine/segmgr"
	"github.com/ramlog-io/ramlog/lib/logengine/segment"
)

// relocStatus is the outcome of relocateEntry.
type relocStatus int

const (
	relocated relocStatus = iota
	notNeeded
	relocationFailed
)

// Cleaner owns the candidate set and worker pool. It is started and
// stopped explicitly; Start/Stop are idempotent but not safe to call
// concurrently with themselves (spec.md §4.6).
type Cleaner struct {
	mgr      *segmgr.Manager
	handlers logengine.EntryHandlers
	link     backup.Link
	metrics  *metrics.Set

	segletSize int
	maxSeglets int
	thresholds Thresholds
	nowFn      func() uint32

	candMu     sync.Mutex
	candidates []*segment.Segment

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// New creates a Cleaner over mgr's segment population, relocating via
// handlers and replicating survivors via link.
func New(mgr *segmgr.Manager, handlers logengine.EntryHandlers, link backup.Link, segletSize, maxSeglets int, thresholds Thresholds, mset *metrics.Set, nowFn func() uint32) *Cleaner {
	return &Cleaner{
		mgr:        mgr,
		handlers:   handlers,
		link:       link,
		metrics:    mset,
		segletSize: segletSize,
		maxSeglets: maxSeglets,
		thresholds: thresholds,
		nowFn:      nowFn,
	}
}

func (c *Cleaner) now() uint32 {
	if c.nowFn != nil {
		return c.nowFn()
	}
	return uint32(time.Now().Unix())
}

func (c *Cleaner) observe(name string) func() {
	if c.metrics == nil {
		return func() {}
	}
	return c.metrics.Phase(name)
}

// Start launches n worker goroutines. Calling Start while already
// running is a no-op.
func (c *Cleaner) Start(n int) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	for i := 0; i < n; i++ {
		c.wg.Add(1)
		go c.workerLoop(i)
	}
}

// Stop signals every worker to exit after its current iteration
// completes and waits for them to join. Calling Stop when not running
// is a no-op.
func (c *Cleaner) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	close(c.stopCh)
	c.running = false
	c.runMu.Unlock()
	c.wg.Wait()
}

func (c *Cleaner) workerLoop(workerIndex int) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		didWork := c.doWork(workerIndex)
		if !didWork {
			select {
			case <-c.stopCh:
				return
			case <-time.After(c.pollDelay()):
			}
		}
	}
}

func (c *Cleaner) pollDelay() time.Duration {
	base := time.Duration(c.thresholds.PollInterval) * time.Microsecond
	if base <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 10 + 1))
	return base + jitter
}

// doWork runs one iteration of a worker's loop: refresh candidates,
// compute pressure, pick a role, and do at most one unit of work.
// Returns whether any work was actually performed. Timed end-to-end,
// matching LogCleaner.cc's doWorkTicks: thread active time excludes
// only the idle-poll sleep workerLoop takes between iterations.
func (c *Cleaner) doWork(workerIndex int) bool {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.AddThreadActive(time.Since(start))
		}
	}()

	c.refreshCandidates()

	memUtil := c.mgr.MemoryUtilization()
	diskUtil := c.mgr.SegmentUtilization()
	lowOnMemory := memUtil >= c.thresholds.MinMemoryUtilization
	notKeepingUp := memUtil >= c.thresholds.MemoryDepletedUtilization
	lowOnDiskSpace := diskUtil >= c.thresholds.MinDiskUtilization

	if !lowOnMemory && !lowOnDiskSpace {
		return false
	}

	if workerIndex == 0 {
		if lowOnDiskSpace || notKeepingUp {
			if lowOnDiskSpace && c.metrics != nil {
				c.metrics.IncLowDiskSpaceRuns()
			}
			return c.DoDiskCleaningOnce()
		}
		return c.DoMemoryCleaningOnce()
	}

	threshold := math.Min(99, 90+2*float64(workerIndex))
	if lowOnMemory && memUtil >= threshold {
		return c.DoMemoryCleaningOnce()
	}
	return false
}

func (c *Cleaner) refreshCandidates() {
	c.candMu.Lock()
	defer c.candMu.Unlock()
	c.mgr.CleanableSegments(&c.candidates)
}

// removeCandidateAt removes the candidate at index i, must be called
// under candMu.
func removeCandidateAt(cands []*segment.Segment, i int) []*segment.Segment {
	last := len(cands) - 1
	cands[i] = cands[last]
	return cands[:last]
}

// getSegmentToCompact implements spec.md §4.6.2's selection formula
// plus the tombstone fallback, removing the chosen segment from the
// candidate set.
func (c *Cleaner) getSegmentToCompact() (*segment.Segment, uint32) {
	c.candMu.Lock()
	defer c.candMu.Unlock()

	bestIndex := -1
	var bestDelta uint32
	for i, cand := range c.candidates {
		liveBytes := cand.LiveBytes()
		segletsNeeded := uint32(math.Ceil(100 * float64(liveBytes) / (float64(c.segletSize) * c.thresholds.MaxCleanableMemoryUtilization)))
		allocated := uint32(cand.AllocatedSeglets())
		if segletsNeeded >= allocated {
			continue
		}
		delta := allocated - segletsNeeded
		if delta > bestDelta {
			bestIndex = i
			bestDelta = delta
		}
	}

	if bestIndex == -1 {
		// Tombstone fallback: pick the candidate with the most
		// tombstones weighted by time since its last compaction.
		var bestGoodness float64 = -1
		now := c.now()
		for i, cand := range c.candidates {
			tombstoneCount := cand.EntryCount(segment.EntryTombstone)
			elapsed := now - cand.LastCompactionTimestamp
			goodness := float64(tombstoneCount) * float64(elapsed)
			if goodness > bestGoodness {
				bestIndex = i
				bestGoodness = goodness
			}
		}
		if bestIndex == -1 || bestGoodness <= 0 {
			return nil, 0
		}
		chosen := c.candidates[bestIndex]
		c.candidates = removeCandidateAt(c.candidates, bestIndex)
		return chosen, 0
	}

	chosen := c.candidates[bestIndex]
	c.candidates = removeCandidateAt(c.candidates, bestIndex)
	return chosen, bestDelta
}

// DoMemoryCleaningOnce performs one in-memory compaction pass if a
// candidate is available. Returns whether work was done.
func (c *Cleaner) DoMemoryCleaningOnce() bool {
	candidate, freeableSeglets := c.getSegmentToCompact()
	if candidate == nil {
		return false
	}
	if err := c.compact(candidate, freeableSeglets); err != nil {
		if logerr.IsFatal(err) {
			panic(err)
		}
		return false
	}
	return true
}

func (c *Cleaner) compact(source *segment.Segment, freeableSeglets uint32) error {
	if !c.mgr.BeginCompacting(source) {
		return nil // raced with another worker; not fatal, just no-op
	}

	done := c.observe("compaction")
	defer done()

	waitDone := c.observe("wait-for-survivor")
	survivor, ok, err := c.mgr.AllocSideSegment(segmgr.ForCleaning | segmgr.MustNotFail)
	waitDone()
	if err != nil {
		c.mgr.AbortCompacting(source)
		return err
	}
	if !ok {
		c.mgr.AbortCompacting(source)
		return logerr.New(logerr.CodeFatal, "MUST_NOT_FAIL side segment allocation returned without a segment")
	}
	// Matches the original's "freshly allocated, maximum seglets"
	// survivor sizing: eagerly lease every seglet the survivor could
	// ever use, up front, rather than letting Append lease lazily.
	if err := survivor.PreGrow(c.maxSeglets - survivor.AllocatedSeglets()); err != nil {
		return logerr.Wrap(logerr.CodeFatal, "failed to pre-grow compaction survivor to full capacity", err)
	}
	// No backup interaction here: compaction never changes a
	// segment's durable bytes or its segmentId (CompactionComplete
	// retains source's id and discards the survivor's), so the
	// already-synced replica of source stays valid untouched. Only
	// disk cleaning, which mints new segmentIds, needs to replicate
	// and sync survivors before they become visible.

	var bytesAppended uint32
	var relocErr error
	source.Iterate(func(t segment.EntryType, offset uint32, payload []byte) bool {
		if t == segment.EntrySegmentHeader || t == segment.EntrySegmentFooter {
			return true
		}
		ref := source.Reference(offset)
		// effectiveId is source.Id, not survivor.Id: CompactionComplete
		// splices survivor's seglets into source in place and discards
		// survivor's own id, so the reference callers see must already
		// name the segment it will live under after the swap.
		status, err := c.relocateEntry(t, payload, ref, survivor, source.Id, &bytesAppended)
		if err != nil {
			relocErr = err
			return false
		}
		if status == relocationFailed {
			relocErr = logerr.New(logerr.CodeFatal, "entry did not fit into a freshly allocated compaction survivor")
			return false
		}
		return true
	})
	if relocErr != nil {
		return relocErr
	}

	survivor.SetLiveBytes(int64(bytesAppended))

	if err := survivor.Close(); err != nil {
		return err
	}
	// freeableSeglets is getSegmentToCompact's pre-relocation estimate;
	// the survivor's header and footer always occupy at least one
	// seglet regardless of how little (or how much) live data actually
	// got relocated, so the estimate can overshoot what FreeUnusedSeglets
	// will actually accept. Clamp to the survivor's real slack.
	segletsToFree := uint32(survivor.AllocatedSeglets()) - uint32(source.AllocatedSeglets()) + freeableSeglets
	if slack := uint32(survivor.AllocatedSeglets() - survivor.SegletsInUse()); segletsToFree > slack {
		segletsToFree = slack
	}
	if err := survivor.FreeUnusedSeglets(int(segletsToFree)); err != nil {
		return err
	}

	if err := c.mgr.CompactionComplete(source, survivor); err != nil {
		return err
	}
	c.mgr.ReleaseSideSegmentWaiters()
	if c.metrics != nil {
		c.metrics.IncSegmentsCompacted()
		c.metrics.AddSegletsFreed(uint64(segletsToFree))
	}
	return nil
}

// getSegmentsToClean implements spec.md §4.6.3's selection: filter to
// segments below MaxCleanableMemoryUtilization, sort by cost-benefit
// descending, and take a prefix bounded by MaxLiveSegmentsPerDiskPass.
func (c *Cleaner) getSegmentsToClean() []*segment.Segment {
	c.candMu.Lock()
	defer c.candMu.Unlock()

	h := candidateheap.New()
	version := h.NextSortVersion()
	now := c.now()
	bySegmentId := make(map[uint64]*segment.Segment, len(c.candidates))
	for _, cand := range c.candidates {
		bySegmentId[cand.Id] = cand
		util := cand.MemoryUtilization()
		if util > c.thresholds.MaxCleanableMemoryUtilization {
			continue
		}
		diskUtil := cand.DiskUtilization()
		age := float64(now - cand.CreationTimestamp)
		var costBenefit float64
		if diskUtil <= 0 {
			costBenefit = math.Inf(1)
		} else {
			costBenefit = ((100 - diskUtil) * age) / diskUtil
		}
		h.PushCandidate(cand.Id, costBenefit, version)
	}

	segmentSize := c.segletSize * c.maxSeglets
	maxLiveBytes := int64(c.thresholds.MaxLiveSegmentsPerDiskPass) * int64(segmentSize)

	var chosen []*segment.Segment
	var totalLive int64
	for {
		id, ok := h.PopCandidate()
		if !ok {
			break
		}
		cand := bySegmentId[id]
		if totalLive+cand.LiveBytes() > maxLiveBytes {
			break
		}
		totalLive += cand.LiveBytes()
		chosen = append(chosen, cand)
	}

	if len(chosen) == 0 {
		return nil
	}

	chosenSet := make(map[uint64]bool, len(chosen))
	for _, s := range chosen {
		chosenSet[s.Id] = true
	}
	remaining := c.candidates[:0:0]
	for _, cand := range c.candidates {
		if !chosenSet[cand.Id] {
			remaining = append(remaining, cand)
		}
	}
	c.candidates = remaining

	return chosen
}

type timestampedEntry struct {
	seg       *segment.Segment
	offset    uint32
	timestamp uint32
}

// DoDiskCleaningOnce performs one disk cleaning pass over however
// many candidates getSegmentsToClean selects. Returns whether work
// was done.
func (c *Cleaner) DoDiskCleaningOnce() bool {
	segmentsToClean := c.getSegmentsToClean()
	if len(segmentsToClean) == 0 {
		if c.metrics != nil {
			c.metrics.IncEmptySegmentCleans()
		}
		return false
	}
	if err := c.cleanSegments(segmentsToClean); err != nil {
		if logerr.IsFatal(err) {
			panic(err)
		}
		return false
	}
	return true
}

func (c *Cleaner) cleanSegments(segmentsToClean []*segment.Segment) error {
	if !c.mgr.BeginCleaning(segmentsToClean) {
		return logerr.New(logerr.CodeFatal, "beginCleaning raced: a selected candidate was no longer CLEANABLE")
	}

	sortDone := c.observe("sort")
	var entries []timestampedEntry
	for _, seg := range segmentsToClean {
		seg.Iterate(func(t segment.EntryType, offset uint32, payload []byte) bool {
			if t == segment.EntrySegmentHeader || t == segment.EntrySegmentFooter {
				return true
			}
			entries = append(entries, timestampedEntry{seg: seg, offset: offset, timestamp: entryTimestamp(t, payload)})
			return true
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].timestamp < entries[j].timestamp })
	sortDone()

	relocDone := c.observe("relocation")
	survivors, err := c.relocateSortedEntries(entries)
	relocDone()
	if err != nil {
		return err
	}

	// Ported from LogCleaner.cc's memoryBytesFreed/diskBytesFreed
	// formulas: the seglet delta between what the cleaned segments held
	// and what the survivors needed is memory reclaimed; the segment
	// count delta times a full segment's size is disk space reclaimed.
	if c.metrics != nil {
		var segletsBefore, segletsAfter int
		for _, seg := range segmentsToClean {
			segletsBefore += seg.AllocatedSeglets()
		}
		for _, survivor := range survivors {
			segletsAfter += survivor.AllocatedSeglets()
		}
		segmentSize := uint64(c.segletSize * c.maxSeglets)
		diskBytesFreed := uint64(len(segmentsToClean)-len(survivors)) * segmentSize
		c.metrics.AddSegletsFreed(uint64(segletsBefore - segletsAfter))
		c.metrics.AddLiveBytesFreed(diskBytesFreed)
		c.metrics.AddSurvivorsCreated(len(survivors))
	}

	syncDone := c.observe("backup-sync")
	for _, survivor := range survivors {
		if c.link == nil {
			continue
		}
		// A CodeTimeout from Sync is retried with exponential backoff
		// (1ms doubling up to 1s); any other error, or a timeout that
		// outlasts the last retry, is fatal.
		err := c.link.Sync(context.Background(), survivor.Id, survivor.AppendedBytes())
		var linkErr *logerr.Error
		for backoff := time.Millisecond; err != nil && errors.As(err, &linkErr) && linkErr.Code == logerr.CodeTimeout && backoff <= time.Second; backoff *= 2 {
			time.Sleep(backoff)
			err = c.link.Sync(context.Background(), survivor.Id, survivor.AppendedBytes())
		}
		if err != nil {
			syncDone()
			return logerr.Wrap(logerr.CodeFatal, "backup sync failed for disk-cleaning survivor", err)
		}
	}
	syncDone()

	c.mgr.CleaningComplete(segmentsToClean, survivors)

	// Only now are the cleaned segments FREEABLE and their survivors'
	// syncs acknowledged: free them, backup first, so a crash between
	// the two calls never strands a segment the collaborator still
	// thinks it holds.
	freeDone := c.observe("free")
	for _, seg := range segmentsToClean {
		if c.link != nil {
			if err := c.link.Free(seg.Id); err != nil {
				freeDone()
				return logerr.Wrap(logerr.CodeFatal, "backup free failed for cleaned segment", err)
			}
		}
		if err := c.mgr.FreeSegment(seg); err != nil {
			freeDone()
			return err
		}
	}
	freeDone()

	c.mgr.ReleaseSideSegmentWaiters()
	if c.metrics != nil {
		c.metrics.IncSegmentsCleaned(len(segmentsToClean))
	}
	return nil
}

func (c *Cleaner) relocateSortedEntries(entries []timestampedEntry) ([]*segment.Segment, error) {
	var survivor *segment.Segment
	var survivors []*segment.Segment
	var bytesAppended uint32

	closeSurvivor := func() error {
		if survivor == nil {
			return nil
		}
		survivor.SetLiveBytes(int64(bytesAppended))
		bytesAppended = 0
		if err := survivor.Close(); err != nil {
			return err
		}
		if c.link != nil {
			if err := c.link.Close(survivor.Id); err != nil {
				return logerr.Wrap(logerr.CodeFatal, "backup close failed for disk-cleaning survivor", err)
			}
		}
		return nil
	}

	allocSurvivor := func() error {
		waitDone := c.observe("wait-for-survivor")
		s, ok, err := c.mgr.AllocSideSegment(segmgr.ForCleaning | segmgr.MustNotFail)
		waitDone()
		if err != nil {
			return err
		}
		if !ok {
			return logerr.New(logerr.CodeFatal, "MUST_NOT_FAIL side segment allocation returned without a segment")
		}
		survivor = s
		survivors = append(survivors, s)
		if c.link != nil {
			if _, headerPayload, ok := survivor.GetEntry(0); ok {
				if err := c.link.Open(survivor.Id, headerPayload); err != nil {
					return logerr.Wrap(logerr.CodeFatal, "backup open failed for disk-cleaning survivor", err)
				}
			}
		}
		return nil
	}

	for _, e := range entries {
		_, payload, ok := e.seg.GetEntry(e.offset)
		if !ok {
			continue
		}
		ref := e.seg.Reference(e.offset)
		t, _, _ := e.seg.GetEntry(e.offset)

		if survivor == nil {
			if err := allocSurvivor(); err != nil {
				return nil, err
			}
		}

		status, err := c.relocateEntry(t, payload, ref, survivor, survivor.Id, &bytesAppended)
		if err != nil {
			return nil, err
		}
		if status == relocationFailed {
			if err := closeSurvivor(); err != nil {
				return nil, err
			}
			if err := allocSurvivor(); err != nil {
				return nil, err
			}
			status, err = c.relocateEntry(t, payload, ref, survivor, survivor.Id, &bytesAppended)
			if err != nil {
				return nil, err
			}
			if status == relocationFailed {
				return nil, logerr.New(logerr.CodeFatal, "entry did not fit into a freshly allocated, empty survivor")
			}
		}
	}
	if err := closeSurvivor(); err != nil {
		return nil, err
	}
	return survivors, nil
}

// relocateEntry implements the relocation protocol: check liveness,
// append into survivor, then tell the handlers where the entry now
// lives. effectiveId names the segment the reported reference should
// point at — survivor.Id for disk cleaning (survivors keep their own
// id permanently), but source.Id for in-memory compaction (survivor's
// own id is discarded once its seglets are spliced into source).
func (c *Cleaner) relocateEntry(t segment.EntryType, payload []byte, ref segment.Reference, survivor *segment.Segment, effectiveId uint64, bytesAppended *uint32) (relocStatus, error) {
	if !c.handlers.Liveness(t, ref, payload) {
		return notNeeded, nil
	}

	newRef, ok, err := survivor.Append(t, payload)
	if err != nil {
		return relocationFailed, err
	}
	if !ok {
		return relocationFailed, nil
	}

	reportedRef := segment.Reference{SegmentId: effectiveId, Offset: newRef.Offset}
	c.handlers.Relocated(t, ref, reportedRef)
	*bytesAppended += uint32(5 + len(payload))
	if c.metrics != nil {
		c.metrics.IncEntriesRelocated()
	}
	return relocated, nil
}

func entryTimestamp(t segment.EntryType, payload []byte) uint32 {
	if t == segment.EntryTombstone {
		return segment.DecodeTombstonePayload(payload).Timestamp
	}
	// OBJECT entries carry no per-entry timestamp field of their own
	// in this wire format, so every object gets timestamp 0: objects
	// sort ahead of all tombstones, and the relative order of objects
	// after the (unstable) sort is not defined.
	return 0
}

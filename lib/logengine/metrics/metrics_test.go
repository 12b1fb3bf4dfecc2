package metrics

import (
	"bytes"
	"strings"
	"testing"
)

func TestSnapshotReflectsIncrements(t *testing.T) {
	s := New()
	s.IncAppends()
	s.IncAppends()
	s.IncTombstones()
	s.IncSegmentsCleaned(3)
	s.AddLiveBytesFreed(128)

	snap := s.Snapshot()
	if snap.Appends != 2 {
		t.Fatalf("expected 2 appends, got %d", snap.Appends)
	}
	if snap.Tombstones != 1 {
		t.Fatalf("expected 1 tombstone, got %d", snap.Tombstones)
	}
	if snap.SegmentsCleaned != 3 {
		t.Fatalf("expected 3 segments cleaned, got %d", snap.SegmentsCleaned)
	}
	if snap.LiveBytesFreed != 128 {
		t.Fatalf("expected 128 live bytes freed, got %d", snap.LiveBytesFreed)
	}
}

func TestWritePrometheusIncludesCounterNames(t *testing.T) {
	s := New()
	s.IncAppends()

	var buf bytes.Buffer
	s.WritePrometheus(&buf)
	if !strings.Contains(buf.String(), "ramlog_appends_total") {
		t.Fatalf("expected exposition text to mention ramlog_appends_total, got: %s", buf.String())
	}
}

func TestPhaseRecordsADuration(t *testing.T) {
	s := New()
	done := s.Phase("test")
	done()

	var buf bytes.Buffer
	s.WritePrometheus(&buf)
	if !strings.Contains(buf.String(), "ramlog_cleaner_phase_seconds") {
		t.Fatalf("expected phase histogram in exposition text, got: %s", buf.String())
	}
}

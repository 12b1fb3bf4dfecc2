// Package logtesting provides a standardized conformance suite for
// anything that builds a *logengine.Log: RunLogTests exercises
// Append/Read/Free, tombstone liveness, head rollover, and concurrent
// writers against whatever segment/backup configuration the caller's
// factory wires up, the way the teacher's lib/db/testing package runs
// one fixed suite against every db.KVDB implementation.
//
// Example usage:
//
//	factory := func() *logengine.Log {
//		alloc := seglet.New(4096, 64)
//		mgr := segmgr.New(alloc, 4, nil)
//		l, _ := logengine.New(logengine.Config{SegletSize: 4096, SegletsPerSegment: 4}, mgr, registry.New(), memlink.New())
//		return l
//	}
//	logtesting.RunLogTests(t, "default", factory)
package logtesting

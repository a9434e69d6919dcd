package metrics

import (
	"testing"
	"time"
)

type stubSink struct {
	records []RequestRecord
}

func (s *stubSink) Append(r RequestRecord) {
	s.records = append(s.records, r)
}

func TestInsertAssignsIncreasingIDs(t *testing.T) {
	s := New(time.Hour, nil)
	a := s.Insert(RequestRecord{Timestamp: time.Now()})
	b := s.Insert(RequestRecord{Timestamp: time.Now()})
	if b != a+1 {
		t.Errorf("IDs = %d, %d, want consecutive", a, b)
	}
}

func TestInsertLogsToSink(t *testing.T) {
	sink := &stubSink{}
	s := New(time.Hour, sink)
	s.Insert(RequestRecord{Timestamp: time.Now(), Model: "claude-3-haiku"})
	if len(sink.records) != 1 {
		t.Fatalf("sink got %d records, want 1", len(sink.records))
	}
	if sink.records[0].Model != "claude-3-haiku" {
		t.Errorf("logged model = %q, want claude-3-haiku", sink.records[0].Model)
	}
}

func TestInsertPendingDoesNotLogUntilFinalize(t *testing.T) {
	sink := &stubSink{}
	s := New(time.Hour, sink)
	id := s.InsertPending(RequestRecord{Timestamp: time.Now(), Model: "claude-3-haiku"})
	if len(sink.records) != 0 {
		t.Fatalf("InsertPending logged %d records, want 0", len(sink.records))
	}

	completed, ok := s.Finalize(id, FinalizeFields{EffectiveModel: "claude-3-haiku", OutputTokens: 10, StatusCode: 200})
	if !ok {
		t.Fatal("Finalize should find the pending record")
	}
	if completed.OutputTokens != 10 {
		t.Errorf("completed.OutputTokens = %d, want 10", completed.OutputTokens)
	}
	if len(sink.records) != 1 {
		t.Fatalf("sink got %d records after finalize, want 1", len(sink.records))
	}
}

func TestFinalizeUnknownIDReturnsNotOK(t *testing.T) {
	s := New(time.Hour, nil)
	_, ok := s.Finalize(999, FinalizeFields{})
	if ok {
		t.Fatal("Finalize on unknown ID should return ok=false")
	}
}

func TestSnapshotExcludesRecordsOutsideWindow(t *testing.T) {
	s := New(time.Minute, nil)
	now := time.Now()
	s.Insert(RequestRecord{Timestamp: now.Add(-2 * time.Minute)})
	s.Insert(RequestRecord{Timestamp: now})

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot returned %d records, want 1", len(snap))
	}
}

func TestSnapshotZeroWindowRetainsEverything(t *testing.T) {
	s := New(0, nil)
	now := time.Now()
	s.Insert(RequestRecord{Timestamp: now.Add(-24 * time.Hour)})
	s.Insert(RequestRecord{Timestamp: now})

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot with zero window returned %d records, want 2", len(snap))
	}
}

func TestEvictOlderThanRemovesOldRecordsAndReindexes(t *testing.T) {
	s := New(time.Hour, nil)
	now := time.Now()
	oldID := s.Insert(RequestRecord{Timestamp: now.Add(-2 * time.Hour)})
	newID := s.Insert(RequestRecord{Timestamp: now})

	removed := s.EvictOlderThan(now.Add(-time.Hour))
	if removed != 1 {
		t.Fatalf("EvictOlderThan removed %d, want 1", removed)
	}

	if _, ok := s.Finalize(oldID, FinalizeFields{}); ok {
		t.Error("evicted record should no longer be findable")
	}
	if _, ok := s.Finalize(newID, FinalizeFields{}); !ok {
		t.Error("surviving record should still be findable after reindex")
	}
}

func TestRetentionIntervalClampedToRange(t *testing.T) {
	short := New(10*time.Second, nil)
	if got := short.RetentionInterval(); got != time.Second {
		t.Errorf("RetentionInterval for short window = %v, want 1s floor", got)
	}

	long := New(10*time.Hour, nil)
	if got := long.RetentionInterval(); got != 60*time.Second {
		t.Errorf("RetentionInterval for long window = %v, want 60s ceiling", got)
	}
}

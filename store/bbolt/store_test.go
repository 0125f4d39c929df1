package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/sumimakito/raft"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raft.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStoreAppendAndReadBack(t *testing.T) {
	s := openTestStore(t)

	idx, err := s.AppendToLeaderLog(1, raft.Command("hello"), raft.EntryFlags{})
	if err != nil || idx != 1 {
		t.Fatalf("AppendToLeaderLog = %d, %v, want 1, nil", idx, err)
	}

	last, err := s.LastLogEntry()
	if err != nil {
		t.Fatal(err)
	}
	if last.Index != 1 || last.Term != 1 {
		t.Fatalf("LastLogEntry() = %+v, want {1 1}", last)
	}

	entries, err := s.LogEntriesAfter(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || string(entries[0].Data) != "hello" {
		t.Fatalf("LogEntriesAfter(0,1) = %+v, want one entry with data \"hello\"", entries)
	}
}

func TestBoltStoreAppendToLogPreservesTheBatch(t *testing.T) {
	s := openTestStore(t)

	// A fresh follower receiving a 3-entry AppendEntries batch must end up
	// with all three entries persisted, not truncated away.
	err := s.AppendToLog([]*raft.LogEntry{
		{Index: 1, Term: 1, Data: raft.Command("a")},
		{Index: 2, Term: 1, Data: raft.Command("b")},
		{Index: 3, Term: 1, Data: raft.Command("c")},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	last, err := s.LastLogEntry()
	if err != nil {
		t.Fatal(err)
	}
	if last.Index != 3 {
		t.Fatalf("LastLogEntry().Index = %d, want 3 (batch must survive its own append)", last.Index)
	}
	entries, err := s.LogEntriesAfter(0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("LogEntriesAfter(0,3) returned %d entries, want 3", len(entries))
	}
}

func TestBoltStoreAppendToLogTruncatesConflictingSuffix(t *testing.T) {
	s := openTestStore(t)
	s.AppendToLeaderLog(1, raft.Command("a"), raft.EntryFlags{})
	s.AppendToLeaderLog(1, raft.Command("b"), raft.EntryFlags{})
	s.AppendToLeaderLog(1, raft.Command("c"), raft.EntryFlags{})

	if err := s.AppendToLog([]*raft.LogEntry{
		{Index: 2, Term: 2, Data: raft.Command("B2")},
	}, 1); err != nil {
		t.Fatal(err)
	}

	last, err := s.LastLogEntry()
	if err != nil {
		t.Fatal(err)
	}
	if last.Index != 2 || last.Term != 2 {
		t.Fatalf("LastLogEntry() = %+v, want {2 2}", last)
	}
	if _, ok, _ := s.TermFor(3); ok {
		t.Fatal("stale index 3 from the old term should have been discarded")
	}
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.AppendToLeaderLog(1, raft.Command("a"), raft.EntryFlags{})
	if err := s.UpdateTermTo(5); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	term, err := reopened.CurrentTerm()
	if err != nil || term != 5 {
		t.Fatalf("CurrentTerm() after reopen = %d, %v, want 5, nil", term, err)
	}
	last, err := reopened.LastLogEntry()
	if err != nil || last.Index != 1 {
		t.Fatalf("LastLogEntry() after reopen = %+v, %v, want index 1", last, err)
	}
}

func TestBoltStoreTopologyRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if got, err := s.GetCurrentTopology(); err != nil || got != nil {
		t.Fatalf("GetCurrentTopology() on a fresh store = %+v, %v, want nil, nil", got, err)
	}

	top := raft.NewTopology(map[string]string{"n1": "n1", "n2": "n2"})
	if err := s.SetCurrentTopology(top); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCurrentTopology()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(top) {
		t.Fatalf("GetCurrentTopology() = %+v, want %+v", got, top)
	}
}

func TestBoltStoreMarkSnapshotForTrailingBuffer(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 10; i++ {
		s.AppendToLeaderLog(1, raft.Command{byte(i)}, raft.EntryFlags{})
	}
	if err := s.MarkSnapshotFor(8, 1, 3); err != nil {
		t.Fatal(err)
	}
	meta, ok, err := s.LastSnapshot()
	if err != nil || !ok || meta.Index != 8 {
		t.Fatalf("LastSnapshot() = %+v, %v, %v, want index 8", meta, ok, err)
	}
	if _, ok, _ := s.TermFor(5); ok {
		t.Fatal("entries at or below the trailing cutoff should have been deleted")
	}
	if _, ok, _ := s.TermFor(6); !ok {
		t.Fatal("entries within the trailing buffer should survive")
	}
}

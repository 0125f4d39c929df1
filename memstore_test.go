package raft

import "testing"

func TestMemoryStoreAppendToLeaderLog(t *testing.T) {
	s := NewMemoryStore()

	idx1, err := s.AppendToLeaderLog(1, Command("a"), EntryFlags{})
	if err != nil || idx1 != 1 {
		t.Fatalf("first append: idx=%d err=%v, want idx=1", idx1, err)
	}
	idx2, err := s.AppendToLeaderLog(1, Command("b"), EntryFlags{})
	if err != nil || idx2 != 2 {
		t.Fatalf("second append: idx=%d err=%v, want idx=2", idx2, err)
	}

	last, err := s.LastLogEntry()
	if err != nil {
		t.Fatal(err)
	}
	if last.Index != 2 || last.Term != 1 {
		t.Fatalf("LastLogEntry() = %+v, want {2 1}", last)
	}
}

func TestMemoryStoreFreshSentinel(t *testing.T) {
	s := NewMemoryStore()
	last, err := s.LastLogEntry()
	if err != nil {
		t.Fatal(err)
	}
	if last.Index != 0 || last.Term != 0 {
		t.Fatalf("fresh store LastLogEntry() = %+v, want zero value", last)
	}
}

func TestMemoryStoreTermFor(t *testing.T) {
	s := NewMemoryStore()
	s.AppendToLeaderLog(1, Command("a"), EntryFlags{})
	s.AppendToLeaderLog(2, Command("b"), EntryFlags{})

	if term, ok, err := s.TermFor(1); err != nil || !ok || term != 1 {
		t.Fatalf("TermFor(1) = %d, %v, %v, want 1, true, nil", term, ok, err)
	}
	if term, ok, err := s.TermFor(2); err != nil || !ok || term != 2 {
		t.Fatalf("TermFor(2) = %d, %v, %v, want 2, true, nil", term, ok, err)
	}
	if _, ok, err := s.TermFor(99); err != nil || ok {
		t.Fatalf("TermFor(99) should report ok=false, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreAppendToLogTruncatesConflictingSuffix(t *testing.T) {
	s := NewMemoryStore()
	s.AppendToLeaderLog(1, Command("a"), EntryFlags{}) // index 1, term 1
	s.AppendToLeaderLog(1, Command("b"), EntryFlags{}) // index 2, term 1
	s.AppendToLeaderLog(1, Command("c"), EntryFlags{}) // index 3, term 1

	// A new leader at term 2 overwrites index 2 onward.
	err := s.AppendToLog([]*LogEntry{
		{Index: 2, Term: 2, Data: Command("B2")},
	}, 1)
	if err != nil {
		t.Fatal(err)
	}

	last, err := s.LastLogEntry()
	if err != nil {
		t.Fatal(err)
	}
	if last.Index != 2 || last.Term != 2 {
		t.Fatalf("after truncating conflicting suffix, LastLogEntry() = %+v, want {2 2}", last)
	}
	if _, ok, _ := s.TermFor(3); ok {
		t.Fatal("index 3 from the old term should have been discarded")
	}
}

func TestMemoryStoreAppendToLogIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	s.AppendToLeaderLog(1, Command("a"), EntryFlags{})

	// Re-delivering the same (index, term) entry must be a no-op, not a
	// truncate-and-replace.
	err := s.AppendToLog([]*LogEntry{{Index: 1, Term: 1, Data: Command("different-bytes")}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := s.LogEntriesAfter(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || string(entries[0].Data) != "a" {
		t.Fatalf("matching (index,term) resend must be skipped, got %+v", entries)
	}
}

func TestMemoryStoreLogEntriesAfter(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		s.AppendToLeaderLog(1, Command{byte('a' + i)}, EntryFlags{})
	}
	entries, err := s.LogEntriesAfter(1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Index != 2 || entries[1].Index != 3 {
		t.Fatalf("LogEntriesAfter(1,3) = %+v, want indexes [2 3]", entries)
	}
}

func TestMemoryStoreLastTopologyChangeEntry(t *testing.T) {
	s := NewMemoryStore()
	s.AppendToLeaderLog(1, Command("cmd"), EntryFlags{})
	s.AppendToLeaderLog(1, Command("topo-1"), EntryFlags{IsTopologyChange: true})
	s.AppendToLeaderLog(1, Command("cmd2"), EntryFlags{})
	s.AppendToLeaderLog(1, Command("topo-2"), EntryFlags{IsTopologyChange: true})
	s.AppendToLeaderLog(1, Command("cmd3"), EntryFlags{})

	entry, err := s.LastTopologyChangeEntry()
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || string(entry.Data) != "topo-2" {
		t.Fatalf("LastTopologyChangeEntry() = %+v, want the most recent topology-change entry", entry)
	}
}

func TestMemoryStoreTermAndVote(t *testing.T) {
	s := NewMemoryStore()

	term, err := s.IncrementTermAndVoteFor("n1")
	if err != nil || term != 1 {
		t.Fatalf("IncrementTermAndVoteFor = %d, %v, want 1, nil", term, err)
	}
	if voted, _ := s.VotedFor(); voted != "n1" {
		t.Fatalf("VotedFor() = %q, want n1", voted)
	}

	if err := s.UpdateTermTo(5); err != nil {
		t.Fatal(err)
	}
	if cur, _ := s.CurrentTerm(); cur != 5 {
		t.Fatalf("CurrentTerm() = %d, want 5", cur)
	}
	if voted, _ := s.VotedFor(); voted != "" {
		t.Fatal("UpdateTermTo must clear votedFor")
	}

	// UpdateTermTo must never regress the term.
	if err := s.UpdateTermTo(3); err != nil {
		t.Fatal(err)
	}
	if cur, _ := s.CurrentTerm(); cur != 5 {
		t.Fatalf("UpdateTermTo with a lower term must be a no-op, got term=%d", cur)
	}
}

func TestMemoryStoreMarkSnapshotForTrailingBuffer(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 10; i++ {
		s.AppendToLeaderLog(1, Command{byte(i)}, EntryFlags{})
	}

	if err := s.MarkSnapshotFor(8, 1, 3); err != nil {
		t.Fatal(err)
	}

	meta, ok, err := s.LastSnapshot()
	if err != nil || !ok || meta.Index != 8 || meta.Term != 1 {
		t.Fatalf("LastSnapshot() = %+v, %v, %v, want {8 1}, true, nil", meta, ok, err)
	}

	// Entries with index <= 8-3=5 should be gone; entries above should
	// survive.
	if _, ok, _ := s.TermFor(5); ok {
		t.Fatal("entries at or below the trailing cutoff should have been deleted")
	}
	if _, ok, _ := s.TermFor(6); !ok {
		t.Fatal("entries within the trailing buffer should survive")
	}
	if _, ok, _ := s.TermFor(10); !ok {
		t.Fatal("entries past the snapshot boundary should survive")
	}
}

func TestMemoryStoreCommittedEntriesCount(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		s.AppendToLeaderLog(1, Command{byte(i)}, EntryFlags{})
	}
	count, err := s.CommittedEntriesCount(3)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("CommittedEntriesCount(3) = %d, want 3", count)
	}
}

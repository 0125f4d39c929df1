package raft

import "sync"

// memoryStore is a PersistentStore backed by an in-process map, used by the
// engine's own unit tests and by transport/inproc-driven E2E scenarios
// where real durability is not under test. It honors the same atomicity
// contract (every method takes the lock and completes before returning).
type memoryStore struct {
	mu sync.Mutex

	entries map[uint64]*LogEntry
	minIdx  uint64 // lowest surviving index (0 if log is empty / untouched)
	maxIdx  uint64

	currentTerm uint64
	votedFor    string

	topology *Topology

	snapshot   SnapshotMeta
	hasSnapshot bool
}

// NewMemoryStore returns a fresh, empty in-memory PersistentStore.
func NewMemoryStore() PersistentStore {
	return &memoryStore{entries: map[uint64]*LogEntry{}}
}

func (s *memoryStore) AppendToLeaderLog(term uint64, data Command, flags EntryFlags) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.maxIdx + 1
	s.entries[index] = &LogEntry{Index: index, Term: term, Data: data.Copy(), Flags: flags}
	s.maxIdx = index
	if s.minIdx == 0 {
		s.minIdx = index
	}
	return index, nil
}

func (s *memoryStore) AppendToLog(entries []*LogEntry, removeAllAfter uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// truncateFrom tracks the first index, above the whole batch, that is
	// not itself part of what we just persisted; only indices from there
	// up are stale follower-local entries that need discarding.
	truncateFrom := removeAllAfter + 1
	for _, e := range entries {
		if e.Index+1 > truncateFrom {
			truncateFrom = e.Index + 1
		}
		if existing, ok := s.entries[e.Index]; ok {
			if existing.Term == e.Term {
				continue
			}
			s.deleteFromLocked(e.Index)
		}
		s.entries[e.Index] = e.Copy()
		if e.Index > s.maxIdx {
			s.maxIdx = e.Index
		}
		if s.minIdx == 0 || e.Index < s.minIdx {
			s.minIdx = e.Index
		}
	}
	s.deleteFromLocked(truncateFrom)
	return nil
}

// deleteFromLocked removes every persisted entry with index >= from. Caller
// holds s.mu.
func (s *memoryStore) deleteFromLocked(from uint64) {
	if from == 0 {
		from = 1
	}
	for i := from; i <= s.maxIdx; i++ {
		delete(s.entries, i)
	}
	if from <= s.maxIdx {
		s.maxIdx = from - 1
	}
	if s.minIdx > s.maxIdx {
		s.minIdx = 0
		s.maxIdx = 0
	}
}

func (s *memoryStore) LastLogEntry() (LastLogPointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxIdx == 0 {
		if s.hasSnapshot {
			return LastLogPointer{Index: s.snapshot.Index, Term: s.snapshot.Term}, nil
		}
		return LastLogPointer{}, nil
	}
	e := s.entries[s.maxIdx]
	return LastLogPointer{Index: e.Index, Term: e.Term, IsTopologyChange: e.Flags.IsTopologyChange}, nil
}

func (s *memoryStore) TermFor(index uint64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasSnapshot && index == s.snapshot.Index {
		return s.snapshot.Term, true, nil
	}
	if e, ok := s.entries[index]; ok {
		return e.Term, true, nil
	}
	return 0, false, nil
}

func (s *memoryStore) LogEntriesAfter(from, upTo uint64) ([]*LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*LogEntry
	for i := from + 1; i <= upTo; i++ {
		if e, ok := s.entries[i]; ok {
			out = append(out, e.Copy())
		}
	}
	return out, nil
}

func (s *memoryStore) LastTopologyChangeEntry() (*LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := s.maxIdx; i >= s.minIdx && i > 0; i-- {
		if e, ok := s.entries[i]; ok && e.Flags.IsTopologyChange {
			return e.Copy(), nil
		}
	}
	return nil, nil
}

func (s *memoryStore) CurrentTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTerm, nil
}

func (s *memoryStore) VotedFor() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedFor, nil
}

func (s *memoryStore) IncrementTermAndVoteFor(self string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTerm++
	s.votedFor = self
	return s.currentTerm, nil
}

func (s *memoryStore) UpdateTermTo(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if term <= s.currentTerm {
		return nil
	}
	s.currentTerm = term
	s.votedFor = ""
	return nil
}

func (s *memoryStore) RecordVoteFor(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = id
	return nil
}

func (s *memoryStore) SetCurrentTopology(t *Topology) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topology = t
	return nil
}

func (s *memoryStore) GetCurrentTopology() (*Topology, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topology, nil
}

func (s *memoryStore) MarkSnapshotFor(index, term uint64, maxTrailingToKeep uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = SnapshotMeta{Index: index, Term: term}
	s.hasSnapshot = true
	var cutoff uint64
	if index > maxTrailingToKeep {
		cutoff = index - maxTrailingToKeep
	}
	for i := s.minIdx; i <= cutoff; i++ {
		delete(s.entries, i)
	}
	if cutoff >= s.minIdx {
		newMin := cutoff + 1
		for newMin <= s.maxIdx {
			if _, ok := s.entries[newMin]; ok {
				break
			}
			newMin++
		}
		s.minIdx = newMin
		if s.minIdx > s.maxIdx {
			s.minIdx = 0
			s.maxIdx = 0
		}
	}
	return nil
}

func (s *memoryStore) LastSnapshot() (SnapshotMeta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, s.hasSnapshot, nil
}

func (s *memoryStore) CommittedEntriesCount(upTo uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count uint64
	for i, e := range s.entries {
		if i <= upTo && e != nil {
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) Close() error { return nil }

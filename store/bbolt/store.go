// Package boltstore implements raft.PersistentStore on top of
// go.etcd.io/bbolt, the same embedded-btree engine the dreamsxin/wal
// reference implementation (a write-ahead log "suitable for
// github.com/hashicorp/raft") uses for its LogStore/MetaStore pair. Every
// mutating call runs inside a single bolt.Tx (db.Update), which is what
// gives PersistentStore's "atomically durable before return" guarantee:
// bbolt fsyncs a committed Update transaction before Update returns.
package boltstore

import (
	"encoding/binary"

	"github.com/sumimakito/raft"
	"github.com/sumimakito/raft/pb"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketLogs    = []byte("logs")
	bucketTerms   = []byte("entry-terms")
	bucketMeta    = []byte("metadata")

	keyCurrentTerm     = []byte("current-term")
	keyVotedFor        = []byte("voted-for")
	keyCurrentTopology = []byte("current-topology")
	keyLastSnapshot    = []byte("last-snapshot")
)

// Store is a bbolt-backed raft.PersistentStore.
type Store struct {
	db *bolt.DB
}

// Open creates or reopens a Store at path, creating the three logical
// buckets (logs, entry-terms, metadata) described in the engine's wire
// layout if they do not already exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketLogs, bucketTerms, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func indexKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

func keyIndex(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}

type wireEntry struct {
	Term             uint64
	Data             []byte
	IsTopologyChange bool
	IsNoOp           bool
}

func toWireEntry(e *raft.LogEntry) wireEntry {
	return wireEntry{
		Term:             e.Term,
		Data:             []byte(e.Data),
		IsTopologyChange: e.Flags.IsTopologyChange,
		IsNoOp:           e.Flags.IsNoOp,
	}
}

func (w wireEntry) toEntry(index uint64) *raft.LogEntry {
	return &raft.LogEntry{
		Index: index,
		Term:  w.Term,
		Data:  raft.Command(w.Data),
		Flags: raft.EntryFlags{IsTopologyChange: w.IsTopologyChange, IsNoOp: w.IsNoOp},
	}
}

func (s *Store) AppendToLeaderLog(term uint64, data raft.Command, flags raft.EntryFlags) (uint64, error) {
	var index uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketLogs)
		terms := tx.Bucket(bucketTerms)
		if lastKey, _ := logs.Cursor().Last(); lastKey != nil {
			index = keyIndex(lastKey) + 1
		} else {
			index = 1
		}
		entry := &raft.LogEntry{Index: index, Term: term, Data: data, Flags: flags}
		encoded, err := pb.Marshal(toWireEntry(entry))
		if err != nil {
			return err
		}
		if err := logs.Put(indexKey(index), encoded); err != nil {
			return err
		}
		termBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(termBytes, term)
		return terms.Put(indexKey(index), termBytes)
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

func (s *Store) AppendToLog(entries []*raft.LogEntry, removeAllAfter uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketLogs)
		terms := tx.Bucket(bucketTerms)
		// truncateFrom tracks the first index, above the whole batch, not
		// itself part of what we are persisting; only indices from there
		// up are stale follower-local entries that need discarding. It
		// must never regress into the batch we are about to write.
		truncateFrom := removeAllAfter + 1
		for _, e := range entries {
			if e.Index+1 > truncateFrom {
				truncateFrom = e.Index + 1
			}
			if existing := logs.Get(indexKey(e.Index)); existing != nil {
				var w wireEntry
				if err := pb.Unmarshal(existing, &w); err != nil {
					return &raft.SerializationError{Context: "AppendToLog: decode existing entry", Err: err}
				}
				if w.Term == e.Term {
					continue
				}
				if err := deleteFrom(logs, terms, e.Index); err != nil {
					return err
				}
			}
			encoded, err := pb.Marshal(toWireEntry(e))
			if err != nil {
				return err
			}
			if err := logs.Put(indexKey(e.Index), encoded); err != nil {
				return err
			}
			termBytes := make([]byte, 8)
			binary.BigEndian.PutUint64(termBytes, e.Term)
			if err := terms.Put(indexKey(e.Index), termBytes); err != nil {
				return err
			}
		}
		return deleteFrom(logs, terms, truncateFrom)
	})
}

func deleteFrom(logs, terms *bolt.Bucket, from uint64) error {
	c := logs.Cursor()
	var toDelete [][]byte
	for k, _ := c.Seek(indexKey(from)); k != nil; k, _ = c.Next() {
		toDelete = append(toDelete, append([]byte(nil), k...))
	}
	for _, k := range toDelete {
		if err := logs.Delete(k); err != nil {
			return err
		}
		if err := terms.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) LastLogEntry() (raft.LastLogPointer, error) {
	var ptr raft.LastLogPointer
	err := s.db.View(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketLogs)
		k, v := logs.Cursor().Last()
		if k == nil {
			meta, ok, err := s.lastSnapshotLocked(tx)
			if err != nil {
				return err
			}
			if ok {
				ptr = raft.LastLogPointer{Index: meta.Index, Term: meta.Term}
			}
			return nil
		}
		var w wireEntry
		if err := pb.Unmarshal(v, &w); err != nil {
			return &raft.SerializationError{Context: "LastLogEntry", Err: err}
		}
		ptr = raft.LastLogPointer{Index: keyIndex(k), Term: w.Term, IsTopologyChange: w.IsTopologyChange}
		return nil
	})
	return ptr, err
}

func (s *Store) TermFor(index uint64) (uint64, bool, error) {
	var term uint64
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		meta, hasSnapshot, err := s.lastSnapshotLocked(tx)
		if err != nil {
			return err
		}
		if hasSnapshot && index == meta.Index {
			term, ok = meta.Term, true
			return nil
		}
		terms := tx.Bucket(bucketTerms)
		v := terms.Get(indexKey(index))
		if v == nil {
			return nil
		}
		term, ok = binary.BigEndian.Uint64(v), true
		return nil
	})
	return term, ok, err
}

func (s *Store) LogEntriesAfter(from, upTo uint64) ([]*raft.LogEntry, error) {
	var out []*raft.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketLogs)
		c := logs.Cursor()
		for k, v := c.Seek(indexKey(from + 1)); k != nil; k, v = c.Next() {
			index := keyIndex(k)
			if index > upTo {
				break
			}
			var w wireEntry
			if err := pb.Unmarshal(v, &w); err != nil {
				return &raft.SerializationError{Context: "LogEntriesAfter", Err: err}
			}
			out = append(out, w.toEntry(index))
		}
		return nil
	})
	return out, err
}

func (s *Store) LastTopologyChangeEntry() (*raft.LogEntry, error) {
	var result *raft.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketLogs)
		c := logs.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var w wireEntry
			if err := pb.Unmarshal(v, &w); err != nil {
				return &raft.SerializationError{Context: "LastTopologyChangeEntry", Err: err}
			}
			if w.IsTopologyChange {
				result = w.toEntry(keyIndex(k))
				return nil
			}
		}
		return nil
	})
	return result, err
}

func (s *Store) CurrentTerm() (uint64, error) {
	var term uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyCurrentTerm)
		if v != nil {
			term = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return term, err
}

func (s *Store) VotedFor() (string, error) {
	var votedFor string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyVotedFor)
		votedFor = string(v)
		return nil
	})
	return votedFor, err
}

func (s *Store) IncrementTermAndVoteFor(self string) (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		var cur uint64
		if v := meta.Get(keyCurrentTerm); v != nil {
			cur = binary.BigEndian.Uint64(v)
		}
		next = cur + 1
		termBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(termBytes, next)
		if err := meta.Put(keyCurrentTerm, termBytes); err != nil {
			return err
		}
		return meta.Put(keyVotedFor, []byte(self))
	})
	return next, err
}

func (s *Store) UpdateTermTo(term uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		var cur uint64
		if v := meta.Get(keyCurrentTerm); v != nil {
			cur = binary.BigEndian.Uint64(v)
		}
		if term <= cur {
			return nil
		}
		termBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(termBytes, term)
		if err := meta.Put(keyCurrentTerm, termBytes); err != nil {
			return err
		}
		return meta.Delete(keyVotedFor)
	})
}

func (s *Store) RecordVoteFor(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyVotedFor, []byte(id))
	})
}

func (s *Store) SetCurrentTopology(t *raft.Topology) error {
	encoded, err := pb.Marshal(t.ToWire())
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyCurrentTopology, encoded)
	})
}

func (s *Store) GetCurrentTopology() (*raft.Topology, error) {
	var t *raft.Topology
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyCurrentTopology)
		if v == nil {
			return nil
		}
		var w pb.WireTopology
		if err := pb.Unmarshal(v, &w); err != nil {
			return &raft.SerializationError{Context: "GetCurrentTopology", Err: err}
		}
		t = raft.TopologyFromWire(w)
		return nil
	})
	return t, err
}

type wireSnapshotMeta struct {
	Index uint64
	Term  uint64
}

func (s *Store) lastSnapshotLocked(tx *bolt.Tx) (raft.SnapshotMeta, bool, error) {
	v := tx.Bucket(bucketMeta).Get(keyLastSnapshot)
	if v == nil {
		return raft.SnapshotMeta{}, false, nil
	}
	var w wireSnapshotMeta
	if err := pb.Unmarshal(v, &w); err != nil {
		return raft.SnapshotMeta{}, false, &raft.SerializationError{Context: "lastSnapshot", Err: err}
	}
	return raft.SnapshotMeta{Index: w.Index, Term: w.Term}, true, nil
}

func (s *Store) MarkSnapshotFor(index, term uint64, maxTrailingToKeep uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		encoded, err := pb.Marshal(wireSnapshotMeta{Index: index, Term: term})
		if err != nil {
			return err
		}
		if err := meta.Put(keyLastSnapshot, encoded); err != nil {
			return err
		}
		var cutoff uint64
		if index > maxTrailingToKeep {
			cutoff = index - maxTrailingToKeep
		}
		logs := tx.Bucket(bucketLogs)
		terms := tx.Bucket(bucketTerms)
		c := logs.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if keyIndex(k) > cutoff {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := logs.Delete(k); err != nil {
				return err
			}
			if err := terms.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LastSnapshot() (raft.SnapshotMeta, bool, error) {
	var meta raft.SnapshotMeta
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		meta, ok, err = s.lastSnapshotLocked(tx)
		return err
	})
	return meta, ok, err
}

func (s *Store) CommittedEntriesCount(upTo uint64) (uint64, error) {
	var count uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketLogs)
		c := logs.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if keyIndex(k) > upTo {
				break
			}
			count++
		}
		return nil
	})
	return count, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ raft.PersistentStore = (*Store)(nil)

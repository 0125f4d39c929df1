package raft

// PersistentStore is the durable log + metadata contract every upper layer
// assumes (spec §4.A). Every mutating method must be atomically durable
// before it returns: a crash immediately afterwards must leave the store in
// the post-operation state. Any error returned by a PersistentStore is
// treated by the engine as fatal (wrapped in *PersistentStoreError).
type PersistentStore interface {
	// AppendToLeaderLog assigns the next dense index (max(log)+1), stamps
	// term = currentTerm, persists flags and data, and returns the
	// assigned index.
	AppendToLeaderLog(term uint64, data Command, flags EntryFlags) (uint64, error)

	// AppendToLog persists entries in order. For each entry: if an entry
	// already exists at entry.Index with a different term, it and every
	// following entry is deleted first; if it exists with the same term it
	// is skipped (idempotent retransmission). Once the batch is applied,
	// every persisted index strictly above removeAllAfter that was not
	// part of the batch is deleted.
	AppendToLog(entries []*LogEntry, removeAllAfter uint64) error

	// LastLogEntry returns the sentinel {lastSnapshot.Index,
	// lastSnapshot.Term} if the log is empty but a snapshot exists, or the
	// zero value if the node is fresh, or the true last persisted entry
	// otherwise.
	LastLogEntry() (LastLogPointer, error)

	// TermFor returns the term at index, ok=false if index was truncated
	// away, was never persisted, or is beyond the log (except that it
	// returns lastSnapshot.Term when index == lastSnapshot.Index).
	TermFor(index uint64) (term uint64, ok bool, err error)

	// LogEntriesAfter returns entries with from < index <= upTo, in order.
	LogEntriesAfter(from, upTo uint64) ([]*LogEntry, error)

	// LastTopologyChangeEntry scans the log backward for the most recent
	// topology-change entry, including uncommitted ones. Returns nil if
	// none exists in the retained log.
	LastTopologyChangeEntry() (*LogEntry, error)

	// CurrentTerm returns the highest term this node has observed.
	CurrentTerm() (uint64, error)
	// VotedFor returns the candidate id this node granted its vote to in
	// CurrentTerm, or "" if none.
	VotedFor() (string, error)

	// IncrementTermAndVoteFor atomically sets currentTerm = currentTerm+1
	// and votedFor = self, returning the new term.
	IncrementTermAndVoteFor(self string) (uint64, error)
	// UpdateTermTo sets currentTerm = term and clears votedFor. No-op if
	// term <= the current value (term monotonicity).
	UpdateTermTo(term uint64) error
	// RecordVoteFor persists votedFor = id for the current term.
	RecordVoteFor(id string) error

	// SetCurrentTopology persists the latest committed topology.
	SetCurrentTopology(t *Topology) error
	// GetCurrentTopology returns the persisted topology, or nil if none has
	// ever been committed.
	GetCurrentTopology() (*Topology, error)

	// MarkSnapshotFor records lastSnapshot = {index, term} and deletes
	// every entry with index i <= index - maxTrailingToKeep (saturating at
	// 0; maxTrailingToKeep may be 0 to truncate the whole log through
	// index).
	MarkSnapshotFor(index, term uint64, maxTrailingToKeep uint64) error
	// LastSnapshot returns the most recently recorded snapshot boundary,
	// ok=false if the node has never snapshotted.
	LastSnapshot() (meta SnapshotMeta, ok bool, err error)

	// CommittedEntriesCount returns the number of persisted entries with
	// index <= upTo.
	CommittedEntriesCount(upTo uint64) (uint64, error)

	// Close releases any underlying resources (file handles, etc).
	Close() error
}

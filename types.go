package raft

// Command is an opaque, host-application-defined payload. The engine never
// interprets it except to hand it to the StateMachine once committed.
type Command []byte

// Copy returns an independent copy of the command bytes.
func (c Command) Copy() Command {
	if c == nil {
		return nil
	}
	out := make(Command, len(c))
	copy(out, c)
	return out
}

// EntryFlags distinguishes system entries (no-ops, topology changes) from
// ordinary application commands.
type EntryFlags struct {
	IsTopologyChange bool
	IsNoOp           bool
}

// LogEntry is one dense, 1-based, immutable-once-persisted slot in the
// replicated log.
type LogEntry struct {
	Index uint64
	Term  uint64
	Data  Command
	Flags EntryFlags
}

// Copy returns a deep copy of the entry.
func (e *LogEntry) Copy() *LogEntry {
	if e == nil {
		return nil
	}
	return &LogEntry{Index: e.Index, Term: e.Term, Data: e.Data.Copy(), Flags: e.Flags}
}

// SnapshotMeta identifies the most recent snapshot boundary: the last
// entry it subsumes.
type SnapshotMeta struct {
	Index uint64
	Term  uint64
}

// LastLogPointer is the sentinel returned by PersistentStore.LastLogEntry:
// either the true last entry, the snapshot boundary substituted for an
// empty log, or the zero value for a fresh node.
type LastLogPointer struct {
	Index            uint64
	Term             uint64
	IsTopologyChange bool
}

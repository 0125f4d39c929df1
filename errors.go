package raft

import "errors"

// Error kinds surfaced to host applications. These are sentinel values so
// callers can compare with errors.Is; NotLeading additionally carries the
// known leader via NotLeadingError.
var (
	// ErrInvalidOperation covers illegal sequencing: stepping down while the
	// only voting member, removing self, or starting a membership change
	// while one is already in flight.
	ErrInvalidOperation = errors.New("raft: invalid operation")

	// ErrStaleMessage names the case of an incoming message whose term is
	// behind currentTerm. The engine does not return it: such a message is
	// answered with a rejecting reply that carries currentTerm.
	ErrStaleMessage = errors.New("raft: stale message")

	// ErrSnapshotTooOld is returned when an incoming InstallSnapshot's
	// (term, lastIncludedIndex) is not ahead of the receiver's log.
	ErrSnapshotTooOld = errors.New("raft: snapshot is not newer than local state")

	// ErrSnapshotAlreadyInstalling is returned when a second InstallSnapshot
	// arrives while one is already being applied. A CanInstallSnapshot in
	// that window is answered with IsCurrentlyInstalling set instead.
	ErrSnapshotAlreadyInstalling = errors.New("raft: snapshot installation already in progress")

	// ErrShuttingDown is returned by client-facing calls made after Stop has
	// been requested.
	ErrShuttingDown = errors.New("raft: server is shutting down")

	// ErrNoSnapshotSupport names the case of a state machine that reports
	// SupportsSnapshots() == false. The engine does not return it: it simply
	// never starts snapshot creation for such a state machine.
	ErrNoSnapshotSupport = errors.New("raft: state machine does not support snapshots")
)

// NotLeadingError is returned by AppendCommand / membership-change calls
// issued against a non-leader. Leader carries the node's best known current
// leader, which may be empty if no leader is known yet.
type NotLeadingError struct {
	Leader string
}

func (e *NotLeadingError) Error() string {
	if e.Leader == "" {
		return "raft: not leading, current leader unknown"
	}
	return "raft: not leading, current leader is " + e.Leader
}

// LogInconsistencyError describes a failed AppendEntries prevLogTerm check.
// The engine does not construct it: the failed AppendEntries reply itself
// carries the follower's LastLogIndex so the leader knows how far to back up.
type LogInconsistencyError struct {
	LastLogIndex uint64
}

func (e *LogInconsistencyError) Error() string {
	return "raft: log inconsistency, follower's last log index is behind"
}

// PersistentStoreError wraps any failure returned by the PersistentStore.
// It is always fatal: the engine logs it and terminates its event loop
// rather than risk masking silent corruption.
type PersistentStoreError struct {
	Op  string
	Err error
}

func (e *PersistentStoreError) Error() string {
	return "raft: persistent store error during " + e.Op + ": " + e.Err.Error()
}

func (e *PersistentStoreError) Unwrap() error { return e.Err }

// SerializationError wraps a failure to deserialize a persisted log entry
// or an engine-internal payload (Configuration, snapshot metadata). It is
// fatal when raised while applying committed entries; a failed snapshot
// restore or topology-change proposal returns it to the peer or caller
// instead.
type SerializationError struct {
	Context string
	Err     error
}

func (e *SerializationError) Error() string {
	return "raft: serialization error (" + e.Context + "): " + e.Err.Error()
}

func (e *SerializationError) Unwrap() error { return e.Err }

package raft

import (
	"time"

	"github.com/sumimakito/raft/pb"
)

// ServerRole is the tag of the Engine's current Role variant. Declared as
// int32 so it can be read with sync/atomic from outside the event loop
// goroutine (spec §9 design note on atomic snapshots of volatile state).
type ServerRole int32

const (
	RoleFollower ServerRole = iota
	RoleCandidate
	RoleLeader
	RoleSnapshotInstallation
	RoleSteppingDown
)

func (r ServerRole) String() string {
	switch r {
	case RoleFollower:
		return "Follower"
	case RoleCandidate:
		return "Candidate"
	case RoleLeader:
		return "Leader"
	case RoleSnapshotInstallation:
		return "SnapshotInstallation"
	case RoleSteppingDown:
		return "SteppingDown"
	default:
		return "Unknown"
	}
}

// roleBehavior is the polymorphic operation set every Role variant
// implements (spec §9 design note: inheritance-in-the-source rendered as a
// tagged variant plus a small operation set). All methods run exclusively
// on the Engine's event-loop goroutine.
type roleBehavior interface {
	kind() ServerRole
	// timeout returns the duration until handleTimeout should fire, measured
	// from the last time the timer was reset (onEnter, or an explicit reset
	// triggered by an accepted heartbeat/vote).
	timeout() time.Duration
	onEnter()
	onExit()
	handleMessage(rpc *RPC)
	handleTimeout()
}

// setRole disposes the current role (onExit, which cancels its background
// tasks) and installs newRole, whose onEnter then runs its side effects.
// Must be called only from the event-loop goroutine.
func (e *Engine) setRole(newRole roleBehavior) {
	if e.role != nil {
		e.role.onExit()
	}
	e.setRoleKind(newRole.kind())
	e.role = newRole
	e.resetHeartbeatClock()
	e.role.onEnter()
	e.events.fire(Event{Kind: EventStateChanged, Payload: newRole.kind()})
	if newRole.kind() == RoleLeader {
		e.events.fire(Event{Kind: EventElectedAsLeader})
	}
}

// --- shared message handlers, reused by every role (spec §4.D "Common
// message handlers") ---

// handleRequestVote implements the RequestVote rules common to every role.
// A request carrying a higher term also makes any role other than Follower
// step down to Follower, inside this function.
func handleRequestVote(e *Engine, req *pb.RequestVoteRequest) *pb.RequestVoteResponse {
	currentTerm := e.currentTermSnapshot()
	resp := &pb.RequestVoteResponse{Term: currentTerm, From: e.id}

	if req.Term < currentTerm {
		return resp
	}
	if req.Term > currentTerm {
		e.updateTerm(req.Term)
		if e.role.kind() != RoleFollower {
			e.setRole(newFollowerRole(e))
		}
		currentTerm = req.Term
		resp.Term = currentTerm
	}

	votedFor := e.votedForSnapshot()
	if votedFor != "" && votedFor != req.CandidateId {
		return resp
	}

	lastLog, err := e.store.LastLogEntry()
	if err != nil {
		e.fatal(&PersistentStoreError{Op: "LastLogEntry", Err: err})
		return resp
	}
	upToDate := req.LastLogTerm > lastLog.Term ||
		(req.LastLogTerm == lastLog.Term && req.LastLogIndex >= lastLog.Index)
	if !upToDate {
		return resp
	}

	if err := e.store.RecordVoteFor(req.CandidateId); err != nil {
		e.fatal(&PersistentStoreError{Op: "RecordVoteFor", Err: err})
		return resp
	}
	e.setVotedFor(req.CandidateId)
	resp.Granted = true
	if e.role.kind() == RoleFollower {
		e.resetHeartbeatClock()
	}
	return resp
}

// handleAppendEntries implements the AppendEntries rules common to every
// role.
func handleAppendEntries(e *Engine, req *pb.AppendEntriesRequest) *pb.AppendEntriesResponse {
	currentTerm := e.currentTermSnapshot()
	resp := &pb.AppendEntriesResponse{Term: currentTerm, From: e.id}

	if req.Term < currentTerm {
		return resp
	}

	becameFollower := req.Term > currentTerm || e.role.kind() != RoleLeader
	if req.Term > currentTerm {
		e.updateTerm(req.Term)
		currentTerm = req.Term
		resp.Term = currentTerm
	}
	if becameFollower && e.role.kind() != RoleFollower {
		e.setRole(newFollowerRole(e))
	}
	if e.leaderIDSnapshot() != req.LeaderId {
		e.setLeaderID(req.LeaderId)
	}
	if e.role.kind() == RoleFollower {
		e.resetHeartbeatClock()
	}

	if req.PrevLogIndex > 0 {
		term, ok, err := e.store.TermFor(req.PrevLogIndex)
		if err != nil {
			e.fatal(&PersistentStoreError{Op: "TermFor", Err: err})
			return resp
		}
		if !ok || term != req.PrevLogTerm {
			lastLog, err := e.store.LastLogEntry()
			if err != nil {
				e.fatal(&PersistentStoreError{Op: "LastLogEntry", Err: err})
				return resp
			}
			resp.LastLogIndex = lastLog.Index
			return resp
		}
	}

	lastNewIndex := req.PrevLogIndex
	if len(req.Entries) > 0 {
		entries := make([]*LogEntry, len(req.Entries))
		for i, log := range req.Entries {
			entries[i] = &LogEntry{
				Index: log.Meta.Index,
				Term:  log.Meta.Term,
				Data:  Command(log.Body.Data),
				Flags: EntryFlags{
					IsTopologyChange: log.Body.Type == pb.LogConfiguration,
					IsNoOp:           log.Body.Type == pb.LogNoOp,
				},
			}
		}
		if err := e.store.AppendToLog(entries, req.PrevLogIndex); err != nil {
			e.fatal(&PersistentStoreError{Op: "AppendToLog", Err: err})
			return resp
		}
		lastNewIndex = entries[len(entries)-1].Index
		e.refreshChangingTopology()
		e.events.fire(Event{Kind: EventEntriesAppended, Payload: entries})
	}

	if req.LeaderCommit > e.commitIndexSnapshot() {
		newCommit := req.LeaderCommit
		if newCommit > lastNewIndex {
			newCommit = lastNewIndex
		}
		e.advanceCommitIndexTo(newCommit)
	}

	resp.Success = true
	resp.LastLogIndex = lastNewIndex
	return resp
}

package raft

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sumimakito/raft/pb"
)

// snapshotInstallationRole takes over for the duration of one inbound
// InstallSnapshot stream (spec §4.D.SnapshotInstallation): the stream is
// drained and applied to the state machine off the event loop goroutine
// (it can be large and slow). RequestVote keeps being answered normally;
// AppendEntries is refused (Success false, "installing snapshot") until the
// install finishes.
type snapshotInstallationRole struct {
	e          *Engine
	installing bool

	// group tracks the runInstall goroutine so onExit can drain it and
	// surface its error instead of leaking it past the role's lifetime.
	group errgroup.Group
}

func newSnapshotInstallationRole(e *Engine) *snapshotInstallationRole {
	return &snapshotInstallationRole{e: e}
}

func (r *snapshotInstallationRole) kind() ServerRole       { return RoleSnapshotInstallation }
func (r *snapshotInstallationRole) timeout() time.Duration { return randomizedElectionTimeout(r.e.opts.ElectionTimeout) }

func (r *snapshotInstallationRole) onEnter() {
	r.e.logger.Debugw("entering snapshot installation role", logFields(r.e)...)
}

func (r *snapshotInstallationRole) onExit() {
	if err := r.group.Wait(); err != nil {
		r.e.logger.Debugw("snapshot install task returned an error", logFields(r.e, "error", err)...)
	}
}

// handleTimeout only resets the heartbeat clock while an install is in
// progress, so the role stays put until the install finishes; with no
// install in progress it starts an election, the same way a follower would
// if its leader vanished.
func (r *snapshotInstallationRole) handleTimeout() {
	if r.installing {
		r.e.resetHeartbeatClock()
		return
	}
	r.e.setRole(newCandidateRole(r.e))
}

func (r *snapshotInstallationRole) handleMessage(rpc *RPC) {
	switch req := rpc.Request().(type) {
	case *pb.RequestVoteRequest:
		rpc.Respond(handleRequestVote(r.e, req), nil)
	case *pb.AppendEntriesRequest:
		if r.installing {
			rpc.Respond(&pb.AppendEntriesResponse{
				Term: r.e.currentTermSnapshot(), Success: false, From: r.e.id, Message: "installing snapshot",
			}, nil)
			return
		}
		rpc.Respond(handleAppendEntries(r.e, req), nil)
	case *pb.CanInstallSnapshotRequest:
		rpc.Respond(&pb.CanInstallSnapshotResponse{
			Term: r.e.currentTermSnapshot(), IsCurrentlyInstalling: r.installing, From: r.e.id,
		}, nil)
	case *InstallSnapshotRequest:
		r.handleInstall(rpc, req)
	case *pb.ApplyLogRequest:
		rpc.Respond(nil, &NotLeadingError{Leader: r.e.leaderIDSnapshot()})
	default:
		rpc.Respond(nil, ErrInvalidOperation)
	}
}

func (r *snapshotInstallationRole) handleInstall(rpc *RPC, req *InstallSnapshotRequest) {
	if r.installing {
		rpc.Respond(nil, ErrSnapshotAlreadyInstalling)
		return
	}
	currentTerm := r.e.currentTermSnapshot()
	if req.Meta.Term < currentTerm {
		rpc.Respond(&pb.InstallSnapshotResponse{Term: currentTerm, From: r.e.id}, nil)
		return
	}
	lastLog, err := r.e.store.LastLogEntry()
	if err != nil {
		r.e.fatal(&PersistentStoreError{Op: "LastLogEntry", Err: err})
		rpc.Respond(nil, err)
		return
	}
	if req.Meta.LastIncludedIndex <= lastLog.Index && req.Meta.Term <= lastLog.Term {
		rpc.Respond(nil, ErrSnapshotTooOld)
		return
	}

	r.installing = true
	r.e.events.fire(Event{Kind: EventInstallingSnapshot, Payload: SnapshotMeta{Index: req.Meta.LastIncludedIndex, Term: req.Meta.Term}})
	r.group.Go(func() error { return r.runInstall(rpc, req) })
}

func (r *snapshotInstallationRole) runInstall(rpc *RPC, req *InstallSnapshotRequest) error {
	defer req.Reader.Close()

	err := r.e.sm.Restore(req.Meta.Term, req.Meta.LastIncludedIndex, req.Reader)
	if err != nil {
		r.e.executeInEventLoop(func() { r.installing = false })
		rpc.Respond(nil, &SerializationError{Context: "snapshot restore", Err: err})
		return err
	}

	result, loopErr := r.e.runInLoop(rpc.Context(), func() (interface{}, error) {
		if req.Meta.Term > r.e.currentTermSnapshot() {
			r.e.updateTerm(req.Meta.Term)
		}
		if err := r.e.store.MarkSnapshotFor(req.Meta.LastIncludedIndex, req.Meta.Term, 0); err != nil {
			pse := &PersistentStoreError{Op: "MarkSnapshotFor", Err: err}
			r.e.fatal(pse)
			return nil, pse
		}
		topology := TopologyFromWire(req.Meta.Topology)
		if err := r.e.store.SetCurrentTopology(topology); err != nil {
			pse := &PersistentStoreError{Op: "SetCurrentTopology", Err: err}
			r.e.fatal(pse)
			return nil, pse
		}
		r.e.currentTopology = topology
		r.e.changingTopology = nil
		setAtomicIfGreater(&r.e.commitIndex, req.Meta.LastIncludedIndex)
		setAtomicIfGreater(&r.e.lastApplied, req.Meta.LastIncludedIndex)
		if r.e.leaderIDSnapshot() != req.Meta.LeaderId {
			r.e.setLeaderID(req.Meta.LeaderId)
		}
		r.e.events.fire(Event{Kind: EventSnapshotInstalled, Payload: SnapshotMeta{Index: req.Meta.LastIncludedIndex, Term: req.Meta.Term}})
		return &pb.InstallSnapshotResponse{
			Term: r.e.currentTermSnapshot(), LastLogIndex: req.Meta.LastIncludedIndex, Success: true, From: r.e.id,
		}, nil
	})
	if loopErr != nil {
		rpc.Respond(nil, loopErr)
	} else {
		rpc.Respond(result, nil)
	}
	// setRole drains r.group, which this goroutine belongs to, so the switch
	// back to Follower is queued as its own event-loop step instead of being
	// made inside the runInLoop callback above.
	r.e.executeInEventLoop(func() {
		r.installing = false
		if r.e.role == r {
			r.e.setRole(newFollowerRole(r.e))
		}
	})
	return loopErr
}

package raft

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sumimakito/raft/pb"
)

// steppingDownRole is entered when the current leader voluntarily gives up
// leadership through a graceful StepDown call (spec §4.D.SteppingDown):
// it keeps replicating the existing log
// like a leader, refuses new client commands, and once some other voting
// member's log is fully caught up, transfers leadership to it with
// TimeoutNow before reverting to Follower itself. If no peer catches up
// before the deadline, it steps down anyway and lets a normal election
// pick the next leader.
type steppingDownRole struct {
	e        *Engine
	ctx      context.Context
	cancel   context.CancelFunc
	period   time.Duration
	deadline time.Time
	inFlight map[string]bool

	// group tracks the replicateTo goroutines spawned during the handoff
	// window so onExit can drain them before the role is torn down.
	group errgroup.Group
}

func newSteppingDownRole(e *Engine) *steppingDownRole {
	return &steppingDownRole{
		e:        e,
		period:   e.opts.effectiveHeartbeatPeriod(),
		deadline: time.Now().Add(3 * e.opts.ElectionTimeout),
		inFlight: map[string]bool{},
	}
}

func (r *steppingDownRole) kind() ServerRole       { return RoleSteppingDown }
func (r *steppingDownRole) timeout() time.Duration { return r.period }

func (r *steppingDownRole) onEnter() {
	r.ctx, r.cancel = context.WithCancel(r.e.ctx)
	r.e.logger.Infow("stepping down, looking for a caught-up peer to transfer to", logFields(r.e)...)
	r.replicateToAll()
	r.maybeTransfer()
}

func (r *steppingDownRole) onExit() {
	if r.cancel != nil {
		r.cancel()
	}
	if err := r.group.Wait(); err != nil {
		r.e.logger.Debugw("stepping-down background task returned an error", logFields(r.e, "error", err)...)
	}
}

func (r *steppingDownRole) handleTimeout() {
	if time.Now().After(r.deadline) {
		r.e.logger.Infow("no peer caught up before deadline, stepping down unconditionally", logFields(r.e)...)
		r.e.setRole(newFollowerRole(r.e))
		return
	}
	r.replicateToAll()
	r.maybeTransfer()
}

// maybeTransfer hands leadership to the first voting member (besides self)
// whose matchIndex equals the leader's last log index.
func (r *steppingDownRole) maybeTransfer() {
	lastLog, err := r.e.store.LastLogEntry()
	if err != nil {
		r.e.fatal(&PersistentStoreError{Op: "LastLogEntry", Err: err})
		return
	}
	for _, id := range r.e.currentTopology.Members() {
		if id == r.e.id {
			continue
		}
		if r.e.matchIndex[id] < lastLog.Index {
			continue
		}
		endpoint := r.e.currentTopology.Endpoint(id)
		if endpoint == "" {
			continue
		}
		peer := &pb.Peer{Id: id, Endpoint: endpoint}
		ctx, cancel := context.WithTimeout(r.ctx, r.period*2)
		err := r.e.trans.TimeoutNow(ctx, peer, &pb.TimeoutNow{Term: r.e.currentTermSnapshot(), From: r.e.id})
		cancel()
		if err != nil {
			r.e.logger.Debugw("TimeoutNow failed", logFields(r.e, "peer", id, "error", err)...)
			continue
		}
		r.e.logger.Infow("transferred leadership", logFields(r.e, "to", id)...)
		r.e.setRole(newFollowerRole(r.e))
		return
	}
}

func (r *steppingDownRole) replicateToAll() {
	r.e.resetHeartbeatClock()
	for _, id := range r.e.currentTopology.Members() {
		if id == r.e.id || r.inFlight[id] {
			continue
		}
		endpoint := r.e.currentTopology.Endpoint(id)
		if endpoint == "" {
			continue
		}
		r.inFlight[id] = true
		peer := &pb.Peer{Id: id, Endpoint: endpoint}
		r.group.Go(func() error { return r.replicateTo(peer) })
	}
}

func (r *steppingDownRole) replicateTo(peer *pb.Peer) error {
	term := r.e.currentTermSnapshot()
	nextIdx := r.e.nextIndex[peer.Id]
	if nextIdx == 0 {
		nextIdx = 1
	}
	prevIdx := uint64(0)
	if nextIdx > 1 {
		prevIdx = nextIdx - 1
	}
	prevTerm, _, err := r.e.store.TermFor(prevIdx)
	if err != nil {
		r.e.executeInEventLoop(func() {
			delete(r.inFlight, peer.Id)
			r.e.fatal(&PersistentStoreError{Op: "TermFor", Err: err})
		})
		return err
	}
	entries, err := r.e.store.LogEntriesAfter(prevIdx, prevIdx+uint64(r.e.opts.MaxEntriesPerRequest))
	if err != nil {
		r.e.executeInEventLoop(func() {
			delete(r.inFlight, peer.Id)
			r.e.fatal(&PersistentStoreError{Op: "LogEntriesAfter", Err: err})
		})
		return err
	}
	wire := make([]*pb.Log, len(entries))
	for i, entry := range entries {
		logType := pb.LogCommand
		switch {
		case entry.Flags.IsNoOp:
			logType = pb.LogNoOp
		case entry.Flags.IsTopologyChange:
			logType = pb.LogConfiguration
		}
		wire[i] = &pb.Log{Meta: &pb.LogMeta{Index: entry.Index, Term: entry.Term}, Body: &pb.LogBody{Type: logType, Data: entry.Data}}
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.period*4)
	resp, err := r.e.trans.AppendEntries(ctx, peer, &pb.AppendEntriesRequest{
		Term: term, LeaderId: r.e.id, PrevLogIndex: prevIdx, PrevLogTerm: prevTerm,
		LeaderCommit: r.e.commitIndexSnapshot(), Entries: wire, From: r.e.id,
	})
	cancel()

	r.e.executeInEventLoop(func() {
		delete(r.inFlight, peer.Id)
		if r.e.role.kind() != RoleSteppingDown || r.e.role != r || err != nil {
			return
		}
		if resp.Term > r.e.currentTermSnapshot() {
			r.e.updateTerm(resp.Term)
			r.e.setRole(newFollowerRole(r.e))
			return
		}
		if !resp.Success {
			if r.e.nextIndex[peer.Id] > 1 {
				r.e.nextIndex[peer.Id]--
			}
			return
		}
		if len(entries) > 0 {
			r.e.matchIndex[peer.Id] = entries[len(entries)-1].Index
			r.e.nextIndex[peer.Id] = entries[len(entries)-1].Index + 1
		}
		r.e.commitAdvanceLocked()
	})
	return nil
}

func (r *steppingDownRole) handleMessage(rpc *RPC) {
	switch req := rpc.Request().(type) {
	case *pb.RequestVoteRequest:
		rpc.Respond(handleRequestVote(r.e, req), nil)
	case *pb.AppendEntriesRequest:
		rpc.Respond(handleAppendEntries(r.e, req), nil)
	case *pb.CanInstallSnapshotRequest:
		rpc.Respond(&pb.CanInstallSnapshotResponse{Term: r.e.currentTermSnapshot(), From: r.e.id}, nil)
	case *pb.ApplyLogRequest:
		rpc.Respond(nil, ErrInvalidOperation)
	default:
		rpc.Respond(nil, ErrInvalidOperation)
	}
}

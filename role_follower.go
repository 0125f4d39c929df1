package raft

import (
	"math/rand"
	"time"

	"github.com/sumimakito/raft/pb"
)

// followerRole is the passive role: it answers RequestVote/AppendEntries
// through the shared handlers and starts an election once it hears nothing
// from a leader for a randomized election timeout (spec §4.D.Follower).
type followerRole struct {
	e             *Engine
	electionTimer time.Duration
}

func newFollowerRole(e *Engine) *followerRole {
	return &followerRole{e: e, electionTimer: randomizedElectionTimeout(e.opts.ElectionTimeout)}
}

// randomizedElectionTimeout draws uniformly from [base, 2*base), the
// standard Raft jitter that keeps split votes rare without a central
// coordinator.
func randomizedElectionTimeout(base time.Duration) time.Duration {
	if base <= 0 {
		base = 150 * time.Millisecond
	}
	return base + time.Duration(rand.Int63n(int64(base)))
}

func (r *followerRole) kind() ServerRole { return RoleFollower }

func (r *followerRole) timeout() time.Duration { return r.electionTimer }

func (r *followerRole) onEnter() {
	r.e.logger.Debugw("entering follower role", logFields(r.e)...)
}

func (r *followerRole) onExit() {}

func (r *followerRole) handleTimeout() {
	r.e.logger.Infow("election timeout elapsed, becoming candidate", logFields(r.e)...)
	r.e.setRole(newCandidateRole(r.e))
}

func (r *followerRole) handleMessage(rpc *RPC) {
	switch req := rpc.Request().(type) {
	case *pb.RequestVoteRequest:
		rpc.Respond(handleRequestVote(r.e, req), nil)
	case *pb.AppendEntriesRequest:
		rpc.Respond(handleAppendEntries(r.e, req), nil)
	case *pb.CanInstallSnapshotRequest:
		rpc.Respond(r.handleCanInstallSnapshot(req), nil)
	case *pb.TimeoutNow:
		r.handleTimeoutNow(req)
		rpc.Respond(nil, nil)
	case *pb.ApplyLogRequest:
		rpc.Respond(nil, &NotLeadingError{Leader: r.e.leaderIDSnapshot()})
	default:
		rpc.Respond(nil, ErrInvalidOperation)
	}
}

func (r *followerRole) handleCanInstallSnapshot(req *pb.CanInstallSnapshotRequest) *pb.CanInstallSnapshotResponse {
	currentTerm := r.e.currentTermSnapshot()
	if req.Term < currentTerm {
		return &pb.CanInstallSnapshotResponse{Term: currentTerm, From: r.e.id}
	}
	return &pb.CanInstallSnapshotResponse{Success: true, Term: currentTerm, From: r.e.id}
}

// handleTimeoutNow honors a stepping-down leader's request to skip the
// election timeout and start a campaign immediately (spec §4.D leadership
// transfer note).
func (r *followerRole) handleTimeoutNow(req *pb.TimeoutNow) {
	if req.Term < r.e.currentTermSnapshot() {
		return
	}
	r.e.logger.Infow("received TimeoutNow, starting election early", logFields(r.e)...)
	r.e.setRole(newCandidateRole(r.e))
}

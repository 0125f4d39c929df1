package raft

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sumimakito/raft/pb"
)

// candidateRole runs one election campaign (spec §4.D.Candidate): it votes
// for itself, requests votes from every peer in the current (and, during a
// joint-consensus change, the changing) topology concurrently, and becomes
// Leader once it wins a quorum in both.
type candidateRole struct {
	e       *Engine
	timer   time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	term    uint64
	granted map[string]struct{}

	// group tracks the requestVoteFrom goroutines fanned out across this
	// campaign so onExit can drain them before the role is replaced.
	group errgroup.Group
}

func newCandidateRole(e *Engine) *candidateRole {
	return &candidateRole{e: e, timer: randomizedCandidateTimeout(e.opts.ElectionTimeout)}
}

// randomizedCandidateTimeout draws uniformly from [base/2, base), narrower
// than a follower's [base, 2*base) so a split vote resolves into a fresh
// election faster than waiting out a full follower timeout.
func randomizedCandidateTimeout(base time.Duration) time.Duration {
	if base <= 0 {
		base = 150 * time.Millisecond
	}
	half := base / 2
	if half <= 0 {
		half = 1
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}

func (r *candidateRole) kind() ServerRole     { return RoleCandidate }
func (r *candidateRole) timeout() time.Duration { return r.timer }

func (r *candidateRole) onEnter() {
	term, err := r.e.store.IncrementTermAndVoteFor(r.e.id)
	if err != nil {
		r.e.fatal(&PersistentStoreError{Op: "IncrementTermAndVoteFor", Err: err})
		return
	}
	r.term = term
	atomic.StoreUint64(&r.e.term, term)
	r.e.setVotedFor(r.e.id)
	r.e.setLeaderID("")
	r.granted = map[string]struct{}{r.e.id: {}}

	r.ctx, r.cancel = context.WithCancel(r.e.ctx)
	r.e.events.fire(Event{Kind: EventElectionStarted, Payload: term})

	lastLog, err := r.e.store.LastLogEntry()
	if err != nil {
		r.e.fatal(&PersistentStoreError{Op: "LastLogEntry", Err: err})
		return
	}

	var peers pb.PeerArray
	for _, id := range r.candidatePeerIDs() {
		if peer := r.peerFor(id); peer != nil {
			peers = append(peers, peer)
		}
	}
	r.e.logger.Infow("starting election", logFields(r.e, "election_term", term, zap.Array("peers", peers))...)

	for _, peer := range peers {
		peer := peer
		r.group.Go(func() error { return r.requestVoteFrom(peer, term, lastLog) })
	}

	r.maybeBecomeLeaderLocked()
}

// candidatePeerIDs returns every voting member id except self, across both
// the current and (if a membership change is in flight) changing topology,
// deduplicated.
func (r *candidateRole) candidatePeerIDs() []string {
	seen := map[string]struct{}{r.e.id: {}}
	var ids []string
	for _, id := range r.e.currentTopology.Members() {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if r.e.changingTopology != nil {
		for _, id := range r.e.changingTopology.Members() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *candidateRole) peerFor(id string) *pb.Peer {
	endpoint := r.e.currentTopology.Endpoint(id)
	if endpoint == "" && r.e.changingTopology != nil {
		endpoint = r.e.changingTopology.Endpoint(id)
	}
	if endpoint == "" {
		return nil
	}
	return &pb.Peer{Id: id, Endpoint: endpoint}
}

func (r *candidateRole) requestVoteFrom(peer *pb.Peer, term uint64, lastLog LastLogPointer) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.e.opts.ElectionTimeout)
	defer cancel()
	resp, err := r.e.trans.RequestVote(ctx, peer, &pb.RequestVoteRequest{
		Term:         term,
		CandidateId:  r.e.id,
		LastLogIndex: lastLog.Index,
		LastLogTerm:  lastLog.Term,
		From:         r.e.id,
	})
	r.e.executeInEventLoop(func() {
		if r.e.role.kind() != RoleCandidate || r.e.role != r {
			return
		}
		if err != nil {
			r.e.logger.Debugw("RequestVote failed", logFields(r.e, "peer", peer.Id, "error", err)...)
			return
		}
		r.handleVoteResponse(resp)
	})
	return nil
}

func (r *candidateRole) handleVoteResponse(resp *pb.RequestVoteResponse) {
	if resp.Term > r.term {
		r.e.updateTerm(resp.Term)
		r.e.setRole(newFollowerRole(r.e))
		return
	}
	if !resp.Granted {
		return
	}
	r.granted[resp.From] = struct{}{}
	r.maybeBecomeLeaderLocked()
}

func (r *candidateRole) maybeBecomeLeaderLocked() {
	if !r.e.currentTopology.HasQuorum(r.granted) {
		return
	}
	if r.e.changingTopology != nil && !r.e.changingTopology.HasQuorum(r.granted) {
		return
	}
	r.e.setRole(newLeaderRole(r.e))
}

func (r *candidateRole) onExit() {
	if r.cancel != nil {
		r.cancel()
	}
	if err := r.group.Wait(); err != nil {
		r.e.logger.Debugw("candidate background task returned an error", logFields(r.e, "error", err)...)
	}
}

func (r *candidateRole) handleTimeout() {
	r.e.logger.Infow("election timed out without a winner, starting a new term", logFields(r.e)...)
	r.e.setRole(newCandidateRole(r.e))
}

func (r *candidateRole) handleMessage(rpc *RPC) {
	switch req := rpc.Request().(type) {
	case *pb.RequestVoteRequest:
		rpc.Respond(handleRequestVote(r.e, req), nil)
	case *pb.AppendEntriesRequest:
		resp := handleAppendEntries(r.e, req)
		rpc.Respond(resp, nil)
	case *pb.CanInstallSnapshotRequest:
		rpc.Respond(&pb.CanInstallSnapshotResponse{Term: r.e.currentTermSnapshot(), From: r.e.id}, nil)
	case *pb.ApplyLogRequest:
		rpc.Respond(nil, &NotLeadingError{Leader: r.e.leaderIDSnapshot()})
	default:
		rpc.Respond(nil, ErrInvalidOperation)
	}
}

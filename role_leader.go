package raft

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sumimakito/raft/pb"
)

// leaderRole drives replication: it sends periodic AppendEntries (acting as
// both heartbeat and log-push) to every peer and advances commitIndex once
// a quorum's matchIndex passes a given entry (spec §4.D.Leader).
type leaderRole struct {
	e      *Engine
	ctx    context.Context
	cancel context.CancelFunc
	period time.Duration

	// inFlight prevents a second AppendEntries from racing a peer ahead of
	// one still outstanding, which would otherwise let replies arrive out
	// of order and briefly regress nextIndex.
	inFlight map[string]bool

	// group tracks every background goroutine this role spawns
	// (replicateTo, startSnapshotSendTo) so onExit can drain them and
	// surface the first error instead of leaking them past the role's
	// lifetime.
	group errgroup.Group
}

func newLeaderRole(e *Engine) *leaderRole {
	return &leaderRole{e: e, period: e.opts.effectiveHeartbeatPeriod(), inFlight: map[string]bool{}}
}

func (r *leaderRole) kind() ServerRole       { return RoleLeader }
func (r *leaderRole) timeout() time.Duration { return r.period }

func (r *leaderRole) onEnter() {
	r.ctx, r.cancel = context.WithCancel(r.e.ctx)
	var peers pb.PeerArray
	for _, id := range r.allPeerIDs() {
		if peer := r.peerFor(id); peer != nil {
			peers = append(peers, peer)
		}
	}
	r.e.logger.Infow("became leader", logFields(r.e, zap.Array("peers", peers))...)

	lastLog, err := r.e.store.LastLogEntry()
	if err != nil {
		r.e.fatal(&PersistentStoreError{Op: "LastLogEntry", Err: err})
		return
	}
	r.e.nextIndex = map[string]uint64{}
	r.e.matchIndex = map[string]uint64{}
	for _, id := range r.allPeerIDs() {
		r.e.nextIndex[id] = lastLog.Index + 1
		r.e.matchIndex[id] = 0
	}

	// Per spec §4.D, a leader stamps a no-op entry in its own term
	// immediately on election, so that commitAdvance has an entry in the
	// current term to advance through (entries from prior terms can never
	// be committed by count alone).
	if _, err := r.e.store.AppendToLeaderLog(r.e.currentTermSnapshot(), nil, EntryFlags{IsNoOp: true}); err != nil {
		r.e.fatal(&PersistentStoreError{Op: "AppendToLeaderLog", Err: err})
		return
	}
	r.e.commitAdvanceLocked()

	r.replicateToAll()
}

func (r *leaderRole) onExit() {
	if r.cancel != nil {
		r.cancel()
	}
	if err := r.group.Wait(); err != nil {
		r.e.logger.Debugw("leader background task returned an error", logFields(r.e, "error", err)...)
	}
}

func (r *leaderRole) handleTimeout() {
	r.replicateToAll()
}

// allPeerIDs returns every voting member except self, across both
// topologies during a joint-consensus change.
func (r *leaderRole) allPeerIDs() []string {
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

func (r *leaderRole) peerFor(id string) *pb.Peer {
	endpoint := r.e.currentTopology.Endpoint(id)
	if endpoint == "" && r.e.changingTopology != nil {
		endpoint = r.e.changingTopology.Endpoint(id)
	}
	if endpoint == "" {
		return nil
	}
	return &pb.Peer{Id: id, Endpoint: endpoint}
}

// ensurePeerTracked adds bookkeeping for a peer that joined via a
// membership change after onEnter ran.
func (r *leaderRole) ensurePeerTracked(id string) {
	if _, ok := r.e.nextIndex[id]; ok {
		return
	}
	lastLog, err := r.e.store.LastLogEntry()
	if err != nil {
		r.e.fatal(&PersistentStoreError{Op: "LastLogEntry", Err: err})
		return
	}
	r.e.nextIndex[id] = lastLog.Index + 1
	r.e.matchIndex[id] = 0
}

func (r *leaderRole) replicateToAll() {
	r.e.resetHeartbeatClock()
	for _, id := range r.allPeerIDs() {
		r.ensurePeerTracked(id)
		if r.inFlight[id] {
			continue
		}
		if r.e.snapshotsPendingInstallation[id] {
			continue
		}
		peer := r.peerFor(id)
		if peer == nil {
			continue
		}
		r.inFlight[id] = true
		r.group.Go(func() error { return r.replicateTo(peer) })
	}
}

func (r *leaderRole) replicateTo(peer *pb.Peer) error {
	term := r.e.currentTermSnapshot()
	nextIdx := r.e.nextIndex[peer.Id]
	prevIdx := uint64(0)
	if nextIdx > 1 {
		prevIdx = nextIdx - 1
	}
	prevTerm, ok, err := r.e.store.TermFor(prevIdx)
	if err != nil {
		r.e.executeInEventLoop(func() {
			delete(r.inFlight, peer.Id)
			r.e.fatal(&PersistentStoreError{Op: "TermFor", Err: err})
		})
		return err
	}
	if prevIdx > 0 && !ok {
		// The entry at prevIdx has been compacted away; fall back to
		// installing a snapshot instead of replicating.
		r.e.executeInEventLoop(func() {
			delete(r.inFlight, peer.Id)
			r.startSnapshotSendTo(peer)
		})
		return nil
	}

	entries, err := r.e.store.LogEntriesAfter(prevIdx, prevIdx+uint64(r.e.opts.MaxEntriesPerRequest))
	if err != nil {
		r.e.executeInEventLoop(func() {
			delete(r.inFlight, peer.Id)
			r.e.fatal(&PersistentStoreError{Op: "LogEntriesAfter", Err: err})
		})
		return err
	}
	lastLog, err := r.e.store.LastLogEntry()
	if err != nil {
		r.e.executeInEventLoop(func() {
			delete(r.inFlight, peer.Id)
			r.e.fatal(&PersistentStoreError{Op: "LastLogEntry", Err: err})
		})
		return err
	}
	if len(entries) == 0 && lastLog.Index >= nextIdx {
		// Entries exist beyond nextIdx but were pruned by a concurrent
		// snapshot between TermFor and LogEntriesAfter; retry next tick.
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
		wire[i] = &pb.Log{
			Meta: &pb.LogMeta{Index: entry.Index, Term: entry.Term},
			Body: &pb.LogBody{Type: logType, Data: entry.Data},
		}
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.period*4)
	defer cancel()
	resp, err := r.e.trans.AppendEntries(ctx, peer, &pb.AppendEntriesRequest{
		Term:         term,
		LeaderId:     r.e.id,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		LeaderCommit: r.e.commitIndexSnapshot(),
		Entries:      wire,
		From:         r.e.id,
	})

	r.e.executeInEventLoop(func() {
		delete(r.inFlight, peer.Id)
		if r.e.role.kind() != RoleLeader || r.e.role != r {
			return
		}
		if err != nil {
			r.e.logger.Debugw("AppendEntries failed", logFields(r.e, "peer", peer.Id, "error", err)...)
			return
		}
		r.handleAppendEntriesResponse(peer.Id, len(entries) > 0, nextIdx, prevIdx+uint64(len(entries)), resp)
	})
	return nil
}

func (r *leaderRole) handleAppendEntriesResponse(peerID string, hadEntries bool, sentFrom, sentThrough uint64, resp *pb.AppendEntriesResponse) {
	if resp.Term > r.e.currentTermSnapshot() {
		r.e.updateTerm(resp.Term)
		r.e.setRole(newFollowerRole(r.e))
		return
	}
	if !resp.Success {
		// Back up nextIndex per the response's hint (or by one, as a
		// floor) and let the next heartbeat tick retry.
		next := resp.LastLogIndex + 1
		if next == 0 || next >= r.e.nextIndex[peerID] {
			if r.e.nextIndex[peerID] > 1 {
				next = r.e.nextIndex[peerID] - 1
			} else {
				next = 1
			}
		}
		r.e.nextIndex[peerID] = next
		return
	}
	if hadEntries {
		r.e.matchIndex[peerID] = sentThrough
		r.e.nextIndex[peerID] = sentThrough + 1
	} else if r.e.matchIndex[peerID] < sentFrom-1 {
		r.e.matchIndex[peerID] = sentFrom - 1
	}
	r.e.commitAdvanceLocked()
}

func (r *leaderRole) handleMessage(rpc *RPC) {
	switch req := rpc.Request().(type) {
	case *pb.RequestVoteRequest:
		rpc.Respond(handleRequestVote(r.e, req), nil)
	case *pb.AppendEntriesRequest:
		rpc.Respond(handleAppendEntries(r.e, req), nil)
	case *pb.CanInstallSnapshotRequest:
		rpc.Respond(&pb.CanInstallSnapshotResponse{Term: r.e.currentTermSnapshot(), From: r.e.id}, nil)
	case *pb.ApplyLogRequest:
		r.handleApplyLog(rpc, req)
	default:
		rpc.Respond(nil, ErrInvalidOperation)
	}
}

// handleApplyLog services a command proxied from a follower (spec §6
// client-facing proxy note). It does not reply until the entry actually
// commits, so a follower relaying the response to its own caller reports
// an outcome matching Engine.AppendCommand's semantics.
func (r *leaderRole) handleApplyLog(rpc *RPC, req *pb.ApplyLogRequest) {
	index, term, err := r.appendLocked(req.Body.Data, false)
	if err != nil {
		rpc.Respond(nil, err)
		return
	}
	respond := func() {
		rpc.Respond(&pb.ApplyLogResponse{Meta: &pb.LogMeta{Index: index, Term: term}}, nil)
	}
	if index <= r.e.commitIndexSnapshot() {
		respond()
		return
	}
	r.e.pendingCommits = append(r.e.pendingCommits, pendingCommitEntry{index: index, complete: respond})
}

// appendLocked persists one entry to the leader's own log and starts
// replication; it does not wait for commit. Called from the event loop,
// either directly (AppendCommand) or via an ApplyLog RPC proxied from a
// follower.
func (r *leaderRole) appendLocked(data Command, isTopologyChange bool) (index, term uint64, err error) {
	term = r.e.currentTermSnapshot()
	index, err = r.e.store.AppendToLeaderLog(term, data, EntryFlags{IsTopologyChange: isTopologyChange})
	if err != nil {
		pse := &PersistentStoreError{Op: "AppendToLeaderLog", Err: err}
		r.e.fatal(pse)
		return 0, 0, pse
	}
	if isTopologyChange {
		r.e.refreshChangingTopology()
		r.e.events.fire(Event{Kind: EventTopologyChanging, Payload: r.e.changingTopology})
	}
	r.e.commitAdvanceLocked()
	r.replicateToAll()
	return index, term, nil
}

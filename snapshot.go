package raft

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/sumimakito/raft/pb"
)

// startSnapshotCreation kicks off a background snapshot of the state
// machine once the committed log has grown past
// MaxLogLengthBeforeCompaction. Guarded by snapshotCreating so at most one
// runs at a time; the result is folded back into the store from the event
// loop goroutine via executeInEventLoop (spec §4.F).
func (e *Engine) startSnapshotCreation() {
	if !atomic.CompareAndSwapInt32(&e.snapshotCreating, 0, 1) {
		return
	}
	commitIndex := e.commitIndexSnapshot()
	term, ok, err := e.store.TermFor(commitIndex)
	if err != nil {
		atomic.StoreInt32(&e.snapshotCreating, 0)
		e.fatal(&PersistentStoreError{Op: "TermFor", Err: err})
		return
	}
	if !ok {
		atomic.StoreInt32(&e.snapshotCreating, 0)
		return
	}

	e.events.fire(Event{Kind: EventCreatingSnapshot, Payload: commitIndex})
	e.bgTasks.Go(func() error {
		snap, err := e.sm.CreateSnapshot(commitIndex, term)
		e.executeInEventLoop(func() {
			defer atomic.StoreInt32(&e.snapshotCreating, 0)
			if err != nil {
				e.logger.Warnw("snapshot creation failed", logFields(e, "error", err)...)
				e.events.fire(Event{Kind: EventSnapshotCreationError, Payload: err})
				return
			}
			// Keep enough trailing log so a follower lagging by less than
			// 7/8 of the compaction threshold can still catch up through
			// ordinary AppendEntries instead of a full InstallSnapshot.
			maxTrailingToKeep := e.opts.MaxLogLengthBeforeCompaction * 7 / 8
			if err := e.store.MarkSnapshotFor(snap.Index(), snap.Term(), maxTrailingToKeep); err != nil {
				e.fatal(&PersistentStoreError{Op: "MarkSnapshotFor", Err: err})
				return
			}
			e.latestSnapshot.Store(snap)
			e.events.fire(Event{Kind: EventCreatedSnapshot, Payload: SnapshotMeta{Index: snap.Index(), Term: snap.Term()}})
		})
		return err
	})
}

// startSnapshotSendTo is called by the Leader role when a peer's nextIndex
// has fallen behind the retained log; it streams the most recent snapshot
// to the peer instead of replicating individual entries. Must be called
// from the event loop goroutine.
func (r *leaderRole) startSnapshotSendTo(peer *pb.Peer) {
	e := r.e
	if e.snapshotsPendingInstallation[peer.Id] {
		return
	}
	if !e.sm.SupportsSnapshots() {
		return
	}
	snapMeta, ok, err := e.store.LastSnapshot()
	if err != nil {
		e.fatal(&PersistentStoreError{Op: "LastSnapshot", Err: err})
		return
	}
	if !ok {
		return
	}
	e.snapshotsPendingInstallation[peer.Id] = true
	term := e.currentTermSnapshot()
	topology := e.currentTopology.ToWire()

	r.group.Go(func() error {
		defer e.executeInEventLoop(func() { delete(e.snapshotsPendingInstallation, peer.Id) })

		ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
		checkResp, err := e.trans.CanInstallSnapshot(ctx, peer, &pb.CanInstallSnapshotRequest{
			Term: term, Index: snapMeta.Index, LeaderId: e.id, From: e.id,
		})
		cancel()
		if err != nil || !checkResp.Success {
			return nil
		}

		// Reuse the handle CreateSnapshot already produced, rather than
		// calling it again here: re-invoking it this long after the fact
		// would hand back whatever the state machine holds *now*, not the
		// frozen state as of snapMeta.Index/Term the peer is being told it
		// is receiving.
		cached := e.latestSnapshot.Load()
		if cached == nil {
			e.logger.Warnw("no in-memory snapshot handle available to send", logFields(e, "peer", peer.Id)...)
			return nil
		}
		snap := cached.(StateMachineSnapshot)
		if snap.Index() != snapMeta.Index || snap.Term() != snapMeta.Term {
			e.logger.Warnw("cached snapshot handle is stale relative to the persisted snapshot",
				logFields(e, "peer", peer.Id, "cachedIndex", snap.Index(), "wantIndex", snapMeta.Index)...)
			return nil
		}
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(snap.WriteTo(pw))
		}()

		installCtx, installCancel := context.WithTimeout(r.ctx, 2*time.Minute)
		defer installCancel()
		resp, err := e.trans.InstallSnapshot(installCtx, peer, &pb.InstallSnapshotRequestMeta{
			Term:              term,
			LastIncludedIndex: snapMeta.Index,
			LastIncludedTerm:  snapMeta.Term,
			LeaderId:          e.id,
			Topology:          topology,
			From:              e.id,
		}, pr)
		if err != nil {
			e.logger.Warnw("InstallSnapshot failed", logFields(e, "peer", peer.Id, "error", err)...)
			return nil
		}
		e.executeInEventLoop(func() {
			if resp.Term > e.currentTermSnapshot() {
				e.updateTerm(resp.Term)
				e.setRole(newFollowerRole(e))
				return
			}
			if resp.Success {
				e.matchIndex[peer.Id] = resp.LastLogIndex
				e.nextIndex[peer.Id] = resp.LastLogIndex + 1
				e.commitAdvanceLocked()
			}
		})
		return nil
	})
}

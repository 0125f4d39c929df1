package raft

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sumimakito/raft/pb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EngineOptions configures a new Engine (spec §6 configuration table).
type EngineOptions struct {
	// Name is this node's identity; must be globally unique within the
	// cluster.
	Name string

	Store        PersistentStore
	Transport    Transport
	StateMachine StateMachine

	// ElectionTimeout is the base election timeout; actual draws follow
	// the per-role rules in spec §4.D.
	ElectionTimeout time.Duration
	// HeartbeatTimeout is the leader heartbeat period budget; the
	// effective period is min(this, ElectionTimeout/6, 250ms).
	HeartbeatTimeout time.Duration
	// MaxEntriesPerRequest caps the number of entries sent in one
	// AppendEntries.
	MaxEntriesPerRequest int
	// MaxLogLengthBeforeCompaction is the committed-entries threshold that
	// triggers a snapshot.
	MaxLogLengthBeforeCompaction uint64
	// ForceNewTopology, if true, makes the initial topology come from
	// AllVotingNodes regardless of any persisted topology.
	ForceNewTopology bool
	// AllVotingNodes bootstraps the voting set (id -> endpoint) when no
	// topology has been persisted yet, or when ForceNewTopology is set.
	AllVotingNodes map[string]string

	// DebugLogging switches the zap logger to a development config.
	DebugLogging bool

	// MetricsRegisterer, if non-nil, registers the engine's Prometheus
	// collectors (see metrics.go).
	MetricsRegisterer MetricsRegisterer
}

func (o *EngineOptions) setDefaults() {
	if o.ElectionTimeout == 0 {
		o.ElectionTimeout = 150 * time.Millisecond
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = 50 * time.Millisecond
	}
	if o.MaxEntriesPerRequest == 0 {
		o.MaxEntriesPerRequest = 64
	}
	if o.MaxLogLengthBeforeCompaction == 0 {
		o.MaxLogLengthBeforeCompaction = 10000
	}
}

func (o *EngineOptions) effectiveHeartbeatPeriod() time.Duration {
	period := o.HeartbeatTimeout
	if sixth := o.ElectionTimeout / 6; sixth < period {
		period = sixth
	}
	if period > 250*time.Millisecond {
		period = 250 * time.Millisecond
	}
	return period
}

// pendingCommitEntry is resolved, FIFO, once commitIndex passes its index.
type pendingCommitEntry struct {
	index    uint64
	complete func()
}

// AppendFuture is returned by AppendCommand: a handle to the eventual
// commit outcome of one appended entry.
type AppendFuture struct {
	index uint64
	done  chan error
}

// Index returns the log index the entry was assigned. Valid immediately,
// even before the entry commits.
func (f *AppendFuture) Index() uint64 { return f.index }

// Wait blocks until the entry commits (nil error) or ctx is canceled first.
func (f *AppendFuture) Wait(ctx context.Context) error {
	select {
	case err := <-f.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *AppendFuture) resolve(err error) {
	select {
	case f.done <- err:
	default:
	}
}

// loopRequest is a closure the event loop executes on its own goroutine,
// the concrete form of the "executeInEventLoop" mechanism background tasks
// use to post their externally-visible effects (spec §5, §9).
type loopRequest struct {
	fn   func() (interface{}, error)
	done chan loopResult
}

type loopResult struct {
	value interface{}
	err   error
}

// Engine is the per-node consensus engine core (spec §4.E): it owns
// persistent state, the transport, the state machine, the current role,
// term, commit index and topology, and runs the single-threaded event
// loop every other component's mutations are funneled through.
type Engine struct {
	id     string
	opts   EngineOptions
	logger *zap.SugaredLogger
	events *eventBus
	metrics *engineMetrics

	store PersistentStore
	trans Transport
	sm    StateMachine

	// Snapshot of frequently-read volatile state, safe for concurrent
	// reads from outside the event loop goroutine. Mutated only by the
	// event loop.
	roleKind    int32 // atomic ServerRole
	term        uint64 // atomic
	commitIndex uint64 // atomic
	lastApplied uint64 // atomic
	leaderID    atomic.Value // string
	votedFor    atomic.Value // string

	// Mutated only by the event loop goroutine.
	role             roleBehavior
	currentTopology  *Topology
	changingTopology *Topology

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	snapshotsPendingInstallation map[string]bool

	pendingCommits []pendingCommitEntry

	lastHeartbeatTime time.Time

	loopCh chan loopRequest

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	stopOnce sync.Once

	snapshotCreating int32 // atomic CAS guard, see snapshot.go

	// bgTasks tracks engine-scoped background goroutines (currently just
	// startSnapshotCreation) so Stop can drain them and surface the first
	// error instead of leaking or silently dropping it.
	bgTasks errgroup.Group

	// latestSnapshot caches the StateMachineSnapshot handle returned by the
	// most recent successful CreateSnapshot call, so a later send to a
	// lagging peer streams the exact frozen snapshot that was persisted
	// instead of re-deriving one from however far the state machine has
	// moved on since (see snapshot.go).
	latestSnapshot atomic.Value // StateMachineSnapshot
}

// NewEngine constructs an Engine but does not start its event loop; call
// Serve to do that.
func NewEngine(opts EngineOptions) (*Engine, error) {
	opts.setDefaults()
	if opts.Name == "" {
		return nil, fmt.Errorf("raft: EngineOptions.Name must not be empty")
	}
	if opts.Store == nil || opts.Transport == nil || opts.StateMachine == nil {
		return nil, fmt.Errorf("raft: EngineOptions.Store, Transport and StateMachine are required")
	}

	e := &Engine{
		id:                           opts.Name,
		opts:                         opts,
		store:                        opts.Store,
		trans:                        opts.Transport,
		sm:                           opts.StateMachine,
		nextIndex:                    map[string]uint64{},
		matchIndex:                   map[string]uint64{},
		snapshotsPendingInstallation: map[string]bool{},
		loopCh:                       make(chan loopRequest, 64),
		doneCh:                       make(chan struct{}),
	}
	e.logger = newLogger(opts.DebugLogging)
	e.events = newEventBus(e.logger)
	e.leaderID.Store("")
	e.votedFor.Store("")
	if opts.MetricsRegisterer != nil {
		e.metrics = newEngineMetrics(opts.MetricsRegisterer)
		e.wireMetrics()
	}

	if err := e.restoreState(); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) restoreState() error {
	term, err := e.store.CurrentTerm()
	if err != nil {
		return &PersistentStoreError{Op: "CurrentTerm", Err: err}
	}
	atomic.StoreUint64(&e.term, term)

	votedFor, err := e.store.VotedFor()
	if err != nil {
		return &PersistentStoreError{Op: "VotedFor", Err: err}
	}
	e.votedFor.Store(votedFor)

	topology, err := e.store.GetCurrentTopology()
	if err != nil {
		return &PersistentStoreError{Op: "GetCurrentTopology", Err: err}
	}
	if topology == nil || e.opts.ForceNewTopology {
		if len(e.opts.AllVotingNodes) > 0 {
			topology = NewTopology(e.opts.AllVotingNodes)
			if err := e.store.SetCurrentTopology(topology); err != nil {
				return &PersistentStoreError{Op: "SetCurrentTopology", Err: err}
			}
		} else {
			topology = NewTopology(nil)
		}
	}
	e.currentTopology = topology

	snapshot, ok, err := e.store.LastSnapshot()
	if err != nil {
		return &PersistentStoreError{Op: "LastSnapshot", Err: err}
	}
	if ok {
		atomic.StoreUint64(&e.commitIndex, snapshot.Index)
		atomic.StoreUint64(&e.lastApplied, snapshot.Index)
	}

	// Any topology-change entry still uncommitted at restart needs to be
	// reflected in changingTopology before the event loop starts handling
	// messages, so the first commit-advance after restart uses the right
	// joint-consensus quorum.
	e.refreshChangingTopology()

	e.role = newFollowerRole(e)
	atomic.StoreInt32(&e.roleKind, int32(RoleFollower))
	return nil
}

// Serve starts the event loop and blocks until Stop is called or a fatal
// error terminates it.
func (e *Engine) Serve() error {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.lastHeartbeatTime = time.Now()
	e.role.onEnter()
	e.logger.Infow("engine started", logFields(e)...)
	defer close(e.doneCh)
	e.runLoop()
	return nil
}

// Stop cancels the event loop's context, waits (with a bounded grace
// period) for it to exit, then closes the persistent store.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		select {
		case <-e.doneCh:
		case <-time.After(500 * time.Millisecond):
			e.logger.Warnw("event loop did not exit within the grace period", logFields(e)...)
		}
		if e.role != nil {
			e.role.onExit()
		}
		if err := e.bgTasks.Wait(); err != nil {
			e.logger.Warnw("background task returned an error", logFields(e, "error", err)...)
		}
		if err := e.store.Close(); err != nil {
			e.logger.Warnw("error closing persistent store", logFields(e, "error", err)...)
		}
	})
}

// runLoop is the single-threaded event loop (spec §4.E).
func (e *Engine) runLoop() {
	for {
		if e.ctx.Err() != nil {
			return
		}
		budget := e.role.timeout() - time.Since(e.lastHeartbeatTime)
		if budget < 0 {
			budget = 0
		}
		timer := time.NewTimer(budget)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			e.role.handleTimeout()
			e.events.fire(Event{Kind: EventStateTimeout})
		case rpc := <-e.trans.RPC():
			timer.Stop()
			e.logger.Debugw("dispatching inbound rpc", logFields(e, "requestId", rpc.RequestID())...)
			if _, ok := rpc.Request().(*InstallSnapshotRequest); ok && e.role.kind() != RoleSnapshotInstallation {
				e.setRole(newSnapshotInstallationRole(e))
			}
			e.role.handleMessage(rpc)
			e.events.fire(Event{Kind: EventEventsProcessed})
		case req := <-e.loopCh:
			timer.Stop()
			value, err := req.fn()
			req.done <- loopResult{value: value, err: err}
			e.events.fire(Event{Kind: EventEventsProcessed})
		}
	}
}

// runInLoop posts fn to the event loop and blocks for its result, the
// mechanism every client-facing Engine method (AppendCommand,
// AddToCluster, ...) uses to keep all engine-state mutation single
// threaded.
func (e *Engine) runInLoop(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	req := loopRequest{fn: fn, done: make(chan loopResult, 1)}
	select {
	case e.loopCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, ErrShuttingDown
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// executeInEventLoop is the background-task-facing half of runInLoop: it
// does not block the caller goroutine on a reply, used to post
// fire-and-forget effects (e.g. "a snapshot send to peer X finished").
func (e *Engine) executeInEventLoop(fn func()) {
	req := loopRequest{fn: func() (interface{}, error) { fn(); return nil, nil }, done: make(chan loopResult, 1)}
	select {
	case e.loopCh <- req:
	case <-e.ctx.Done():
	}
}

func (e *Engine) fatal(err error) {
	e.logger.Errorw("fatal engine error, terminating event loop", logFields(e, "error", err)...)
	if pse, ok := err.(*PersistentStoreError); ok {
		e.events.fire(Event{Kind: EventSnapshotCreationError, Payload: pse})
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// --- atomic snapshots of volatile state, safe to call from any goroutine ---

// roleSnapshot is the cross-goroutine-safe read of the current role kind;
// code running on the event loop goroutine itself should read e.role.kind()
// directly instead, since it reflects the in-progress transition exactly.
func (e *Engine) roleSnapshot() ServerRole {
	return ServerRole(atomic.LoadInt32(&e.roleKind))
}
func (e *Engine) setRoleKind(r ServerRole) { atomic.StoreInt32(&e.roleKind, int32(r)) }

func (e *Engine) currentTermSnapshot() uint64 { return atomic.LoadUint64(&e.term) }
func (e *Engine) commitIndexSnapshot() uint64 { return atomic.LoadUint64(&e.commitIndex) }
func (e *Engine) lastAppliedSnapshot() uint64 { return atomic.LoadUint64(&e.lastApplied) }
func (e *Engine) leaderIDSnapshot() string    { return e.leaderID.Load().(string) }
func (e *Engine) votedForSnapshot() string    { return e.votedFor.Load().(string) }

func (e *Engine) setLeaderID(id string) {
	e.leaderID.Store(id)
}
func (e *Engine) setVotedFor(id string) { e.votedFor.Store(id) }

func (e *Engine) updateTerm(term uint64) {
	if err := e.store.UpdateTermTo(term); err != nil {
		e.fatal(&PersistentStoreError{Op: "UpdateTermTo", Err: err})
		return
	}
	atomic.StoreUint64(&e.term, term)
	e.votedFor.Store("")
	e.events.fire(Event{Kind: EventNewTerm, Payload: term})
}

func (e *Engine) resetHeartbeatClock() { e.lastHeartbeatTime = time.Now() }

// setAtomicIfGreater stores newValue into addr only if it exceeds the
// current value, used when folding a snapshot's boundary into commitIndex
// / lastApplied without regressing past concurrent progress.
func setAtomicIfGreater(addr *uint64, newValue uint64) {
	for {
		cur := atomic.LoadUint64(addr)
		if newValue <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(addr, cur, newValue) {
			return
		}
	}
}

// --- apply / commit advancement ---

func (e *Engine) setCommitIndex(newIndex uint64) {
	old := atomic.SwapUint64(&e.commitIndex, newIndex)
	e.events.fire(Event{Kind: EventCommitIndexChanged, Payload: CommitIndexChangedPayload{Old: old, New: newIndex}})
}

// advanceCommitIndexTo is the follower-side commit advance: the leader
// told us commitIndex should be at least newIndex.
func (e *Engine) advanceCommitIndexTo(newIndex uint64) {
	if newIndex <= e.commitIndexSnapshot() {
		return
	}
	e.setCommitIndex(newIndex)
	e.applyCommitted()
}

// applyCommitted applies every entry in (lastApplied, commitIndex] to the
// state machine, handling system entries (topology changes) internally.
func (e *Engine) applyCommitted() {
	lastApplied := e.lastAppliedSnapshot()
	commitIndex := e.commitIndexSnapshot()
	if lastApplied >= commitIndex {
		return
	}
	entries, err := e.store.LogEntriesAfter(lastApplied, commitIndex)
	if err != nil {
		e.fatal(&PersistentStoreError{Op: "LogEntriesAfter", Err: err})
		return
	}
	expected := lastApplied
	for _, entry := range entries {
		expected++
		if entry.Index != expected {
			e.fatal(&PersistentStoreError{Op: "applyCommitted", Err: fmt.Errorf("log gap at index %d", expected)})
			return
		}
		switch {
		case entry.Flags.IsNoOp:
			// no-op entries exist only to stamp the new leader's term in
			// the log; nothing to apply.
		case entry.Flags.IsTopologyChange:
			e.applyTopologyChange(entry)
		default:
			if err := e.sm.Apply(entry.Index, entry.Term, entry.Data); err != nil {
				e.fatal(&SerializationError{Context: "StateMachine.Apply", Err: err})
				return
			}
			e.events.fire(Event{Kind: EventCommitApplied, Payload: CommitAppliedPayload{Index: entry.Index, Term: entry.Term, Command: entry.Data}})
		}
		atomic.StoreUint64(&e.lastApplied, entry.Index)
	}
	e.resolvePendingCommits(commitIndex)
	e.maybeTriggerSnapshot()
}

func (e *Engine) applyTopologyChange(entry *LogEntry) {
	var w pb.WireTopology
	if err := pb.Unmarshal(entry.Data, &w); err != nil {
		e.fatal(&SerializationError{Context: "topology change entry", Err: err})
		return
	}
	requested := TopologyFromWire(w)
	previous := e.currentTopology

	if !requested.Contains(e.id) {
		// Self removed: stop serving. The host application observes this
		// via EventTopologyChanged, whose Next is the new topology without
		// this node; the engine then persists it and calls Stop() itself.
		// "Stopped" is not modeled as a distinct Role.
		e.currentTopology = requested
		e.changingTopology = nil
		if err := e.store.SetCurrentTopology(requested); err != nil {
			e.fatal(&PersistentStoreError{Op: "SetCurrentTopology", Err: err})
			return
		}
		e.events.fire(Event{Kind: EventTopologyChanged, Payload: TopologyChangePayload{Previous: previous, Next: requested}})
		e.logger.Infow("removed from cluster topology, stopping", logFields(e)...)
		go e.Stop()
		return
	}

	e.currentTopology = requested
	e.changingTopology = nil
	if err := e.store.SetCurrentTopology(requested); err != nil {
		e.fatal(&PersistentStoreError{Op: "SetCurrentTopology", Err: err})
		return
	}
	e.events.fire(Event{Kind: EventTopologyChanged, Payload: TopologyChangePayload{Previous: previous, Next: requested}})
}

// refreshChangingTopology recomputes changingTopology from the most recent
// uncommitted topology-change entry in the log, so every role (not just
// the leader driving a change) has an accurate view for joint-consensus
// quorum checks, and so a truncated-away proposal correctly reverts.
func (e *Engine) refreshChangingTopology() {
	entry, err := e.store.LastTopologyChangeEntry()
	if err != nil {
		e.fatal(&PersistentStoreError{Op: "LastTopologyChangeEntry", Err: err})
		return
	}
	if entry == nil || entry.Index <= e.commitIndexSnapshot() {
		if e.changingTopology != nil {
			e.changingTopology = nil
		}
		return
	}
	var w pb.WireTopology
	if err := pb.Unmarshal(entry.Data, &w); err != nil {
		e.fatal(&SerializationError{Context: "refreshChangingTopology", Err: err})
		return
	}
	e.changingTopology = TopologyFromWire(w)
}

func (e *Engine) resolvePendingCommits(commitIndex uint64) {
	i := 0
	for ; i < len(e.pendingCommits); i++ {
		if e.pendingCommits[i].index > commitIndex {
			break
		}
		e.pendingCommits[i].complete()
	}
	e.pendingCommits = e.pendingCommits[i:]
}

// --- quorum / commit-advance math used by the Leader role ---

// quorumIndexLocked returns the highest index N > commitIndex such that
// termFor(N) == currentTerm and matchIndex reaches quorum in both
// currentTopology and (if set) changingTopology — the canonical Raft
// commit rule the spec's Open Questions section adopts over the source's
// two conflicting shortcuts.
func (e *Engine) quorumIndexLocked() (uint64, bool) {
	seen := map[uint64]struct{}{}
	candidates := make([]uint64, 0, len(e.matchIndex)+1)
	addCandidate := func(idx uint64) {
		if _, ok := seen[idx]; ok {
			return
		}
		seen[idx] = struct{}{}
		candidates = append(candidates, idx)
	}
	for _, idx := range e.matchIndex {
		addCandidate(idx)
	}
	// The leader always matches its own log exactly; include its own last
	// index as a candidate so a single-voter topology (no peers at all, so
	// matchIndex is empty) can still advance commitIndex on its own.
	if lastLog, err := e.store.LastLogEntry(); err != nil {
		e.fatal(&PersistentStoreError{Op: "LastLogEntry", Err: err})
		return 0, false
	} else if lastLog.Index > 0 {
		addCandidate(lastLog.Index)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] > candidates[j] })

	currentTerm := e.currentTermSnapshot()
	commitIndex := e.commitIndexSnapshot()
	for _, n := range candidates {
		if n <= commitIndex {
			break
		}
		term, ok, err := e.store.TermFor(n)
		if err != nil {
			e.fatal(&PersistentStoreError{Op: "TermFor", Err: err})
			return 0, false
		}
		if !ok || term != currentTerm {
			continue
		}
		if e.hasQuorumAtLocked(n) {
			return n, true
		}
	}
	return 0, false
}

func (e *Engine) hasQuorumAtLocked(n uint64) bool {
	set := map[string]struct{}{e.id: {}}
	for id, idx := range e.matchIndex {
		if idx >= n {
			set[id] = struct{}{}
		}
	}
	if !e.currentTopology.HasQuorum(set) {
		return false
	}
	if e.changingTopology != nil && !e.changingTopology.HasQuorum(set) {
		return false
	}
	return true
}

// commitAdvanceLocked recomputes the quorum index and, if it moved
// forward, commits and applies through it. Called by the Leader role after
// every matchIndex update.
func (e *Engine) commitAdvanceLocked() {
	n, ok := e.quorumIndexLocked()
	if !ok {
		return
	}
	e.setCommitIndex(n)
	e.applyCommitted()
}

// maybeTriggerSnapshot starts a snapshot-creation background task once the
// committed log has grown past the configured threshold (spec §4.E / §4.F).
func (e *Engine) maybeTriggerSnapshot() {
	if !e.sm.SupportsSnapshots() {
		return
	}
	count, err := e.store.CommittedEntriesCount(e.commitIndexSnapshot())
	if err != nil {
		e.fatal(&PersistentStoreError{Op: "CommittedEntriesCount", Err: err})
		return
	}
	if count < e.opts.MaxLogLengthBeforeCompaction {
		return
	}
	e.startSnapshotCreation()
}

// --- public client-facing API (spec §6) ---

// EngineState is a point-in-time snapshot of an Engine's externally
// visible state, returned by States().
type EngineState struct {
	ID          string
	Role        ServerRole
	Term        uint64
	LeaderID    string
	CommitIndex uint64
	LastApplied uint64
	Topology    *Topology
}

// Subscribe registers fn to be invoked synchronously, on the event-loop
// goroutine, for every event of kind the engine fires (spec §6 "Events the
// engine emits"). fn must not block or call back into the Engine.
func (e *Engine) Subscribe(kind EventKind, fn func(Event)) {
	e.events.Subscribe(kind, fn)
}

// States returns a snapshot of the engine's externally visible state. Safe
// to call from any goroutine.
func (e *Engine) States() EngineState {
	return EngineState{
		ID:          e.id,
		Role:        e.roleSnapshot(),
		Term:        e.currentTermSnapshot(),
		LeaderID:    e.leaderIDSnapshot(),
		CommitIndex: e.commitIndexSnapshot(),
		LastApplied: e.lastAppliedSnapshot(),
		Topology:    e.currentTopology,
	}
}

// AppendCommand proposes data as the next log entry. If this node is not
// the leader, the command is proxied to the believed leader over the
// transport (spec §6 client-facing proxy note); if no leader is known yet,
// it fails immediately with a *NotLeadingError.
func (e *Engine) AppendCommand(ctx context.Context, data Command) (*AppendFuture, error) {
	v, err := e.runInLoop(ctx, func() (interface{}, error) {
		if e.role.kind() != RoleLeader {
			return nil, &NotLeadingError{Leader: e.leaderIDSnapshot()}
		}
		lr := e.role.(*leaderRole)
		index, _, err := lr.appendLocked(data, false)
		if err != nil {
			return nil, err
		}
		future := &AppendFuture{index: index, done: make(chan error, 1)}
		if index <= e.commitIndexSnapshot() {
			// appendLocked's commitAdvanceLocked may have already committed
			// this entry synchronously (e.g. a single-voter topology);
			// resolvePendingCommits already ran past this index, so queuing
			// it would wait forever. Resolve directly instead.
			future.resolve(nil)
		} else {
			e.pendingCommits = append(e.pendingCommits, pendingCommitEntry{
				index:    index,
				complete: func() { future.resolve(nil) },
			})
		}
		return future, nil
	})
	if err != nil {
		if notLeading, ok := err.(*NotLeadingError); ok && notLeading.Leader != "" {
			return e.proxyApplyLog(ctx, notLeading.Leader, data)
		}
		return nil, err
	}
	return v.(*AppendFuture), nil
}

// proxyApplyLog forwards data to the believed leader via Transport.ApplyLog
// and synthesizes a resolved (since the leader already committed by the
// time it replies) AppendFuture from the result.
func (e *Engine) proxyApplyLog(ctx context.Context, leaderID string, data Command) (*AppendFuture, error) {
	endpoint := e.currentTopology.Endpoint(leaderID)
	if endpoint == "" {
		return nil, &NotLeadingError{Leader: leaderID}
	}
	peer := &pb.Peer{Id: leaderID, Endpoint: endpoint}
	resp, err := e.trans.ApplyLog(ctx, peer, &pb.ApplyLogRequest{Body: &pb.LogBody{Type: pb.LogCommand, Data: data}})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("raft: leader rejected proxied command: %s", resp.Error)
	}
	future := &AppendFuture{index: resp.Meta.Index, done: make(chan error, 1)}
	future.resolve(nil)
	return future, nil
}

// AddToCluster proposes a joint-consensus membership change adding id at
// endpoint. Must be called against the leader.
func (e *Engine) AddToCluster(ctx context.Context, id, endpoint string) error {
	return e.proposeTopologyChange(ctx, func(t *Topology) *Topology { return t.CloneAndAdd(id, endpoint) })
}

// RemoveFromCluster proposes a joint-consensus membership change removing
// id. Removing the leader itself is disallowed: the client must call
// StepDown and ask the newly elected leader to remove the old one instead.
func (e *Engine) RemoveFromCluster(ctx context.Context, id string) error {
	if id == e.id {
		return ErrInvalidOperation
	}
	return e.proposeTopologyChange(ctx, func(t *Topology) *Topology { return t.CloneAndRemove(id) })
}

// proposeTopologyChange appends the mutated topology as a topology-change
// entry and blocks until it commits, per the completion contract documented
// on AddToCluster/RemoveFromCluster.
func (e *Engine) proposeTopologyChange(ctx context.Context, mutate func(*Topology) *Topology) error {
	v, err := e.runInLoop(ctx, func() (interface{}, error) {
		if e.role.kind() != RoleLeader {
			return nil, &NotLeadingError{Leader: e.leaderIDSnapshot()}
		}
		if e.changingTopology != nil {
			return nil, ErrInvalidOperation
		}
		next := mutate(e.currentTopology)
		if next.Len() == 0 {
			return nil, ErrInvalidOperation
		}
		wire := next.ToWire()
		data, err := pb.Marshal(&wire)
		if err != nil {
			return nil, &SerializationError{Context: "topology change proposal", Err: err}
		}
		lr := e.role.(*leaderRole)
		index, _, err := lr.appendLocked(data, true)
		if err != nil {
			return nil, err
		}
		done := make(chan struct{})
		if index <= e.commitIndexSnapshot() {
			close(done)
		} else {
			e.pendingCommits = append(e.pendingCommits, pendingCommitEntry{index: index, complete: func() { close(done) }})
		}
		return done, nil
	})
	if err != nil {
		return err
	}
	done := v.(chan struct{})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StepDown relinquishes leadership gracefully, transferring it to a
// caught-up follower when possible (spec §6). A no-op if this node is not
// currently the leader.
func (e *Engine) StepDown(ctx context.Context) error {
	_, err := e.runInLoop(ctx, func() (interface{}, error) {
		if e.role.kind() != RoleLeader {
			return nil, nil
		}
		if e.currentTopology.Len() <= 1 {
			return nil, ErrInvalidOperation
		}
		e.setRole(newSteppingDownRole(e))
		return nil, nil
	})
	return err
}

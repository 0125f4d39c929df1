package raft_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sumimakito/raft"
	"github.com/sumimakito/raft/pb"
	"github.com/sumimakito/raft/transport/inproc"
)

// kvCommand is the on-the-wire shape of one dictionary mutation, encoded
// with the same msgpack codec the engine uses for its own RPC messages.
type kvCommand struct {
	Key   string
	Value int
}

func encodeSet(key string, value int) raft.Command {
	data, err := pb.Marshal(&kvCommand{Key: key, Value: value})
	if err != nil {
		panic(err)
	}
	return raft.Command(data)
}

// dictMachine is a minimal StateMachine double standing in for a real
// application: it applies kvCommand mutations to an in-memory map and
// supports snapshotting that map.
type dictMachine struct {
	mu    sync.RWMutex
	state map[string]int
}

func newDictMachine() *dictMachine { return &dictMachine{state: map[string]int{}} }

func (m *dictMachine) Apply(index, term uint64, command raft.Command) error {
	var c kvCommand
	if err := pb.Unmarshal(command, &c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[c.Key] = c.Value
	return nil
}

func (m *dictMachine) SupportsSnapshots() bool { return true }

func (m *dictMachine) CreateSnapshot(uptoIndex, term uint64) (raft.StateMachineSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cloned := make(map[string]int, len(m.state))
	for k, v := range m.state {
		cloned[k] = v
	}
	return &dictSnapshot{index: uptoIndex, term: term, state: cloned}, nil
}

func (m *dictMachine) Restore(term, index uint64, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var state map[string]int
	if err := pb.Unmarshal(data, &state); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	return nil
}

func (m *dictMachine) get(key string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state[key]
	return v, ok
}

type dictSnapshot struct {
	index uint64
	term  uint64
	state map[string]int
}

func (s *dictSnapshot) Index() uint64 { return s.index }
func (s *dictSnapshot) Term() uint64  { return s.term }
func (s *dictSnapshot) WriteTo(w io.Writer) error {
	data, err := pb.Marshal(s.state)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// testNode bundles one cluster member's engine with the state machine it
// drives, so assertions can read back applied commands.
type testNode struct {
	id     string
	sm     *dictMachine
	engine *raft.Engine
}

// testCluster wires a set of engines together over a shared inproc.Network
// so tests can simulate elections, replication, partitions and recovery
// without touching a real socket.
type testCluster struct {
	t     *testing.T
	net   *inproc.Network
	nodes map[string]*testNode
}

func newTestCluster(t *testing.T, ids []string, electionTimeout, heartbeatTimeout time.Duration, maxLogLength uint64) *testCluster {
	t.Helper()
	c := &testCluster{t: t, net: inproc.NewNetwork(), nodes: map[string]*testNode{}}
	voting := map[string]string{}
	for _, id := range ids {
		voting[id] = id
	}
	for _, id := range ids {
		c.addNode(id, voting, electionTimeout, heartbeatTimeout, maxLogLength)
	}
	return c
}

// addNode starts a new engine on the cluster's shared network. Passing a
// nil voting set starts the node with an empty topology, e.g. a fresh
// member waiting to be admitted with AddToCluster.
func (c *testCluster) addNode(id string, voting map[string]string, electionTimeout, heartbeatTimeout time.Duration, maxLogLength uint64) *testNode {
	c.t.Helper()
	trans := inproc.NewTransport(c.net, id)
	sm := newDictMachine()
	opts := raft.EngineOptions{
		Name:                         id,
		Store:                        raft.NewMemoryStore(),
		Transport:                    trans,
		StateMachine:                 sm,
		ElectionTimeout:              electionTimeout,
		HeartbeatTimeout:             heartbeatTimeout,
		AllVotingNodes:               voting,
		MaxLogLengthBeforeCompaction: maxLogLength,
	}
	engine, err := raft.NewEngine(opts)
	if err != nil {
		c.t.Fatalf("NewEngine(%s) = %v", id, err)
	}
	node := &testNode{id: id, sm: sm, engine: engine}
	c.nodes[id] = node
	go engine.Serve()
	c.t.Cleanup(engine.Stop)
	return node
}

// partition cuts every link between id and the rest of the named peers.
func (c *testCluster) partition(id string, from ...string) {
	for _, other := range from {
		if other != id {
			c.net.Disconnect(id, other)
		}
	}
}

func (c *testCluster) heal(id string, from ...string) {
	for _, other := range from {
		if other != id {
			c.net.Reconnect(id, other)
		}
	}
}

func waitForLeader(t *testing.T, c *testCluster, timeout time.Duration) *testNode {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range c.nodes {
			if n.engine.States().Role == raft.RoleLeader {
				return n
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no leader elected within %s", timeout)
	return nil
}

// waitForLeaderAmong is like waitForLeader but restricted to a subset of
// node ids, used once a partition has isolated some members.
func waitForLeaderAmong(t *testing.T, c *testCluster, ids []string, timeout time.Duration) *testNode {
	t.Helper()
	deadline := time.Now().Add(timeout)
	set := map[string]bool{}
	for _, id := range ids {
		set[id] = true
	}
	for time.Now().Before(deadline) {
		for id, n := range c.nodes {
			if set[id] && n.engine.States().Role == raft.RoleLeader {
				return n
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no leader elected among %v within %s", ids, timeout)
	return nil
}

func waitForValue(t *testing.T, sm *dictMachine, key string, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if v, ok := sm.get(key); ok && v == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, ok := sm.get(key)
	t.Fatalf("timed out waiting for key %q = %d, got %d (present=%v)", key, want, got, ok)
}

func appendAndWait(t *testing.T, e *raft.Engine, cmd raft.Command, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	future, err := e.AppendCommand(ctx, cmd)
	if err != nil {
		t.Fatalf("AppendCommand = %v", err)
	}
	if err := future.Wait(ctx); err != nil {
		t.Fatalf("future.Wait = %v", err)
	}
}

const (
	testElectionTimeout  = 80 * time.Millisecond
	testHeartbeatTimeout = 20 * time.Millisecond
	testWaitTimeout      = 3 * time.Second
)

func TestSingleNodeClusterCommitsImmediately(t *testing.T) {
	c := newTestCluster(t, []string{"n1"}, testElectionTimeout, testHeartbeatTimeout, 1<<32)
	leader := waitForLeader(t, c, testWaitTimeout)
	if leader.id != "n1" {
		t.Fatalf("unexpected leader %q", leader.id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	future, err := leader.engine.AppendCommand(ctx, encodeSet("a", 1))
	if err != nil {
		t.Fatalf("AppendCommand = %v", err)
	}
	// Index 1 is the leader's own no-op entry; the client command lands at 2.
	if future.Index() != 2 {
		t.Fatalf("AppendCommand returned index %d, want 2", future.Index())
	}
	if err := future.Wait(ctx); err != nil {
		t.Fatalf("future.Wait = %v", err)
	}

	if st := leader.engine.States(); st.CommitIndex < 2 {
		t.Fatalf("CommitIndex = %d, want >= 2", st.CommitIndex)
	}
	if v, ok := leader.sm.get("a"); !ok || v != 1 {
		t.Fatalf("state machine state for \"a\" = %d, %v, want 1, true", v, ok)
	}
}

func TestThreeNodeElectionAndReplication(t *testing.T) {
	ids := []string{"n1", "n2", "n3"}
	c := newTestCluster(t, ids, testElectionTimeout, testHeartbeatTimeout, 1<<32)
	leader := waitForLeader(t, c, testWaitTimeout)

	appendAndWait(t, leader.engine, encodeSet("x", 42), time.Second)

	for _, n := range c.nodes {
		waitForValue(t, n.sm, "x", 42, testWaitTimeout)
	}
}

func TestLeaderFailureRecovery(t *testing.T) {
	ids := []string{"n1", "n2", "n3"}
	c := newTestCluster(t, ids, testElectionTimeout, testHeartbeatTimeout, 1<<32)
	leader := waitForLeader(t, c, testWaitTimeout)

	appendAndWait(t, leader.engine, encodeSet("k", 1), time.Second)
	for _, n := range c.nodes {
		waitForValue(t, n.sm, "k", 1, testWaitTimeout)
	}

	oldLeaderID := leader.id
	c.partition(oldLeaderID, ids...)

	var survivors []string
	for _, id := range ids {
		if id != oldLeaderID {
			survivors = append(survivors, id)
		}
	}
	newLeader := waitForLeaderAmong(t, c, survivors, testWaitTimeout)
	if newLeader.id == oldLeaderID {
		t.Fatalf("the partitioned-away node should not remain leader")
	}

	appendAndWait(t, newLeader.engine, encodeSet("k", 2), time.Second)
	for _, id := range survivors {
		waitForValue(t, c.nodes[id].sm, "k", 2, testWaitTimeout)
	}

	c.heal(oldLeaderID, ids...)

	waitForValue(t, c.nodes[oldLeaderID].sm, "k", 2, testWaitTimeout)
	if st := c.nodes[oldLeaderID].engine.States(); st.Role == raft.RoleLeader {
		t.Fatalf("old leader should have stepped down to a follower after rejoining, still reports %s", st.Role)
	}
}

func TestSnapshotBasedCatchUp(t *testing.T) {
	ids := []string{"n1", "n2", "n3"}
	c := newTestCluster(t, ids, testElectionTimeout, testHeartbeatTimeout, 5)
	leader := waitForLeader(t, c, testWaitTimeout)

	// The partitioned node must be a follower, not the leader taking writes.
	laggingID := "n3"
	if leader.id == laggingID {
		laggingID = "n2"
	}
	c.partition(laggingID, ids...)

	snapshotted := make(chan struct{}, 1)
	leader.engine.Subscribe(raft.EventCreatedSnapshot, func(raft.Event) {
		select {
		case snapshotted <- struct{}{}:
		default:
		}
	})

	const writes = 20
	for i := 0; i < writes; i++ {
		appendAndWait(t, leader.engine, encodeSet(fmt.Sprintf("k%d", i), i), time.Second)
	}

	select {
	case <-snapshotted:
	case <-time.After(testWaitTimeout):
		t.Fatal("leader never created a snapshot despite exceeding MaxLogLengthBeforeCompaction")
	}

	c.heal(laggingID, ids...)

	for i := 0; i < writes; i++ {
		waitForValue(t, c.nodes[laggingID].sm, fmt.Sprintf("k%d", i), i, testWaitTimeout)
	}
}

func TestJointConsensusAddMember(t *testing.T) {
	ids := []string{"n1", "n2", "n3"}
	c := newTestCluster(t, ids, testElectionTimeout, testHeartbeatTimeout, 1<<32)
	leader := waitForLeader(t, c, testWaitTimeout)

	appendAndWait(t, leader.engine, encodeSet("before", 1), time.Second)

	c.addNode("n4", nil, testElectionTimeout, testHeartbeatTimeout, 1<<32)

	ctx, cancel := context.WithTimeout(context.Background(), testWaitTimeout)
	defer cancel()
	if err := leader.engine.AddToCluster(ctx, "n4", "n4"); err != nil {
		t.Fatalf("AddToCluster = %v", err)
	}

	// Followers apply the committed topology entry once the leader's next
	// AppendEntries carries the new commit index, so allow them time for it.
	for _, n := range c.nodes {
		deadline := time.Now().Add(testWaitTimeout)
		st := n.engine.States()
		for (st.Topology == nil || !st.Topology.Contains("n4")) && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
			st = n.engine.States()
		}
		if st.Topology == nil || !st.Topology.Contains("n4") {
			t.Fatalf("node %s did not observe the new topology after AddToCluster committed: %+v", n.id, st.Topology)
		}
	}

	appendAndWait(t, leader.engine, encodeSet("after", 2), time.Second)
	waitForValue(t, c.nodes["n4"].sm, "after", 2, testWaitTimeout)
}

func TestSelfRemovalViaStepDown(t *testing.T) {
	ids := []string{"n1", "n2", "n3"}
	c := newTestCluster(t, ids, testElectionTimeout, testHeartbeatTimeout, 1<<32)
	leader := waitForLeader(t, c, testWaitTimeout)
	oldLeaderID := leader.id

	ctx, cancel := context.WithTimeout(context.Background(), testWaitTimeout)
	defer cancel()
	if err := leader.engine.StepDown(ctx); err != nil {
		t.Fatalf("StepDown = %v", err)
	}

	var rest []string
	for _, id := range ids {
		if id != oldLeaderID {
			rest = append(rest, id)
		}
	}
	newLeader := waitForLeaderAmong(t, c, rest, testWaitTimeout)

	removeCtx, removeCancel := context.WithTimeout(context.Background(), testWaitTimeout)
	defer removeCancel()
	if err := newLeader.engine.RemoveFromCluster(removeCtx, oldLeaderID); err != nil {
		t.Fatalf("RemoveFromCluster = %v", err)
	}

	// The follower among rest applies the committed removal once the new
	// leader's next AppendEntries carries the new commit index.
	for _, id := range rest {
		deadline := time.Now().Add(testWaitTimeout)
		st := c.nodes[id].engine.States()
		for st.Topology.Contains(oldLeaderID) && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
			st = c.nodes[id].engine.States()
		}
		if st.Topology.Contains(oldLeaderID) {
			t.Fatalf("node %s still lists the removed leader %s in its topology", id, oldLeaderID)
		}
	}
}

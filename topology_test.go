package raft

import "testing"

func TestTopologyQuorumSize(t *testing.T) {
	cases := []struct {
		members int
		want    int
	}{
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
	}
	for _, c := range cases {
		members := map[string]string{}
		for i := 0; i < c.members; i++ {
			id := string(rune('a' + i))
			members[id] = id
		}
		top := NewTopology(members)
		if got := top.QuorumSize(); got != c.want {
			t.Errorf("members=%d: QuorumSize()=%d, want %d", c.members, got, c.want)
		}
	}
}

func TestTopologyHasQuorum(t *testing.T) {
	top := NewTopology(map[string]string{"n1": "n1", "n2": "n2", "n3": "n3"})

	if top.HasQuorum(map[string]struct{}{"n1": {}}) {
		t.Fatal("one of three should not have quorum")
	}
	if !top.HasQuorum(map[string]struct{}{"n1": {}, "n2": {}}) {
		t.Fatal("two of three should have quorum")
	}
	if !top.HasQuorum(map[string]struct{}{"n1": {}, "n2": {}, "n3": {}}) {
		t.Fatal("three of three should have quorum")
	}
	// members outside the set don't count
	if top.HasQuorum(map[string]struct{}{"n4": {}, "n5": {}}) {
		t.Fatal("non-member votes should not count toward quorum")
	}
}

func TestTopologyCloneAndAddRemove(t *testing.T) {
	base := NewTopology(map[string]string{"n1": "n1", "n2": "n2"})

	added := base.CloneAndAdd("n3", "n3")
	if base.Len() != 2 {
		t.Fatal("CloneAndAdd must not mutate the receiver")
	}
	if added.Len() != 3 || !added.Contains("n3") {
		t.Fatal("CloneAndAdd should produce a 3-member topology containing the new id")
	}

	removed := added.CloneAndRemove("n1")
	if added.Len() != 3 {
		t.Fatal("CloneAndRemove must not mutate the receiver")
	}
	if removed.Len() != 2 || removed.Contains("n1") {
		t.Fatal("CloneAndRemove should drop exactly the requested id")
	}
}

func TestTopologyEqual(t *testing.T) {
	a := NewTopology(map[string]string{"n1": "n1", "n2": "n2"})
	b := NewTopology(map[string]string{"n2": "n2", "n1": "n1"})
	c := NewTopology(map[string]string{"n1": "n1", "n2": "n2", "n3": "n3"})

	if !a.Equal(b) {
		t.Fatal("topologies with the same members in different insertion order should be equal")
	}
	if a.Equal(c) {
		t.Fatal("topologies with different membership should not be equal")
	}
	if a.Equal(nil) {
		t.Fatal("Equal(nil) must be false")
	}
}

func TestTopologyWireRoundTrip(t *testing.T) {
	top := NewTopology(map[string]string{"n1": "a1", "n2": "a2"})
	wire := top.ToWire()
	back := TopologyFromWire(wire)
	if !top.Equal(back) {
		t.Fatal("ToWire/TopologyFromWire must round-trip the member set")
	}
}

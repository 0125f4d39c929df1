package raft

import (
	"sort"

	"github.com/sumimakito/raft/pb"
)

// Topology is an immutable value object carrying the cluster's voting
// member set. The engine keeps one live reference (currentTopology) and,
// during a membership change, a second one (changingTopology); replacement
// of either is always atomic (a fresh *Topology swapped in, never mutated
// in place).
type Topology struct {
	members map[string]string // id -> transport endpoint
}

// NewTopology builds a Topology from an id->endpoint map. The map is
// copied; the returned Topology shares no state with the caller.
func NewTopology(members map[string]string) *Topology {
	cloned := make(map[string]string, len(members))
	for id, endpoint := range members {
		cloned[id] = endpoint
	}
	return &Topology{members: cloned}
}

// Members returns the voting member ids in sorted order for deterministic
// iteration (logging, tests).
func (t *Topology) Members() []string {
	ids := make([]string, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Endpoint returns the transport endpoint registered for id, or "" if id is
// not a voting member.
func (t *Topology) Endpoint(id string) string {
	return t.members[id]
}

// Contains reports whether id is a voting member.
func (t *Topology) Contains(id string) bool {
	_, ok := t.members[id]
	return ok
}

// Len returns the number of voting members.
func (t *Topology) Len() int {
	return len(t.members)
}

// QuorumSize returns floor(|members|/2) + 1.
func (t *Topology) QuorumSize() int {
	return t.Len()/2 + 1
}

// HasQuorum reports whether set intersects the voting member set in at
// least QuorumSize() members.
func (t *Topology) HasQuorum(set map[string]struct{}) bool {
	count := 0
	for id := range t.members {
		if _, ok := set[id]; ok {
			count++
		}
	}
	return count >= t.QuorumSize()
}

// CloneAndAdd returns a new Topology with id/endpoint added (or its
// endpoint updated, if already present). The receiver is unmodified.
func (t *Topology) CloneAndAdd(id, endpoint string) *Topology {
	next := make(map[string]string, len(t.members)+1)
	for k, v := range t.members {
		next[k] = v
	}
	next[id] = endpoint
	return &Topology{members: next}
}

// CloneAndRemove returns a new Topology with id removed. The receiver is
// unmodified.
func (t *Topology) CloneAndRemove(id string) *Topology {
	next := make(map[string]string, len(t.members))
	for k, v := range t.members {
		if k == id {
			continue
		}
		next[k] = v
	}
	return &Topology{members: next}
}

// Equal reports whether two topologies have the same member set and
// endpoints.
func (t *Topology) Equal(other *Topology) bool {
	if other == nil || len(t.members) != len(other.members) {
		return false
	}
	for id, endpoint := range t.members {
		if other.members[id] != endpoint {
			return false
		}
	}
	return true
}

// ToWire returns the msgpack-friendly representation used when a Topology
// is embedded in a TopologyChangeCommand, an InstallSnapshot header, or
// persisted by a PersistentStore implementation.
func (t *Topology) ToWire() pb.WireTopology {
	return pb.NewWireTopology(t.members)
}

// TopologyFromWire reconstructs a Topology from its wire representation.
func TopologyFromWire(w pb.WireTopology) *Topology {
	return NewTopology(w.Members)
}

package pb

// LogType distinguishes application commands from the engine's own system
// entries.
type LogType int

const (
	LogCommand LogType = iota
	LogNoOp
	LogConfiguration
)

// LogBody is the mutable payload half of a Log; Meta carries the
// index/term assigned once it is appended.
type LogBody struct {
	Type LogType
	Data []byte
}

func (b *LogBody) Copy() *LogBody {
	if b == nil {
		return nil
	}
	data := append([]byte(nil), b.Data...)
	return &LogBody{Type: b.Type, Data: data}
}

// LogMeta is the index/term identity of a persisted entry.
type LogMeta struct {
	Index uint64
	Term  uint64
}

// Log is a full persisted entry: identity plus payload.
type Log struct {
	Meta *LogMeta
	Body *LogBody
}

// RequestVoteRequest is sent by a Candidate to every other voting member.
type RequestVoteRequest struct {
	Term         uint64
	CandidateId  string
	LastLogIndex uint64
	LastLogTerm  uint64
	From         string
}

// RequestVoteResponse is the reply to a RequestVoteRequest.
type RequestVoteResponse struct {
	Term    uint64
	Granted bool
	From    string
	Message string
}

// AppendEntriesRequest is sent by a Leader to replicate (or, with empty
// Entries, to heartbeat) its log to a follower.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderId     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	LeaderCommit uint64
	Entries      []*Log
	From         string
}

// AppendEntriesResponse is the reply to an AppendEntriesRequest.
type AppendEntriesResponse struct {
	Term         uint64
	Success      bool
	LastLogIndex uint64
	LeaderId     string
	From         string
	Message      string
}

// CanInstallSnapshotRequest asks a follower whether it is ready to receive
// a snapshot stream, before the leader pays the cost of starting one.
type CanInstallSnapshotRequest struct {
	Term     uint64
	Index    uint64
	LeaderId string
	From     string
}

// CanInstallSnapshotResponse is the reply to a CanInstallSnapshotRequest.
type CanInstallSnapshotResponse struct {
	Success              bool
	IsCurrentlyInstalling bool
	Term                 uint64
	Index                uint64
	From                 string
}

// InstallSnapshotRequestMeta is the header sent before a snapshot byte
// stream; the stream body follows out-of-band (see Transport.Stream).
type InstallSnapshotRequestMeta struct {
	Term              uint64
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	LeaderId          string
	Topology          WireTopology
	From              string
}

// WireTopology mirrors raft.Topology's wire shape without importing the
// root package (which would create an import cycle); the root package
// converts between the two via Topology.ToWire/TopologyFromWire.
type WireTopology struct {
	Members map[string]string
}

func NewWireTopology(members map[string]string) WireTopology {
	cloned := make(map[string]string, len(members))
	for k, v := range members {
		cloned[k] = v
	}
	return WireTopology{Members: cloned}
}

// InstallSnapshotResponse is the reply sent once the receiver has drained
// the stream and (if accepted) finished the local install.
type InstallSnapshotResponse struct {
	Term         uint64
	LastLogIndex uint64
	Success      bool
	From         string
}

// TimeoutNow accelerates an election on the receiving follower; sent by a
// stepping-down leader to its most up-to-date follower.
type TimeoutNow struct {
	Term uint64
	From string
}

// ApplyLogRequest/Response let a non-leader proxy a client command to the
// current leader over the same transport used for replication.
type ApplyLogRequest struct {
	Body *LogBody
}

type ApplyLogResponse struct {
	Meta  *LogMeta
	Error string
}

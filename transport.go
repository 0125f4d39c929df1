package raft

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/sumimakito/raft/pb"
)

// Transport is the host-supplied wire adapter (spec §4.C). Implementations
// must not reorder messages delivered from the same source to the same
// destination's RPC() queue; cross-peer ordering and delivery are not
// guaranteed, and the protocol tolerates drops and duplicates.
type Transport interface {
	// Endpoint returns this node's own dial address, as advertised to
	// peers via Topology.
	Endpoint() string

	// RequestVote, AppendEntries, CanInstallSnapshot and TimeoutNow are
	// fire-and-wait outbound calls to peer.
	RequestVote(ctx context.Context, peer *pb.Peer, req *pb.RequestVoteRequest) (*pb.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peer *pb.Peer, req *pb.AppendEntriesRequest) (*pb.AppendEntriesResponse, error)
	CanInstallSnapshot(ctx context.Context, peer *pb.Peer, req *pb.CanInstallSnapshotRequest) (*pb.CanInstallSnapshotResponse, error)
	TimeoutNow(ctx context.Context, peer *pb.Peer, req *pb.TimeoutNow) error

	// InstallSnapshot streams r's contents to peer, preceded by meta, and
	// returns the peer's reply once the stream and install are complete.
	InstallSnapshot(ctx context.Context, peer *pb.Peer, meta *pb.InstallSnapshotRequestMeta, r io.Reader) (*pb.InstallSnapshotResponse, error)

	// ApplyLog proxies a client command from a non-leader to the believed
	// leader.
	ApplyLog(ctx context.Context, peer *pb.Peer, req *pb.ApplyLogRequest) (*pb.ApplyLogResponse, error)

	// RPC returns the channel the event loop drains for inbound envelopes.
	RPC() <-chan *RPC

	// Serve blocks, accepting inbound connections/messages, until Close is
	// called or an unrecoverable transport error occurs.
	Serve() error
}

// TransportCloser is implemented by transports that hold resources (listen
// sockets, connection pools) needing an explicit shutdown step.
type TransportCloser interface {
	Close() error
}

// RPC is one inbound envelope delivered by a Transport. Request holds one
// of the pb.*Request types (or *InstallSnapshotRequest, which pairs a
// header with a byte stream); Respond delivers the reply back to the
// transport, which is responsible for returning it to the caller.
type RPC struct {
	ctx        context.Context
	requestID  string
	request    interface{}
	responseCh chan *RPCResponse
}

// RPCResponse is the reply half of an RPC.
type RPCResponse struct {
	Response interface{}
	Error    error
}

// NewRPC wraps an inbound request for delivery onto a Transport's RPC()
// channel, stamping it with a fresh request ID for cross-log correlation.
func NewRPC(ctx context.Context, request interface{}) *RPC {
	return &RPC{ctx: ctx, requestID: uuid.NewString(), request: request, responseCh: make(chan *RPCResponse, 1)}
}

func (r *RPC) Context() context.Context { return r.ctx }
func (r *RPC) RequestID() string        { return r.requestID }
func (r *RPC) Request() interface{}     { return r.request }

// Respond delivers the reply. It must be called exactly once.
func (r *RPC) Respond(response interface{}, err error) {
	r.responseCh <- &RPCResponse{Response: response, Error: err}
}

// Response blocks for the reply delivered by Respond.
func (r *RPC) Response() (interface{}, error) {
	resp := <-r.responseCh
	return resp.Response, resp.Error
}

// InstallSnapshotRequest pairs the InstallSnapshot header with a readable
// byte source the engine drains into the state machine.
type InstallSnapshotRequest struct {
	Meta   *pb.InstallSnapshotRequestMeta
	Reader io.ReadCloser
}

// Package inproc is an in-memory raft.Transport for tests: peers are
// wired together directly through Go channels rather than a network
// socket, in the spirit of MIT 6.824's labrpc, so unit tests can run many
// nodes in one process with deterministic, directly-injectable faults.
package inproc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sumimakito/raft"
	"github.com/sumimakito/raft/pb"
)

// ErrPeerUnreachable is returned when a call targets a peer id not (or no
// longer) registered on the same Network, or while the link to it is cut.
var ErrPeerUnreachable = errors.New("raft/transport/inproc: peer unreachable")

// Network is the shared registry every Transport created from it joins;
// Disconnect/Reconnect let tests simulate partitions.
type Network struct {
	mu    sync.RWMutex
	peers map[string]*Transport
	cut   map[[2]string]bool
}

// NewNetwork returns an empty peer registry.
func NewNetwork() *Network {
	return &Network{peers: map[string]*Transport{}, cut: map[[2]string]bool{}}
}

// Disconnect drops every message sent in either direction between a and b
// until Reconnect undoes it.
func (n *Network) Disconnect(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]string{a, b}] = true
	n.cut[[2]string{b, a}] = true
}

// Reconnect restores a link previously cut with Disconnect.
func (n *Network) Reconnect(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, [2]string{a, b})
	delete(n.cut, [2]string{b, a})
}

func (n *Network) linkCut(a, b string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cut[[2]string{a, b}]
}

func (n *Network) transportFor(id string) (*Transport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.peers[id]
	return t, ok
}

func (n *Network) register(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[t.id] = t
}

// Transport is one node's membership in a Network.
type Transport struct {
	net      *Network
	id       string
	endpoint string
	rpcCh    chan *raft.RPC
}

// NewTransport joins net as id (id doubles as the dial endpoint other
// peers use, since there is no real network address).
func NewTransport(net *Network, id string) *Transport {
	t := &Transport{net: net, id: id, endpoint: id, rpcCh: make(chan *raft.RPC, 64)}
	net.register(t)
	return t
}

func (t *Transport) Endpoint() string         { return t.endpoint }
func (t *Transport) RPC() <-chan *raft.RPC    { return t.rpcCh }
func (t *Transport) Serve() error             { <-make(chan struct{}); return nil }
func (t *Transport) Close() error             { return nil }

func (t *Transport) deliver(ctx context.Context, peer *pb.Peer, request interface{}) (interface{}, error) {
	if t.net.linkCut(t.id, peer.Id) {
		return nil, ErrPeerUnreachable
	}
	dest, ok := t.net.transportFor(peer.Id)
	if !ok {
		return nil, ErrPeerUnreachable
	}
	r := raft.NewRPC(ctx, request)
	select {
	case dest.rpcCh <- r:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	resp, err := r.Response()
	if err != nil {
		return nil, err
	}
	if t.net.linkCut(t.id, peer.Id) {
		return nil, ErrPeerUnreachable
	}
	return resp, nil
}

func (t *Transport) RequestVote(ctx context.Context, peer *pb.Peer, req *pb.RequestVoteRequest) (*pb.RequestVoteResponse, error) {
	resp, err := t.deliver(ctx, peer, req)
	if err != nil {
		return nil, err
	}
	return resp.(*pb.RequestVoteResponse), nil
}

func (t *Transport) AppendEntries(ctx context.Context, peer *pb.Peer, req *pb.AppendEntriesRequest) (*pb.AppendEntriesResponse, error) {
	resp, err := t.deliver(ctx, peer, req)
	if err != nil {
		return nil, err
	}
	return resp.(*pb.AppendEntriesResponse), nil
}

func (t *Transport) CanInstallSnapshot(ctx context.Context, peer *pb.Peer, req *pb.CanInstallSnapshotRequest) (*pb.CanInstallSnapshotResponse, error) {
	resp, err := t.deliver(ctx, peer, req)
	if err != nil {
		return nil, err
	}
	return resp.(*pb.CanInstallSnapshotResponse), nil
}

func (t *Transport) TimeoutNow(ctx context.Context, peer *pb.Peer, req *pb.TimeoutNow) error {
	_, err := t.deliver(ctx, peer, req)
	return err
}

func (t *Transport) ApplyLog(ctx context.Context, peer *pb.Peer, req *pb.ApplyLogRequest) (*pb.ApplyLogResponse, error) {
	resp, err := t.deliver(ctx, peer, req)
	if err != nil {
		return nil, err
	}
	return resp.(*pb.ApplyLogResponse), nil
}

// InstallSnapshot hands the reader directly to the receiving RPC; since
// everything is in-process there is no wire encoding to perform.
func (t *Transport) InstallSnapshot(ctx context.Context, peer *pb.Peer, meta *pb.InstallSnapshotRequestMeta, r io.Reader) (*pb.InstallSnapshotResponse, error) {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	resp, err := t.deliver(ctx, peer, &raft.InstallSnapshotRequest{Meta: meta, Reader: rc})
	if err != nil {
		return nil, err
	}
	return resp.(*pb.InstallSnapshotResponse), nil
}

package grpc

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/sumimakito/raft/pb"
)

// dialer pools one *grpc.ClientConn per peer id, redialing lazily when a
// call fails with codes.Unavailable (the teacher's transport_grpc.go
// tested for net/rpc.ErrShutdown instead; there is no net/rpc layer here,
// so the equivalent signal is a gRPC Unavailable status).
type dialer struct {
	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
}

func newDialer() *dialer {
	return &dialer{conns: map[string]*grpc.ClientConn{}}
}

func (d *dialer) connFor(peerID, endpoint string) (*grpc.ClientConn, error) {
	d.mu.RLock()
	conn, ok := d.conns[peerID]
	d.mu.RUnlock()
	if ok {
		return conn, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if conn, ok := d.conns[peerID]; ok {
		return conn, nil
	}
	conn, err := grpc.Dial(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	d.conns[peerID] = conn
	return conn, nil
}

func (d *dialer) drop(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conn, ok := d.conns[peerID]; ok {
		delete(d.conns, peerID)
		conn.Close()
	}
}

func (d *dialer) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, conn := range d.conns {
		delete(d.conns, id)
		conn.Close()
	}
}

// callUnary invokes method against peer, retrying once after a fresh dial
// if the first attempt fails with codes.Unavailable (stale connection).
func (d *dialer) callUnary(ctx context.Context, peerID, endpoint, method string, req, reply interface{}) error {
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := d.connFor(peerID, endpoint)
		if err != nil {
			return err
		}
		err = conn.Invoke(ctx, method, req, reply, grpc.CallContentSubtype(pb.CodecName))
		if err == nil {
			return nil
		}
		if status.Code(err) == codes.Unavailable && attempt == 0 {
			d.drop(peerID)
			continue
		}
		return err
	}
	return errors.New("raft/transport/grpc: exhausted retries")
}

func (s *Server) RequestVote(ctx context.Context, peer *pb.Peer, req *pb.RequestVoteRequest) (*pb.RequestVoteResponse, error) {
	resp := &pb.RequestVoteResponse{}
	if err := s.callUnary(ctx, peer.Id, peer.Endpoint, methodRequestVote, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) AppendEntries(ctx context.Context, peer *pb.Peer, req *pb.AppendEntriesRequest) (*pb.AppendEntriesResponse, error) {
	resp := &pb.AppendEntriesResponse{}
	if err := s.callUnary(ctx, peer.Id, peer.Endpoint, methodAppendEntries, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) CanInstallSnapshot(ctx context.Context, peer *pb.Peer, req *pb.CanInstallSnapshotRequest) (*pb.CanInstallSnapshotResponse, error) {
	resp := &pb.CanInstallSnapshotResponse{}
	if err := s.callUnary(ctx, peer.Id, peer.Endpoint, methodCanInstallSnapshot, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) TimeoutNow(ctx context.Context, peer *pb.Peer, req *pb.TimeoutNow) error {
	resp := &pb.TimeoutNow{}
	return s.callUnary(ctx, peer.Id, peer.Endpoint, methodTimeoutNow, req, resp)
}

func (s *Server) ApplyLog(ctx context.Context, peer *pb.Peer, req *pb.ApplyLogRequest) (*pb.ApplyLogResponse, error) {
	resp := &pb.ApplyLogResponse{}
	if err := s.callUnary(ctx, peer.Id, peer.Endpoint, methodApplyLog, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// InstallSnapshot opens a client-streaming call, sends requestMeta as a
// base64 header (mirroring the teacher's approach, just msgpack instead of
// protobuf-encoded), streams r in fixed-size chunks, and returns the
// receiver's final reply.
func (s *Server) InstallSnapshot(ctx context.Context, peer *pb.Peer, meta *pb.InstallSnapshotRequestMeta, r io.Reader) (*pb.InstallSnapshotResponse, error) {
	conn, err := s.dialer.connFor(peer.Id, peer.Endpoint)
	if err != nil {
		return nil, err
	}
	metaBytes, err := pb.Marshal(meta)
	if err != nil {
		return nil, err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, "requestmeta", base64.StdEncoding.EncodeToString(metaBytes))

	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], methodInstallSnapshot, grpc.CallContentSubtype(pb.CodecName))
	if err != nil {
		return nil, err
	}

	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if sendErr := stream.SendMsg(&installSnapshotChunk{Data: append([]byte(nil), chunk[:n]...)}); sendErr != nil {
				return nil, sendErr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	resp := &pb.InstallSnapshotResponse{}
	if err := stream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

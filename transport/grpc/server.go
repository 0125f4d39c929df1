package grpc

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/sumimakito/raft"
	"github.com/sumimakito/raft/pb"
)

// inboundHandler implements transportServer: it turns every inbound gRPC
// call into a *raft.RPC delivered on rpcCh, the shape raft.Transport.RPC()
// exposes to the engine's event loop.
type inboundHandler struct {
	rpcCh chan *raft.RPC
}

func (h *inboundHandler) dispatch(ctx context.Context, request interface{}) (interface{}, error) {
	r := raft.NewRPC(ctx, request)
	h.rpcCh <- r
	return r.Response()
}

func (h *inboundHandler) RequestVote(ctx context.Context, req *pb.RequestVoteRequest) (*pb.RequestVoteResponse, error) {
	resp, err := h.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.(*pb.RequestVoteResponse), nil
}

func (h *inboundHandler) AppendEntries(ctx context.Context, req *pb.AppendEntriesRequest) (*pb.AppendEntriesResponse, error) {
	resp, err := h.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.(*pb.AppendEntriesResponse), nil
}

func (h *inboundHandler) CanInstallSnapshot(ctx context.Context, req *pb.CanInstallSnapshotRequest) (*pb.CanInstallSnapshotResponse, error) {
	resp, err := h.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.(*pb.CanInstallSnapshotResponse), nil
}

func (h *inboundHandler) TimeoutNow(ctx context.Context, req *pb.TimeoutNow) (*pb.TimeoutNow, error) {
	if _, err := h.dispatch(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (h *inboundHandler) ApplyLog(ctx context.Context, req *pb.ApplyLogRequest) (*pb.ApplyLogResponse, error) {
	resp, err := h.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.(*pb.ApplyLogResponse), nil
}

// InstallSnapshot decodes the header carried in the stream's incoming
// metadata, then pipes every subsequent chunk into an io.Pipe the engine
// drains as the snapshot's byte stream.
func (h *inboundHandler) InstallSnapshot(stream grpc.ServerStream) error {
	md, ok := metadata.FromIncomingContext(stream.Context())
	if !ok {
		return errors.New("raft/transport/grpc: missing stream metadata")
	}
	values := md.Get("requestmeta")
	if len(values) == 0 {
		return errors.New("raft/transport/grpc: missing requestmeta header")
	}
	headerBytes, err := base64.StdEncoding.DecodeString(values[0])
	if err != nil {
		return err
	}
	var meta pb.InstallSnapshotRequestMeta
	if err := pb.Unmarshal(headerBytes, &meta); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	request := &raft.InstallSnapshotRequest{Meta: &meta, Reader: pr}
	r := raft.NewRPC(stream.Context(), request)
	h.rpcCh <- r

	go func() {
		for {
			var chunk installSnapshotChunk
			if err := stream.RecvMsg(&chunk); err != nil {
				if err == io.EOF {
					pw.Close()
				} else {
					pw.CloseWithError(err)
				}
				return
			}
			if _, err := pw.Write(chunk.Data); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
	}()

	resp, err := r.Response()
	if err != nil {
		return err
	}
	return stream.SendMsg(resp)
}

// Server is a raft.Transport backed by a single grpc.Server listening on
// one TCP address, paired with a pool of outbound client connections to
// peers (see client.go). One Server is created per node.
type Server struct {
	handler  *inboundHandler
	listener net.Listener
	server   *grpc.Server

	*dialer
}

// NewServer binds listenAddr and returns a Server ready to Serve. Dialing
// of peer connections is lazy, on first outbound call.
func NewServer(listenAddr string) (*Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &Server{
		handler:  &inboundHandler{rpcCh: make(chan *raft.RPC, 64)},
		listener: ln,
		dialer:   newDialer(),
	}, nil
}

func (s *Server) Endpoint() string       { return s.listener.Addr().String() }
func (s *Server) RPC() <-chan *raft.RPC  { return s.handler.rpcCh }

func (s *Server) Serve() error {
	s.server = grpc.NewServer()
	s.server.RegisterService(&serviceDesc, s.handler)
	return s.server.Serve(s.listener)
}

func (s *Server) Close() error {
	s.dialer.closeAll()
	if s.server != nil {
		s.server.GracefulStop()
	}
	return nil
}

// Package grpc implements raft.Transport over google.golang.org/grpc.
//
// The teacher repo's transport relied on protoc-gen-go-grpc-generated
// service stubs (pb.TransportServer / pb.TransportClient). This package
// cannot run protoc, so it talks to grpc-go's ClientConn/Server directly
// through a hand-written grpc.ServiceDesc, with every message encoded by
// pb.Codec (MessagePack) instead of protobuf.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/sumimakito/raft/pb"
)

func init() {
	encoding.RegisterCodec(pb.Codec{})
}

const serviceName = "raft.Transport"

const (
	methodRequestVote         = "/raft.Transport/RequestVote"
	methodAppendEntries       = "/raft.Transport/AppendEntries"
	methodCanInstallSnapshot  = "/raft.Transport/CanInstallSnapshot"
	methodTimeoutNow          = "/raft.Transport/TimeoutNow"
	methodApplyLog            = "/raft.Transport/ApplyLog"
	methodInstallSnapshot     = "/raft.Transport/InstallSnapshot"
)

// transportServer is the handler interface the generated code would
// normally define; server.go's inboundHandler implements it.
type transportServer interface {
	RequestVote(context.Context, *pb.RequestVoteRequest) (*pb.RequestVoteResponse, error)
	AppendEntries(context.Context, *pb.AppendEntriesRequest) (*pb.AppendEntriesResponse, error)
	CanInstallSnapshot(context.Context, *pb.CanInstallSnapshotRequest) (*pb.CanInstallSnapshotResponse, error)
	TimeoutNow(context.Context, *pb.TimeoutNow) (*pb.TimeoutNow, error)
	ApplyLog(context.Context, *pb.ApplyLogRequest) (*pb.ApplyLogResponse, error)
	InstallSnapshot(stream grpc.ServerStream) error
}

func unaryHandler(newReq func() interface{}, call func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := newReq()
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) { return call(srv, ctx, req) }
		return interceptor(ctx, req, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestVote",
			Handler: unaryHandler(
				func() interface{} { return &pb.RequestVoteRequest{} },
				func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(transportServer).RequestVote(ctx, req.(*pb.RequestVoteRequest))
				},
			),
		},
		{
			MethodName: "AppendEntries",
			Handler: unaryHandler(
				func() interface{} { return &pb.AppendEntriesRequest{} },
				func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(transportServer).AppendEntries(ctx, req.(*pb.AppendEntriesRequest))
				},
			),
		},
		{
			MethodName: "CanInstallSnapshot",
			Handler: unaryHandler(
				func() interface{} { return &pb.CanInstallSnapshotRequest{} },
				func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(transportServer).CanInstallSnapshot(ctx, req.(*pb.CanInstallSnapshotRequest))
				},
			),
		},
		{
			MethodName: "TimeoutNow",
			Handler: unaryHandler(
				func() interface{} { return &pb.TimeoutNow{} },
				func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(transportServer).TimeoutNow(ctx, req.(*pb.TimeoutNow))
				},
			),
		},
		{
			MethodName: "ApplyLog",
			Handler: unaryHandler(
				func() interface{} { return &pb.ApplyLogRequest{} },
				func(srv interface{}, ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(transportServer).ApplyLog(ctx, req.(*pb.ApplyLogRequest))
				},
			),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "InstallSnapshot",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(transportServer).InstallSnapshot(stream)
			},
			ClientStreams: true,
		},
	},
	Metadata: "raft/transport.proto",
}

// installSnapshotChunk is streamed client->server, one per Send call, with
// requestMeta carried out-of-band via the call's outgoing context metadata
// on the first message. Reusing pb.Codec keeps the stream on the same wire
// format as every unary call.
type installSnapshotChunk struct {
	Data []byte
}

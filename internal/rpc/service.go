package rpc

import (
	"context"

	"google.golang.org/grpc"

	"streamsync/internal/protocol"
)

// ServiceName is the fully qualified node service name.
const ServiceName = "streamsync.node.v1.NodeService"

const (
	methodGetStream            = "GetStream"
	methodGetMiniblocks        = "GetMiniblocks"
	methodAddEvent             = "AddEvent"
	methodSyncStreams          = "SyncStreams"
	methodCancelSync           = "CancelSync"
	methodAddStreamToSync      = "AddStreamToSync"
	methodRemoveStreamFromSync = "RemoveStreamFromSync"
	methodInfo                 = "Info"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// NodeServer is the replica node surface the engine consumes. Tests and
// local tooling implement it to stand in for a real node.
type NodeServer interface {
	GetStream(context.Context, *protocol.GetStreamRequest) (*protocol.GetStreamResponse, error)
	GetMiniblocks(context.Context, *protocol.GetMiniblocksRequest) (*protocol.GetMiniblocksResponse, error)
	AddEvent(context.Context, *protocol.AddEventRequest) (*protocol.AddEventResponse, error)
	SyncStreams(*protocol.SyncStreamsRequest, SyncStreamsServer) error
	CancelSync(context.Context, *protocol.CancelSyncRequest) (*protocol.CancelSyncResponse, error)
	AddStreamToSync(context.Context, *protocol.AddStreamToSyncRequest) (*protocol.AddStreamToSyncResponse, error)
	RemoveStreamFromSync(context.Context, *protocol.RemoveStreamFromSyncRequest) (*protocol.RemoveStreamFromSyncResponse, error)
	Info(context.Context, *protocol.InfoRequest) (*protocol.InfoResponse, error)
}

// SyncStreamsServer is the server side of the SyncStreams stream.
type SyncStreamsServer interface {
	Send(*protocol.SyncStreamsResponse) error
	Context() context.Context
}

type syncStreamsServer struct {
	grpc.ServerStream
}

func (s *syncStreamsServer) Send(m *protocol.SyncStreamsResponse) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterNodeService registers srv on s. Messages use the json codec, so
// clients must send the json content subtype, which Transport does.
func RegisterNodeService(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&nodeServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](name string, call func(NodeServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(NodeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(NodeServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func syncStreamsHandler(srv any, stream grpc.ServerStream) error {
	in := new(protocol.SyncStreamsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(NodeServer).SyncStreams(in, &syncStreamsServer{stream})
}

var syncStreamsDesc = grpc.StreamDesc{
	StreamName:    methodSyncStreams,
	Handler:       syncStreamsHandler,
	ServerStreams: true,
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(methodGetStream, NodeServer.GetStream),
		unaryHandler(methodGetMiniblocks, NodeServer.GetMiniblocks),
		unaryHandler(methodAddEvent, NodeServer.AddEvent),
		unaryHandler(methodCancelSync, NodeServer.CancelSync),
		unaryHandler(methodAddStreamToSync, NodeServer.AddStreamToSync),
		unaryHandler(methodRemoveStreamFromSync, NodeServer.RemoveStreamFromSync),
		unaryHandler(methodInfo, NodeServer.Info),
	},
	Streams:     []grpc.StreamDesc{syncStreamsDesc},
}

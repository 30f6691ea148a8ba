package rpc

import (
	"context"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"streamsync/pkg/ctxkeys"
)

type attemptKey struct{}

func withAttempt(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, attemptKey{}, n)
}

func attemptFrom(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok {
		return n
	}
	return 1
}

// identityMetadata builds the correlation headers: the transport's stable
// client id, the logical request id shared by all retries, and the attempt.
func identityMetadata(ctx context.Context, clientID string) metadata.MD {
	md := metadata.MD{}
	md.Set(ctxkeys.MetadataClientID, clientID)
	if requestID := ctxkeys.GetRequestID(ctx); requestID != "" {
		md.Set(ctxkeys.MetadataRequestID, requestID)
	}
	md.Set(ctxkeys.MetadataAttempt, strconv.Itoa(attemptFrom(ctx)))

	if existing, ok := metadata.FromOutgoingContext(ctx); ok {
		md = metadata.Join(existing, md)
	}
	return md
}

func identityUnaryInterceptor(clientID string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.NewOutgoingContext(ctx, identityMetadata(ctx, clientID))
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func identityStreamInterceptor(clientID string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx = metadata.NewOutgoingContext(ctx, identityMetadata(ctx, clientID))
		return streamer(ctx, desc, cc, method, opts...)
	}
}

package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// loggingInterceptor logs every call and turns handler panics into
// codes.Internal instead of crashing the process.
func (s *HealthServer) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "panic in gRPC handler", "method", info.FullMethod, "panic", r)
			resp, err = nil, status.Error(codes.Internal, "internal error")
		}
		s.logger.Debug(ctx, "gRPC call", "method", info.FullMethod,
			"code", status.Code(err).String(), "duration", time.Since(start))
	}()

	return handler(ctx, req)
}

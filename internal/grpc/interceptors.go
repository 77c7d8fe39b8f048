package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/oriys/snapcache/internal/logging"
)

// loggingInterceptor logs each unary call with its resulting status code.
// Health probes are frequent, so successful calls log at debug.
func loggingInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	elapsed := time.Since(start)

	code := status.Code(err)
	log := logging.For(ctx).With("method", info.FullMethod, "code", code.String(), "duration_ms", elapsed.Milliseconds())
	switch code {
	case codes.OK:
		log.Debug("grpc call")
	case codes.Canceled, codes.DeadlineExceeded:
		log.Warn("grpc call abandoned", "error", err)
	default:
		log.Error("grpc call failed", "error", err)
	}
	return resp, err
}

// errorHandlingInterceptor converts plain errors to status errors. Errors
// that already carry a status pass through.
func errorHandlingInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	resp, err := handler(ctx, req)
	if err == nil {
		return resp, nil
	}
	if _, ok := status.FromError(err); ok {
		return nil, err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return nil, status.Error(codes.Canceled, err.Error())
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}
}

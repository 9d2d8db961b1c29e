package api

import (
	"context"
	"strings"

	"github.com/cuemby/fleetd/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ReadOnlyInterceptor creates a gRPC unary interceptor that only allows read-only operations.
// The admin listener never changes runtime state; deletes go through the manager.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !isReadOnlyMethod(info.FullMethod) {
			return nil, status.Errorf(
				codes.PermissionDenied,
				"method %s is not allowed on the admin API",
				info.FullMethod,
			)
		}

		return handler(ctx, req)
	}
}

// MetricsInterceptor counts requests by method and status code
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)

		metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, info.FullMethod)
		return resp, err
	}
}

// isReadOnlyMethod checks if a gRPC method is read-only
func isReadOnlyMethod(method string) bool {
	// "/grpc.health.v1.Health/Check" -> "Check"
	parts := strings.Split(method, "/")
	if len(parts) < 2 {
		return false
	}
	methodName := parts[len(parts)-1]

	readOnlyPrefixes := []string{
		"List",
		"Get",
		"Inspect",
		"Watch",
		"Check",
	}

	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(methodName, prefix) {
			return true
		}
	}

	return false
}

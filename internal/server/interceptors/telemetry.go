package interceptors

import (
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"auction-tracker/backend/internal/telemetry"
	"auction-tracker/backend/internal/telemetry/domain"
)

// grpcStreamMetadata is the JSON shape stored in Telemetry.Metadata for grpc_stream events.
type grpcStreamMetadata struct {
	FullMethod string `json:"full_method"`
	StatusCode string `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
	ClientIP   string `json:"client_ip"`
}

// TelemetryStream returns a stream server interceptor that emits a telemetry event when a stream
// ends. Best-effort: emit failures are logged. If emitter is nil, the interceptor no-ops.
// skipMethods is the set of full method names to not emit.
func TelemetryStream(emitter telemetry.EventEmitter, skipMethods map[string]bool) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		if emitter == nil || skipMethods[info.FullMethod] {
			return err
		}
		ctx := ss.Context()
		meta, _ := json.Marshal(grpcStreamMetadata{
			FullMethod: info.FullMethod,
			StatusCode: status.Code(err).String(),
			DurationMs: time.Since(start).Milliseconds(),
			ClientIP:   ClientIP(ctx),
		})
		identity, _ := GetIdentity(ctx)
		telemetry.EmitAsync(emitter, ctx, &domain.Telemetry{
			EventType:  domain.EventGRPCStream,
			IdentityID: identity,
			Source:     "grpc_interceptor",
			Metadata:   meta,
			CreatedAt:  time.Now().UTC(),
		})
		return err
	}
}

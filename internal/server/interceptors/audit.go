package interceptors

import (
	"context"
	"log"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"auction-tracker/backend/internal/audit"
	"auction-tracker/backend/internal/audit/domain"
	auditrepo "auction-tracker/backend/internal/audit/repository"
)

// AuditStream returns a stream server interceptor that records an audit entry when a stream
// opens. Streams are long-lived, so the entry is written before the handler runs.
// skipMethods is the set of full method names not to audit (e.g. the health Watch stream).
// Create is best-effort: failures are logged and do not fail the stream.
func AuditStream(auditRepo auditrepo.Repository, skipMethods map[string]bool) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if auditRepo == nil || skipMethods[info.FullMethod] {
			return handler(srv, ss)
		}
		ctx := ss.Context()
		identity, _ := GetIdentity(ctx)
		ar := audit.ParseFullMethod(info.FullMethod)
		entry := &domain.AuditLog{
			ID:         uuid.New().String(),
			IdentityID: identity,
			Action:     ar.Action,
			Resource:   ar.Resource,
			IP:         ClientIP(ctx),
			CreatedAt:  time.Now().UTC(),
		}
		if err := auditRepo.Create(ctx, entry); err != nil {
			log.Printf("audit: failed to create audit log: %v", err)
		}
		return handler(srv, ss)
	}
}

// ClientIP returns the client IP recorded with WithClientIP, else from gRPC metadata
// (x-forwarded-for, x-real-ip) or the peer address, or "unknown".
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey).(string); ok && ip != "" {
		return ip
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}

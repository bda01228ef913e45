package server

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	audithandler "auction-tracker/backend/internal/audit/handler"
	auditrepo "auction-tracker/backend/internal/audit/repository"
	brokerhandler "auction-tracker/backend/internal/broker/handler"
	"auction-tracker/backend/internal/broker/service"
	"auction-tracker/backend/internal/server/interceptors"
	"auction-tracker/backend/internal/telemetry/metrics"
)

// RouterDeps holds the dependencies of the HTTP router.
type RouterDeps struct {
	// Broker serves the peer API. Required.
	Broker *service.Broker
	// Health serves /healthz. If nil, /healthz is not mounted.
	Health http.Handler
	// Metrics serves /metrics. If nil, /metrics is not mounted.
	Metrics *metrics.Metrics
	// AuditRepo is listed under /admin/audit when admin routes are enabled.
	AuditRepo auditrepo.Repository
	// AdminTokenHash is the bcrypt hash of the admin secret; empty disables /admin.
	AdminTokenHash string
	// AllowedOrigins feeds CORS and the WebSocket origin check. Empty or "*" allows any.
	AllowedOrigins []string
	// RequireAssociateAuth requires a session token on /associate_pseudonym.
	RequireAssociateAuth bool
	// OutboxSize is the per-connection push queue length.
	OutboxSize int
}

// NewRouter builds the HTTP API: the peer routes, /ws, admin routes, /healthz and /metrics.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(clientIP)

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	brokerhandler.NewHandler(deps.Broker,
		brokerhandler.WithRequireAssociateAuth(deps.RequireAssociateAuth),
		brokerhandler.WithOutboxSize(deps.OutboxSize),
		brokerhandler.WithAllowedOrigins(deps.AllowedOrigins),
	).RegisterRoutes(r)

	var extra []brokerhandler.RouteRegistrar
	if deps.AuditRepo != nil {
		extra = append(extra, audithandler.NewHandler(deps.AuditRepo))
	}
	brokerhandler.NewAdminHandler(deps.Broker, deps.AdminTokenHash, extra...).RegisterRoutes(r)

	if deps.Health != nil {
		r.Method(http.MethodGet, "/healthz", deps.Health)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}
	return r
}

// clientIP stores the request's remote host in the context for audit records. RealIP has
// already applied X-Forwarded-For and X-Real-IP.
func clientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := interceptors.WithClientIP(r.Context(), hostOf(r.RemoteAddr))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Package handler reports broker readiness over HTTP (/healthz) and the standard gRPC health service.
package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is used for readiness (e.g. *sql.DB when the postgres store is used).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker is used for readiness (e.g. the leader policy engine).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

const checkTimeout = 2 * time.Second

// Checker runs readiness checks. Nil dependencies are skipped.
type Checker struct {
	pinger Pinger
	policy PolicyChecker
}

// NewChecker returns a Checker. pinger and policy may be nil.
func NewChecker(pinger Pinger, policy PolicyChecker) *Checker {
	return &Checker{pinger: pinger, policy: policy}
}

// Check returns the first failing dependency's error, or nil when serving.
func (c *Checker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if c.pinger != nil {
		if err := c.pinger.PingContext(ctx); err != nil {
			return err
		}
	}
	if c.policy != nil {
		if err := c.policy.HealthCheck(ctx); err != nil {
			return err
		}
	}
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
}

// ServeHTTP answers 200 {"status":"serving"} or 503 {"status":"not_serving"}.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, code := healthResponse{Status: "serving"}, http.StatusOK
	if err := c.Check(r.Context()); err != nil {
		log.Printf("health: not serving: %v", err)
		resp, code = healthResponse{Status: "not_serving"}, http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// Update sets the serving status of every service on srv from one Check.
func (c *Checker) Update(ctx context.Context, srv *health.Server) {
	st := healthpb.HealthCheckResponse_SERVING
	if err := c.Check(ctx); err != nil {
		log.Printf("health: not serving: %v", err)
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	srv.SetServingStatus("", st)
}

// Run calls Update every interval until ctx is done, then marks srv as shutting down.
func (c *Checker) Run(ctx context.Context, srv *health.Server, interval time.Duration) {
	c.Update(ctx, srv)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-ticker.C:
			c.Update(ctx, srv)
		}
	}
}

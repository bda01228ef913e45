package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// mockPinger implements Pinger for tests.
type mockPinger struct {
	pingErr error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.pingErr
}

// mockPolicyChecker implements PolicyChecker for tests.
type mockPolicyChecker struct {
	healthErr error
}

func (m *mockPolicyChecker) HealthCheck(context.Context) error {
	return m.healthErr
}

func TestChecker_Check(t *testing.T) {
	tests := []struct {
		name    string
		checker *Checker
		wantErr bool
	}{
		{"no dependencies", NewChecker(nil, nil), false},
		{"pinger ok", NewChecker(&mockPinger{}, nil), false},
		{"pinger fails", NewChecker(&mockPinger{pingErr: errors.New("connection refused")}, nil), true},
		{"policy ok", NewChecker(nil, &mockPolicyChecker{}), false},
		{"policy fails", NewChecker(nil, &mockPolicyChecker{healthErr: errors.New("rego compile failed")}), true},
		{"pinger ok policy fails", NewChecker(&mockPinger{}, &mockPolicyChecker{healthErr: errors.New("policy error")}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.checker.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Check = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChecker_ServeHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker(nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "{\"status\":\"serving\"}\n" {
		t.Errorf("serving: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	NewChecker(&mockPinger{pingErr: errors.New("down")}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("not serving: status %d, want 503", rec.Code)
	}
}

func TestChecker_Update(t *testing.T) {
	srv := health.NewServer()
	pinger := &mockPinger{}
	c := NewChecker(pinger, nil)

	c.Update(context.Background(), srv)
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("Check = %v, %v; want SERVING", resp.GetStatus(), err)
	}

	pinger.pingErr = errors.New("connection refused")
	c.Update(context.Background(), srv)
	resp, err = srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("Check = %v, %v; want NOT_SERVING", resp.GetStatus(), err)
	}
}

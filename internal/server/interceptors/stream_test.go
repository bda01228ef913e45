package interceptors

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/metadata"

	auditdomain "auction-tracker/backend/internal/audit/domain"
	auditrepo "auction-tracker/backend/internal/audit/repository"
	telemetrydomain "auction-tracker/backend/internal/telemetry/domain"
)

// fakeServerStream implements grpc.ServerStream with a fixed context.
type fakeServerStream struct {
	ctx context.Context
}

func (s *fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (s *fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (s *fakeServerStream) SetTrailer(metadata.MD)       {}
func (s *fakeServerStream) Context() context.Context     { return s.ctx }
func (s *fakeServerStream) SendMsg(interface{}) error    { return nil }
func (s *fakeServerStream) RecvMsg(interface{}) error    { return nil }

// mockAuditRepo implements auditrepo.Repository for interceptor tests.
type mockAuditRepo struct {
	entries []*auditdomain.AuditLog
	err     error
}

func (m *mockAuditRepo) Create(_ context.Context, a *auditdomain.AuditLog) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, a)
	return nil
}

func (m *mockAuditRepo) List(context.Context, auditrepo.Filter, int, int) ([]*auditdomain.AuditLog, error) {
	return m.entries, nil
}

type mockEmitter struct {
	mu     sync.Mutex
	events []*telemetrydomain.Telemetry
}

func (m *mockEmitter) Emit(_ context.Context, ev *telemetrydomain.Telemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockEmitter) wait(n int) []*telemetrydomain.Telemetry {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		got := append([]*telemetrydomain.Telemetry(nil), m.events...)
		m.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

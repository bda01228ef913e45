// Package service is the connection-facing broker: it authenticates peer connections, relays
// public events to every session and direct messages to one, and keeps the per-auction leader
// and pseudonym resolution state.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	auditdomain "auction-tracker/backend/internal/audit/domain"
	"auction-tracker/backend/internal/auction/repository"
	eventdomain "auction-tracker/backend/internal/event/domain"
	identitydomain "auction-tracker/backend/internal/identity/domain"
	"auction-tracker/backend/internal/platform/ratelimiter"
	"auction-tracker/backend/internal/policy/engine"
	"auction-tracker/backend/internal/security"
	"auction-tracker/backend/internal/session"
	sessiondomain "auction-tracker/backend/internal/session/domain"
	"auction-tracker/backend/internal/telemetry"
	telemetrydomain "auction-tracker/backend/internal/telemetry/domain"
	"auction-tracker/backend/internal/telemetry/metrics"
)

// Sentinel errors; the transport layer maps them to status codes.
var (
	ErrNotConnected   = errors.New("target not connected")
	ErrNotFound       = errors.New("not found")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrInvalidRequest = errors.New("invalid request")
)

const statusAuthenticated = "authenticated"

// BidValidator checks NEW_BID data against the sender's identity.
type BidValidator interface {
	ValidateEvent(ctx context.Context, senderIdentity string, data json.RawMessage) (*identitydomain.BidEnvelope, error)
}

// LeaderPolicy decides whether an accepted bid may replace the auction's leader.
type LeaderPolicy interface {
	Allow(ctx context.Context, in engine.LeaderInput) (bool, error)
}

// EventMirror republishes fanned-out events outside the broker.
type EventMirror interface {
	Publish(e eventdomain.Event, receivers int) error
}

// AuditLogger records security-relevant actions.
type AuditLogger interface {
	LogEvent(ctx context.Context, identityID, action, resource, metadata string)
}

// Broker wires the session registry, bid validation and auction state together.
type Broker struct {
	sessions    *session.Registry
	tokens      session.TokenVerifier
	validator   BidValidator
	leaders     repository.LeaderRepository
	resolutions repository.ResolutionRepository

	policy  LeaderPolicy
	mirror  EventMirror
	emitter telemetry.EventEmitter
	metrics *metrics.Metrics
	audit   AuditLogger
	limiter *ratelimiter.MapLimiter
	tracer  trace.Tracer
	nowF    func() time.Time

	// leaderMu serializes read-evaluate-write of the leader store for bids.
	leaderMu sync.Mutex
	// fanoutMu orders fan-out so every connection sees events in the same order.
	fanoutMu sync.Mutex
}

// Option configures a Broker.
type Option func(*Broker)

// WithLeaderPolicy installs a policy consulted before a bid becomes leader. Without one every
// accepted bid becomes leader.
func WithLeaderPolicy(p LeaderPolicy) Option { return func(b *Broker) { b.policy = p } }

// WithMirror republishes every fanned-out event.
func WithMirror(m EventMirror) Option { return func(b *Broker) { b.mirror = m } }

// WithEmitter sends broker events to emitter asynchronously.
func WithEmitter(e telemetry.EventEmitter) Option { return func(b *Broker) { b.emitter = e } }

// WithMetrics records counters on m.
func WithMetrics(m *metrics.Metrics) Option { return func(b *Broker) { b.metrics = m } }

// WithAudit records resolution-map and session events.
func WithAudit(a AuditLogger) Option { return func(b *Broker) { b.audit = a } }

// WithRateLimiter limits Publish and SendDirect per sender identity.
func WithRateLimiter(l *ratelimiter.MapLimiter) Option { return func(b *Broker) { b.limiter = l } }

// WithClock overrides the broker time source.
func WithClock(now func() time.Time) Option { return func(b *Broker) { b.nowF = now } }

// NewBroker returns a Broker over the given registry and stores. tokens verifies session tokens
// presented on stateless requests; the registry verifies those of persistent connections.
func NewBroker(
	sessions *session.Registry,
	tokens session.TokenVerifier,
	validator BidValidator,
	leaders repository.LeaderRepository,
	resolutions repository.ResolutionRepository,
	opts ...Option,
) *Broker {
	b := &Broker{
		sessions:    sessions,
		tokens:      tokens,
		validator:   validator,
		leaders:     leaders,
		resolutions: resolutions,
		tracer:      otel.Tracer("auction-tracker/broker"),
		nowF:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Sessions returns the registry the broker drives.
func (b *Broker) Sessions() *session.Registry { return b.sessions }

// Identify validates a session token presented on a stateless request.
// Every failure is security.ErrInvalidToken.
func (b *Broker) Identify(ctx context.Context, token string) (string, error) {
	identity, err := b.tokens.ValidateSessionToken(ctx, token)
	if err != nil || identity == "" {
		b.metrics.IncAuthFailure()
		return "", security.ErrInvalidToken
	}
	return identity, nil
}

// OnConnect registers a new, unauthenticated connection.
func (b *Broker) OnConnect(conn session.Conn) error {
	return b.sessions.Connect(conn)
}

// OnAuthenticate binds conn to the identity named by token and acknowledges to conn only.
// On failure conn is closed and removed. A session the new one supersedes is closed.
func (b *Broker) OnAuthenticate(ctx context.Context, conn session.Conn, token string, port int) (string, error) {
	identity, superseded, err := b.sessions.Authenticate(ctx, conn, token, port)
	if err != nil {
		b.sessions.Remove(conn)
		_ = conn.Close()
		if errors.Is(err, security.ErrInvalidToken) {
			b.metrics.IncAuthFailure()
			b.auditEvent(ctx, "", auditdomain.ActionAuthFailure, "session", "")
			b.emit(ctx, &telemetrydomain.Telemetry{EventType: telemetrydomain.EventSessionRejected, Source: "connection"})
		}
		log.Printf("broker: authentication failed on %s: %v", conn.ID(), err)
		return "", err
	}

	if superseded != nil {
		b.metrics.IncSuperseded()
		b.auditEvent(ctx, identity, auditdomain.ActionSuperseded, "session", superseded.ID())
		b.emit(ctx, &telemetrydomain.Telemetry{EventType: telemetrydomain.EventSessionSuperseded, IdentityID: identity})
		if err := superseded.Close(); err != nil {
			log.Printf("broker: close superseded %s: %v", superseded.ID(), err)
		}
	}

	if err := conn.Send(eventdomain.StatusPush(statusAuthenticated, identity)); err != nil {
		log.Printf("broker: ack to %s failed: %v", identity, err)
	}
	log.Printf("broker: authenticated %s on %s", identity, conn.ID())
	b.emit(ctx, &telemetrydomain.Telemetry{EventType: telemetrydomain.EventSessionAuthenticated, IdentityID: identity})
	return identity, nil
}

// OnDisconnect releases conn's session. A superseded connection disconnecting does not affect
// its replacement.
func (b *Broker) OnDisconnect(conn session.Conn) {
	identity, removed := b.sessions.Remove(conn)
	if !removed {
		return
	}
	log.Printf("broker: %s disconnected", identity)
	b.emit(context.Background(), &telemetrydomain.Telemetry{EventType: telemetrydomain.EventSessionClosed, IdentityID: identity})
}

// Heartbeat records activity for the session named by token. ErrNotConnected when the identity
// has no live session.
func (b *Broker) Heartbeat(ctx context.Context, token string) (string, error) {
	identity, err := b.Identify(ctx, token)
	if err != nil {
		return "", err
	}
	if !b.sessions.Touch(identity) {
		return identity, ErrNotConnected
	}
	return identity, nil
}

// HeartbeatConn records activity for the identity authenticated on conn. Frames on a pending
// connection are ignored.
func (b *Broker) HeartbeatConn(conn session.Conn) bool {
	identity, ok := b.sessions.IdentityOf(conn.ID())
	if !ok {
		return false
	}
	return b.sessions.Touch(identity)
}

// ActivePeers lists sessions seen within the liveness window.
func (b *Broker) ActivePeers() []sessiondomain.Peer {
	return b.sessions.ActivePeers()
}

// Close closes every connection.
func (b *Broker) Close() {
	b.sessions.Close()
}

func (b *Broker) allow(identity string) error {
	if !b.limiter.Allow(identity, b.nowF()) {
		b.metrics.IncRateLimited()
		return ErrRateLimited
	}
	return nil
}

func (b *Broker) emit(ctx context.Context, ev *telemetrydomain.Telemetry) {
	if b.emitter == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = b.nowF().UTC()
	}
	telemetry.EmitAsync(b.emitter, ctx, ev)
}

func (b *Broker) auditEvent(ctx context.Context, identityID, action, resource, metadata string) {
	if b.audit != nil {
		b.audit.LogEvent(ctx, identityID, action, resource, metadata)
	}
}

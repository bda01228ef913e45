// Package session owns the in-memory map of connected peers: which identity is authenticated on
// which connection, and when each was last seen.
package session

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	eventdomain "auction-tracker/backend/internal/event/domain"
	"auction-tracker/backend/internal/security"
	"auction-tracker/backend/internal/session/domain"
)

// DefaultLivenessWindow is how recently a session must have been seen to count as active.
const DefaultLivenessWindow = 30 * time.Second

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: registry closed")
	// ErrUnknownConn is returned when authenticating a connection that was never registered or was removed.
	ErrUnknownConn = errors.New("session: unknown connection")
)

// Conn is a persistent peer connection. Send must not block; it enqueues or fails.
type Conn interface {
	ID() string
	RemoteHost() string
	Send(p eventdomain.Push) error
	Close() error
}

// TokenVerifier validates a session token and returns the identity it names.
type TokenVerifier interface {
	ValidateSessionToken(ctx context.Context, token string) (string, error)
}

type entry struct {
	conn    Conn
	session domain.Session
}

// Registry maps identities to connections. All state sits behind one mutex; no method performs
// network I/O while holding it.
type Registry struct {
	verifier TokenVerifier
	window   time.Duration
	nowF     func() time.Time

	mu         sync.Mutex
	byIdentity map[string]*entry
	byConn     map[string]string
	pending    map[string]Conn
	closed     bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLivenessWindow sets the ActivePeers window. Non-positive values keep the default.
func WithLivenessWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithClock overrides the registry time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.nowF = now }
}

// NewRegistry returns an empty Registry that authenticates with verifier.
func NewRegistry(verifier TokenVerifier, opts ...Option) *Registry {
	r := &Registry{
		verifier:   verifier,
		window:     DefaultLivenessWindow,
		nowF:       time.Now,
		byIdentity: make(map[string]*entry),
		byConn:     make(map[string]string),
		pending:    make(map[string]Conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers conn as pending; it receives nothing until authenticated.
func (r *Registry) Connect(conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.pending[conn.ID()] = conn
	return nil
}

// Authenticate verifies token and installs conn as the session for its identity. A previous
// session for the same identity is superseded and its connection returned so the caller can
// close it. Token failures return security.ErrInvalidToken regardless of cause.
func (r *Registry) Authenticate(ctx context.Context, conn Conn, token string, port int) (identity string, superseded Conn, err error) {
	identity, err = r.verifier.ValidateSessionToken(ctx, token)
	if err != nil {
		return "", nil, security.ErrInvalidToken
	}

	now := r.nowF().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", nil, ErrClosed
	}
	id := conn.ID()
	_, isPending := r.pending[id]
	prevIdentity, isBound := r.byConn[id]
	if !isPending && !isBound {
		return "", nil, ErrUnknownConn
	}
	if isBound && prevIdentity != identity {
		// Same connection re-authenticating as someone else drops the old binding.
		delete(r.byIdentity, prevIdentity)
	}
	if old, ok := r.byIdentity[identity]; ok && old.conn.ID() != id {
		superseded = old.conn
		delete(r.byConn, old.conn.ID())
	}

	connectedAt := now
	if old, ok := r.byIdentity[identity]; ok && old.conn.ID() == id {
		connectedAt = old.session.ConnectedAt
	}
	r.byIdentity[identity] = &entry{
		conn: conn,
		session: domain.Session{
			IdentityID:  identity,
			ConnID:      id,
			Host:        conn.RemoteHost(),
			Port:        port,
			ConnectedAt: connectedAt,
			LastSeenAt:  now,
		},
	}
	r.byConn[id] = identity
	delete(r.pending, id)
	return identity, superseded, nil
}

// Lookup returns the connection of identity's current session.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byIdentity[identity]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// IdentityOf returns the identity authenticated on connID.
func (r *Registry) IdentityOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.byConn[connID]
	return identity, ok
}

// Session returns a copy of identity's current session.
func (r *Registry) Session(identity string) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byIdentity[identity]
	if !ok {
		return domain.Session{}, false
	}
	return e.session, true
}

// Remove drops conn from the registry. The identity mapping is removed only when conn is still
// that identity's current connection, so a superseded connection closing late cannot evict its
// replacement. Returns the identity that was removed, if any.
func (r *Registry) Remove(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := conn.ID()
	delete(r.pending, id)
	identity, ok := r.byConn[id]
	if !ok {
		return "", false
	}
	delete(r.byConn, id)
	if e, ok := r.byIdentity[identity]; ok && e.conn.ID() == id {
		delete(r.byIdentity, identity)
		return identity, true
	}
	return "", false
}

// Touch records activity for identity. Returns false when identity has no session.
func (r *Registry) Touch(identity string) bool {
	now := r.nowF().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byIdentity[identity]
	if !ok {
		return false
	}
	e.session.LastSeenAt = now
	return true
}

// ActivePeers lists sessions seen within the liveness window, ordered by identity.
func (r *Registry) ActivePeers() []domain.Peer {
	now := r.nowF().UTC()
	r.mu.Lock()
	peers := make([]domain.Peer, 0, len(r.byIdentity))
	for _, e := range r.byIdentity {
		if now.Sub(e.session.LastSeenAt) < r.window {
			peers = append(peers, e.session.Peer())
		}
	}
	r.mu.Unlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
	return peers
}

// Conns returns a snapshot of every authenticated connection.
func (r *Registry) Conns() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]Conn, 0, len(r.byIdentity))
	for _, e := range r.byIdentity {
		conns = append(conns, e.conn)
	}
	return conns
}

// Len returns the number of authenticated sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIdentity)
}

// Reap removes sessions idle for longer than idle and returns their connections for the caller
// to close.
func (r *Registry) Reap(idle time.Duration) []Conn {
	cutoff := r.nowF().UTC().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	var reaped []Conn
	for identity, e := range r.byIdentity {
		if e.session.LastSeenAt.Before(cutoff) {
			reaped = append(reaped, e.conn)
			delete(r.byIdentity, identity)
			delete(r.byConn, e.conn.ID())
		}
	}
	return reaped
}

// Close closes every connection, pending or authenticated. Further Connect and Authenticate
// calls fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]Conn, 0, len(r.byIdentity)+len(r.pending))
	for _, e := range r.byIdentity {
		conns = append(conns, e.conn)
	}
	for _, c := range r.pending {
		conns = append(conns, c)
	}
	r.byIdentity = make(map[string]*entry)
	r.byConn = make(map[string]string)
	r.pending = make(map[string]Conn)
	r.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			log.Printf("session: close %s: %v", c.ID(), err)
		}
	}
}

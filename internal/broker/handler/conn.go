package handler

import (
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"

	eventdomain "auction-tracker/backend/internal/event/domain"
)

// DefaultOutboxSize is the per-connection push queue length.
const DefaultOutboxSize = 64

// ErrOutboxFull is returned by Send when the peer is not draining its queue.
var ErrOutboxFull = errors.New("outbound queue full")

// outbox is the transport-independent half of a peer connection: a bounded push queue and a
// done channel closed exactly once. The transport drains ch from a single writer goroutine.
type outbox struct {
	id   string
	host string
	ch   chan eventdomain.Push

	done      chan struct{}
	closeOnce sync.Once
}

func newOutbox(host string, size int) *outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &outbox{
		id:   uuid.New().String(),
		host: host,
		ch:   make(chan eventdomain.Push, size),
		done: make(chan struct{}),
	}
}

func (o *outbox) ID() string         { return o.id }
func (o *outbox) RemoteHost() string { return o.host }

// Send enqueues p without blocking.
func (o *outbox) Send(p eventdomain.Push) error {
	select {
	case <-o.done:
		return net.ErrClosed
	default:
	}
	select {
	case o.ch <- p:
		return nil
	case <-o.done:
		return net.ErrClosed
	default:
		return ErrOutboxFull
	}
}

// Close signals the writer to stop. Safe to call more than once.
func (o *outbox) Close() error {
	o.closeOnce.Do(func() { close(o.done) })
	return nil
}

// Package mirror republishes accepted public events to NATS so ledgers and indexers can follow
// the auction stream without holding a peer session.
package mirror

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	eventdomain "auction-tracker/backend/internal/event/domain"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "auction.events"

// publisher is the part of *nats.Conn the mirror uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// message is the mirrored body. It carries no sender identity.
type message struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Receivers  int             `json:"receivers"`
	MirroredAt time.Time       `json:"mirrored_at"`
}

// NATSMirror publishes events on "<prefix>.<type>". A disabled mirror drops everything.
type NATSMirror struct {
	nc      publisher
	conn    *nats.Conn
	prefix  string
	enabled bool
	nowF    func() time.Time
}

// Connect dials url. An empty url returns a disabled mirror.
func Connect(url, prefix string) (*NATSMirror, error) {
	if url == "" {
		log.Printf("mirror: NATS_URL not set, event mirror disabled")
		return &NATSMirror{}, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("auction-tracker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("mirror: NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("mirror: NATS reconnected to %v", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Printf("mirror: NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("mirror: connect to NATS: %w", err)
	}
	log.Printf("mirror: connected to NATS at %s", url)
	m := newMirror(nc, prefix)
	m.conn = nc
	return m, nil
}

func newMirror(nc publisher, prefix string) *NATSMirror {
	prefix = strings.Trim(prefix, ". ")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSMirror{nc: nc, prefix: prefix, enabled: true, nowF: time.Now}
}

// Subject returns the subject an event of eventType is published on. Characters NATS treats
// as token separators or wildcards are replaced with '_'.
func (m *NATSMirror) Subject(eventType string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, eventType)
	if token == "" {
		token = "_"
	}
	return m.prefix + "." + token
}

// Publish mirrors e after it was fanned out to receivers connections.
func (m *NATSMirror) Publish(e eventdomain.Event, receivers int) error {
	if m == nil || !m.enabled {
		return nil
	}
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	body, err := json.Marshal(message{
		Type:       e.Type,
		Data:       data,
		Receivers:  receivers,
		MirroredAt: m.nowF().UTC(),
	})
	if err != nil {
		return fmt.Errorf("mirror: marshal %s: %w", e.Type, err)
	}
	if err := m.nc.Publish(m.Subject(e.Type), body); err != nil {
		return fmt.Errorf("mirror: publish %s: %w", e.Type, err)
	}
	return nil
}

// Enabled reports whether events are being mirrored.
func (m *NATSMirror) Enabled() bool { return m != nil && m.enabled }

// Close drains and closes the NATS connection.
func (m *NATSMirror) Close() {
	if m == nil || m.conn == nil {
		return
	}
	if err := m.conn.Drain(); err != nil {
		log.Printf("mirror: drain: %v", err)
		m.conn.Close()
	}
}

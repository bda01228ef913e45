package domain

import "time"

// Session is a live, authenticated connection between a peer and the broker.
// There is at most one Session per identity.
type Session struct {
	IdentityID  string
	ConnID      string
	Host        string
	Port        int
	ConnectedAt time.Time
	LastSeenAt  time.Time
}

// Peer is the public view of a live session.
type Peer struct {
	PeerID string `json:"peer_id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// Peer returns the public view of s.
func (s Session) Peer() Peer {
	return Peer{PeerID: s.IdentityID, Host: s.Host, Port: s.Port}
}

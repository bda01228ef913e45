// Package domain holds the broker's derived auction state: the current leader per auction and
// voluntary pseudonym bindings used to reach a winner after close.
package domain

import "time"

// LeaderRecord is the leading pseudonym of an auction as of the last accepted bid.
// Amount and TxHash are informational; the external ledger is authoritative.
type LeaderRecord struct {
	AuctionID       string
	LeaderPseudonym string
	Amount          string
	TxHash          string
	UpdatedAt       time.Time
}

// Binding maps a pseudonym in one auction to the identity that volunteered it.
type Binding struct {
	AuctionID   string
	PseudonymID string
	IdentityID  string
	UpdatedAt   time.Time
}

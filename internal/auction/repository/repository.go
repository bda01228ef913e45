package repository

import (
	"context"
	"errors"

	"auction-tracker/backend/internal/auction/domain"
)

// ErrNotPersisted wraps write failures of snapshot-backed stores. The in-memory state was
// updated and stays authoritative until the next successful write.
var ErrNotPersisted = errors.New("auction store: update not persisted")

// LeaderRepository stores the current leader per auction. Last write wins per auction.
type LeaderRepository interface {
	SetLeader(ctx context.Context, rec *domain.LeaderRecord) error
	// GetLeader returns nil, nil when the auction has no leader.
	GetLeader(ctx context.Context, auctionID string) (*domain.LeaderRecord, error)
}

// ResolutionRepository stores pseudonym bindings. Last write wins per (auction, pseudonym).
type ResolutionRepository interface {
	Associate(ctx context.Context, b *domain.Binding) error
	// Resolve returns nil, nil when no binding exists.
	Resolve(ctx context.Context, auctionID, pseudonymID string) (*domain.Binding, error)
	// PurgeAuction removes every binding of auctionID and returns how many were removed.
	PurgeAuction(ctx context.Context, auctionID string) (int, error)
}

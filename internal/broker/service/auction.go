package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	auditdomain "auction-tracker/backend/internal/audit/domain"
	auctiondomain "auction-tracker/backend/internal/auction/domain"
	"auction-tracker/backend/internal/auction/repository"
	telemetrydomain "auction-tracker/backend/internal/telemetry/domain"
)

// GetLeader returns the auction's current leader, or nil when none is recorded. The store
// re-reads its backing file when no local write is pending, so out-of-process writers are seen.
func (b *Broker) GetLeader(ctx context.Context, auctionID string) (*auctiondomain.LeaderRecord, error) {
	auctionID = strings.TrimSpace(auctionID)
	if auctionID == "" {
		return nil, fmt.Errorf("%w: auction_id is required", ErrInvalidRequest)
	}
	return b.leaders.GetLeader(ctx, auctionID)
}

// AssociatePseudonym binds pseudonymID in auctionID to identityID. The last write for a
// (auction, pseudonym) pair wins.
func (b *Broker) AssociatePseudonym(ctx context.Context, auctionID, pseudonymID, identityID string) error {
	auctionID, pseudonymID, identityID = strings.TrimSpace(auctionID), strings.TrimSpace(pseudonymID), strings.TrimSpace(identityID)
	if auctionID == "" || pseudonymID == "" || identityID == "" {
		return fmt.Errorf("%w: missing fields", ErrInvalidRequest)
	}
	err := b.resolutions.Associate(ctx, &auctiondomain.Binding{
		AuctionID:   auctionID,
		PseudonymID: pseudonymID,
		IdentityID:  identityID,
		UpdatedAt:   b.nowF().UTC(),
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotPersisted):
		b.metrics.IncStoreWriteFailure("resolution")
		log.Printf("broker: warning: binding %s:%s kept in memory only: %v", auctionID, pseudonymID, err)
	default:
		return fmt.Errorf("associate pseudonym: %w", err)
	}
	meta, _ := json.Marshal(map[string]string{"pseudonym": pseudonymID, "peer_id": identityID})
	b.auditEvent(ctx, identityID, auditdomain.ActionAssociate, "auction/"+auctionID, string(meta))
	b.emit(ctx, &telemetrydomain.Telemetry{EventType: telemetrydomain.EventPseudonymAssociated, AuctionID: auctionID})
	return nil
}

// Resolve returns the identity bound to pseudonymID in auctionID, or ErrNotFound.
func (b *Broker) Resolve(ctx context.Context, auctionID, pseudonymID string) (string, error) {
	auctionID, pseudonymID = strings.TrimSpace(auctionID), strings.TrimSpace(pseudonymID)
	if auctionID == "" || pseudonymID == "" {
		return "", fmt.Errorf("%w: missing fields", ErrInvalidRequest)
	}
	binding, err := b.resolutions.Resolve(ctx, auctionID, pseudonymID)
	if err != nil {
		return "", fmt.Errorf("resolve pseudonym: %w", err)
	}
	if binding == nil {
		return "", ErrNotFound
	}
	meta, _ := json.Marshal(map[string]string{"pseudonym": pseudonymID})
	b.auditEvent(ctx, binding.IdentityID, auditdomain.ActionResolve, "auction/"+auctionID, string(meta))
	return binding.IdentityID, nil
}

// PurgeAuction removes every pseudonym binding of auctionID and returns how many were removed.
func (b *Broker) PurgeAuction(ctx context.Context, auctionID string) (int, error) {
	auctionID = strings.TrimSpace(auctionID)
	if auctionID == "" {
		return 0, fmt.Errorf("%w: auction_id is required", ErrInvalidRequest)
	}
	n, err := b.resolutions.PurgeAuction(ctx, auctionID)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotPersisted):
		b.metrics.IncStoreWriteFailure("resolution")
		log.Printf("broker: warning: purge of auction %s kept in memory only: %v", auctionID, err)
	default:
		return 0, fmt.Errorf("purge auction: %w", err)
	}
	log.Printf("broker: purged %d binding(s) of auction %s", n, auctionID)
	b.auditEvent(ctx, "", auditdomain.ActionPurge, "auction/"+auctionID, fmt.Sprintf(`{"removed":%d}`, n))
	b.emit(ctx, &telemetrydomain.Telemetry{EventType: telemetrydomain.EventPseudonymsPurged, AuctionID: auctionID})
	return n, nil
}

package repository

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"auction-tracker/backend/internal/auction/domain"
)

// Default snapshot file names under DATA_DIR.
const (
	LeadersFile  = "auction_leaders.json"
	BindingsFile = "pseudonym_map.json"
)

type leaderEntry struct {
	LeaderPseudonym string `json:"leader_pseudonym"`
	Amount          string `json:"amount,omitempty"`
	TxHash          string `json:"tx_hash,omitempty"`
	UpdatedAt       string `json:"updated_at,omitempty"`
}

// FileLeaderStore keeps {"<auction_id>": {"leader_pseudonym": ...}} in a JSON file.
type FileLeaderStore struct {
	snap *snapshot[leaderEntry]
	nowF func() time.Time
}

// NewFileLeaderStore loads path, creating its directory if needed. A missing file is an empty store.
func NewFileLeaderStore(path string) (*FileLeaderStore, error) {
	snap, err := openSnapshot[leaderEntry](path, "leader store")
	if err != nil {
		return nil, err
	}
	return &FileLeaderStore{snap: snap, nowF: time.Now}, nil
}

// SetLeader records rec as the auction's leader. A write failure returns ErrNotPersisted after
// memory was updated.
func (s *FileLeaderStore) SetLeader(_ context.Context, rec *domain.LeaderRecord) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = s.nowF()
	}
	e := leaderEntry{
		LeaderPseudonym: rec.LeaderPseudonym,
		Amount:          rec.Amount,
		TxHash:          rec.TxHash,
		UpdatedAt:       updated.UTC().Format(time.RFC3339Nano),
	}
	return s.snap.update(func(m map[string]leaderEntry) bool {
		m[rec.AuctionID] = e
		return true
	})
}

// GetLeader returns the auction's leader, or nil when there is none.
func (s *FileLeaderStore) GetLeader(_ context.Context, auctionID string) (*domain.LeaderRecord, error) {
	e, ok := s.snap.get(auctionID)
	if !ok || e.LeaderPseudonym == "" {
		return nil, nil
	}
	rec := &domain.LeaderRecord{
		AuctionID:       auctionID,
		LeaderPseudonym: e.LeaderPseudonym,
		Amount:          e.Amount,
		TxHash:          e.TxHash,
	}
	if t, err := time.Parse(time.RFC3339Nano, e.UpdatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

// FileResolutionStore keeps {"<auction_id>:<pseudonym_id>": "<identity_id>"} in a JSON file.
type FileResolutionStore struct {
	snap *snapshot[string]
}

// NewFileResolutionStore loads path, creating its directory if needed.
func NewFileResolutionStore(path string) (*FileResolutionStore, error) {
	snap, err := openSnapshot[string](path, "resolution store")
	if err != nil {
		return nil, err
	}
	return &FileResolutionStore{snap: snap}, nil
}

func bindingKey(auctionID, pseudonymID string) string {
	return auctionID + ":" + pseudonymID
}

// Associate stores b, replacing any previous binding of the same pseudonym in the same auction.
func (s *FileResolutionStore) Associate(_ context.Context, b *domain.Binding) error {
	key := bindingKey(b.AuctionID, b.PseudonymID)
	return s.snap.update(func(m map[string]string) bool {
		if m[key] == b.IdentityID {
			return false
		}
		m[key] = b.IdentityID
		return true
	})
}

// Resolve returns the binding for the pseudonym in the auction, or nil.
func (s *FileResolutionStore) Resolve(_ context.Context, auctionID, pseudonymID string) (*domain.Binding, error) {
	identity, ok := s.snap.get(bindingKey(auctionID, pseudonymID))
	if !ok || identity == "" {
		return nil, nil
	}
	return &domain.Binding{AuctionID: auctionID, PseudonymID: pseudonymID, IdentityID: identity}, nil
}

// PurgeAuction removes every binding of auctionID.
func (s *FileResolutionStore) PurgeAuction(_ context.Context, auctionID string) (int, error) {
	s.snap.refresh()
	prefix := auctionID + ":"
	removed := 0
	err := s.snap.update(func(m map[string]string) bool {
		for k := range m {
			if strings.HasPrefix(k, prefix) {
				delete(m, k)
				removed++
			}
		}
		return removed > 0
	})
	return removed, err
}

// OpenFileStores opens both snapshot stores under dir.
func OpenFileStores(dir string) (*FileLeaderStore, *FileResolutionStore, error) {
	leaders, err := NewFileLeaderStore(filepath.Join(dir, LeadersFile))
	if err != nil {
		return nil, nil, err
	}
	bindings, err := NewFileResolutionStore(filepath.Join(dir, BindingsFile))
	if err != nil {
		return nil, nil, err
	}
	return leaders, bindings, nil
}

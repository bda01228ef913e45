package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"auction-tracker/backend/internal/auction/domain"
)

// PostgresLeaderStore implements LeaderRepository on the auction_leaders table.
type PostgresLeaderStore struct {
	db *sql.DB
}

// NewPostgresLeaderStore returns a leader store backed by db.
func NewPostgresLeaderStore(db *sql.DB) *PostgresLeaderStore {
	return &PostgresLeaderStore{db: db}
}

const upsertLeader = `
INSERT INTO auction_leaders (auction_id, leader_pseudonym, amount, tx_hash, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (auction_id) DO UPDATE
SET leader_pseudonym = EXCLUDED.leader_pseudonym,
    amount = EXCLUDED.amount,
    tx_hash = EXCLUDED.tx_hash,
    updated_at = EXCLUDED.updated_at`

// SetLeader upserts the auction's leader.
func (r *PostgresLeaderStore) SetLeader(ctx context.Context, rec *domain.LeaderRecord) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, upsertLeader,
		rec.AuctionID, rec.LeaderPseudonym, nullString(rec.Amount), nullString(rec.TxHash), updated)
	return err
}

// GetLeader returns the auction's leader, or nil if none is recorded.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresLeaderStore) GetLeader(ctx context.Context, auctionID string) (*domain.LeaderRecord, error) {
	var (
		rec            domain.LeaderRecord
		amount, txHash sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT auction_id, leader_pseudonym, amount, tx_hash, updated_at FROM auction_leaders WHERE auction_id = $1`,
		auctionID,
	).Scan(&rec.AuctionID, &rec.LeaderPseudonym, &amount, &txHash, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.Amount = amount.String
	rec.TxHash = txHash.String
	return &rec, nil
}

// PostgresResolutionStore implements ResolutionRepository on the pseudonym_bindings table.
type PostgresResolutionStore struct {
	db *sql.DB
}

// NewPostgresResolutionStore returns a resolution store backed by db.
func NewPostgresResolutionStore(db *sql.DB) *PostgresResolutionStore {
	return &PostgresResolutionStore{db: db}
}

const upsertBinding = `
INSERT INTO pseudonym_bindings (auction_id, pseudonym_id, identity_id, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (auction_id, pseudonym_id) DO UPDATE
SET identity_id = EXCLUDED.identity_id,
    updated_at = EXCLUDED.updated_at`

// Associate upserts the binding.
func (r *PostgresResolutionStore) Associate(ctx context.Context, b *domain.Binding) error {
	updated := b.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, upsertBinding, b.AuctionID, b.PseudonymID, b.IdentityID, updated)
	return err
}

// Resolve returns the binding, or nil if none exists.
func (r *PostgresResolutionStore) Resolve(ctx context.Context, auctionID, pseudonymID string) (*domain.Binding, error) {
	b := domain.Binding{AuctionID: auctionID, PseudonymID: pseudonymID}
	err := r.db.QueryRowContext(ctx,
		`SELECT identity_id, updated_at FROM pseudonym_bindings WHERE auction_id = $1 AND pseudonym_id = $2`,
		auctionID, pseudonymID,
	).Scan(&b.IdentityID, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// PurgeAuction deletes every binding of auctionID.
func (r *PostgresResolutionStore) PurgeAuction(ctx context.Context, auctionID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pseudonym_bindings WHERE auction_id = $1`, auctionID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

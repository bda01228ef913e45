package repository

import (
	"context"

	"auction-tracker/backend/internal/audit/domain"
)

// Filter narrows List. Empty fields match everything.
type Filter struct {
	IdentityID string
	Action     string
	Resource   string
}

// Repository defines persistence for audit logs.
type Repository interface {
	Create(ctx context.Context, a *domain.AuditLog) error
	// List returns entries matching f, newest first.
	List(ctx context.Context, f Filter, limit, offset int) ([]*domain.AuditLog, error)
}

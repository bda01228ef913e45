package domain

import "time"

// Audit actions recorded by the tracker.
const (
	ActionAssociate    = "pseudonym_associated"
	ActionResolve      = "pseudonym_resolved"
	ActionPurge        = "pseudonyms_purged"
	ActionAuthFailure  = "authentication_failed"
	ActionSuperseded   = "session_superseded"
	ActionStreamOpened = "stream_opened"
)

// AuditLog represents an audit event. IdentityID is empty for unauthenticated callers.
type AuditLog struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id,omitempty"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	IP         string    `json:"ip"`
	Metadata   string    `json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

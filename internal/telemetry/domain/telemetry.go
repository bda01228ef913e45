package domain

import "time"

// Broker event types.
const (
	EventSessionAuthenticated = "session_authenticated"
	EventSessionRejected      = "session_rejected"
	EventSessionSuperseded    = "session_superseded"
	EventSessionClosed        = "session_closed"
	EventBidAccepted          = "bid_accepted"
	EventBidRejected          = "bid_rejected"
	EventEventRelayed         = "event_relayed"
	EventDirectRelayed        = "direct_relayed"
	EventPseudonymAssociated  = "pseudonym_associated"
	EventPseudonymsPurged     = "pseudonyms_purged"
	EventGRPCStream           = "grpc_stream"
)

// Telemetry is one broker event. IdentityID, AuctionID and Reason are optional.
type Telemetry struct {
	EventType  string
	IdentityID string
	AuctionID  string
	Reason     string
	Source     string
	Metadata   []byte // JSON
	CreatedAt  time.Time
}

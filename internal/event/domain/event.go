// Package domain defines public events, the frames pushed to connected peers and the frames
// peers send on their persistent connection.
package domain

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Known public event types.
const (
	TypeNewBid       = "NEW_BID"
	TypeNewAuction   = "NEW_AUCTION"
	TypeAuctionEnded = "AUCTION_ENDED"
	TypeCertRequest  = "CERT_REQUEST"
	TypeCertResponse = "CERT_RESPONSE"
)

// ErrMissingType is returned for an event without a type.
var ErrMissingType = errors.New("event type is required")

// Event is a public event as submitted by a peer. Data is relayed as received.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Variant is one of NewBid, NewAuction, AuctionEnded, CertRequest, CertResponse or Opaque.
type Variant interface {
	EventType() string
	isVariant()
}

// NewBid carries bid data that must be validated before fan-out.
type NewBid struct{ Data json.RawMessage }

// NewAuction announces an auction.
type NewAuction struct {
	AuctionID string
	Data      json.RawMessage
}

// AuctionEnded announces that an auction closed.
type AuctionEnded struct {
	AuctionID string
	Data      json.RawMessage
}

// CertRequest asks the winner for its certificate.
type CertRequest struct{ Data json.RawMessage }

// CertResponse answers a CertRequest.
type CertResponse struct{ Data json.RawMessage }

// Opaque is any event type the broker does not interpret.
type Opaque struct {
	Type string
	Data json.RawMessage
}

func (NewBid) EventType() string       { return TypeNewBid }
func (NewAuction) EventType() string   { return TypeNewAuction }
func (AuctionEnded) EventType() string { return TypeAuctionEnded }
func (CertRequest) EventType() string  { return TypeCertRequest }
func (CertResponse) EventType() string { return TypeCertResponse }
func (o Opaque) EventType() string     { return o.Type }

func (NewBid) isVariant()       {}
func (NewAuction) isVariant()   {}
func (AuctionEnded) isVariant() {}
func (CertRequest) isVariant()  {}
func (CertResponse) isVariant() {}
func (Opaque) isVariant()       {}

// Classify maps e to its variant. Unknown types become Opaque.
func Classify(e Event) (Variant, error) {
	if strings.TrimSpace(e.Type) == "" {
		return nil, ErrMissingType
	}
	switch e.Type {
	case TypeNewBid:
		return NewBid{Data: e.Data}, nil
	case TypeNewAuction:
		return NewAuction{AuctionID: auctionID(e.Data), Data: e.Data}, nil
	case TypeAuctionEnded:
		return AuctionEnded{AuctionID: auctionID(e.Data), Data: e.Data}, nil
	case TypeCertRequest:
		return CertRequest{Data: e.Data}, nil
	case TypeCertResponse:
		return CertResponse{Data: e.Data}, nil
	default:
		return Opaque{Type: e.Type, Data: e.Data}, nil
	}
}

func auctionID(data json.RawMessage) string {
	var v struct {
		AuctionID json.RawMessage `json:"auction_id"`
	}
	if err := json.Unmarshal(data, &v); err != nil || len(v.AuctionID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.AuctionID, &s); err == nil {
		return s
	}
	if string(v.AuctionID) == "null" {
		return ""
	}
	return string(v.AuctionID)
}

// Push frame names.
const (
	PushStatus        = "status"
	PushNewEvent      = "new_event"
	PushDirectMessage = "direct_message"
)

// Push is a server-to-peer frame on the persistent connection.
type Push struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Status is the data of a status push.
type Status struct {
	Status   string `json:"status"`
	Identity string `json:"identity,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// DirectMessage is the data of a direct_message push.
type DirectMessage struct {
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// StatusPush builds a status frame.
func StatusPush(status, identity string) Push {
	return Push{Event: PushStatus, Data: Status{Status: status, Identity: identity}}
}

// ErrorPush builds a status frame reporting a rejected request.
func ErrorPush(reason string) Push {
	return Push{Event: PushStatus, Data: Status{Status: "error", Reason: reason}}
}

// NewEventPush wraps e for fan-out.
func NewEventPush(e Event) Push {
	return Push{Event: PushNewEvent, Data: e}
}

// DirectPush wraps payload from sender for a single peer.
func DirectPush(sender string, payload json.RawMessage) Push {
	return Push{Event: PushDirectMessage, Data: DirectMessage{Sender: sender, Payload: payload}}
}

// Inbound frame names.
const (
	FrameAuthenticate = "authenticate"
	FrameHeartbeat    = "heartbeat"
)

// Frame is a peer-to-server frame. Data is decoded per Event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Authenticate is the data of an authenticate frame.
type Authenticate struct {
	Token string      `json:"token"`
	Port  json.Number `json:"port"`
}

// PortNumber returns the advertised port, or 0 when absent or out of range.
func (a Authenticate) PortNumber() int {
	p, err := strconv.Atoi(a.Port.String())
	if err != nil || p < 0 || p > 65535 {
		return 0
	}
	return p
}

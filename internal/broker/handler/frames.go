package handler

import (
	"context"
	"encoding/json"

	"auction-tracker/backend/internal/broker/service"
	eventdomain "auction-tracker/backend/internal/event/domain"
	"auction-tracker/backend/internal/session"
)

// dispatch handles one frame received on a persistent connection. It returns false when the
// connection must end, which happens only after a failed authentication.
func dispatch(ctx context.Context, b *service.Broker, conn session.Conn, f eventdomain.Frame) bool {
	switch f.Event {
	case eventdomain.FrameAuthenticate:
		var a eventdomain.Authenticate
		// A malformed frame carries no usable token and fails like an invalid one.
		_ = json.Unmarshal(f.Data, &a)
		if _, err := b.OnAuthenticate(ctx, conn, a.Token, a.PortNumber()); err != nil {
			return false
		}
	case eventdomain.FrameHeartbeat:
		b.HeartbeatConn(conn)
	default:
		_ = conn.Send(eventdomain.ErrorPush("unknown event"))
	}
	return true
}

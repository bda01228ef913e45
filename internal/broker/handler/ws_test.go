package handler

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventdomain "auction-tracker/backend/internal/event/domain"
)

func TestOutbox_SendAndClose(t *testing.T) {
	o := newOutbox("10.0.0.1", 2)
	assert.NotEmpty(t, o.ID())
	assert.Equal(t, "10.0.0.1", o.RemoteHost())

	require.NoError(t, o.Send(eventdomain.StatusPush("a", "")))
	require.NoError(t, o.Send(eventdomain.StatusPush("b", "")))
	assert.True(t, errors.Is(o.Send(eventdomain.StatusPush("c", "")), ErrOutboxFull))

	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	assert.True(t, errors.Is(o.Send(eventdomain.StatusPush("d", "")), net.ErrClosed))
}

func TestOutbox_DefaultSize(t *testing.T) {
	o := newOutbox("", 0)
	assert.Equal(t, DefaultOutboxSize, cap(o.ch))
}

func TestWS_InvalidTokenClosesConnection(t *testing.T) {
	env := newEnv(t, envConfig{})
	p := env.dial(t)
	p.authenticate(t, "forged", 6001)
	assert.True(t, p.closed(t), "connection with an invalid token stayed open")
	assert.Equal(t, 0, env.broker.Sessions().Len())
}

func TestWS_PendingConnectionReceivesNothing(t *testing.T) {
	env := newEnv(t, envConfig{})
	pending := env.dial(t)
	_, _, aliceWS := env.join(t, "alice", 6001)

	n, err := env.broker.Publish(t.Context(), "alice", eventdomain.Event{Type: eventdomain.TypeNewAuction, Data: []byte(`{"auction_id":1}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	aliceWS.next(t)

	// Authenticating later starts delivery with the ack, not with missed events.
	_, bobToken := env.identity(t, "bob")
	pending.authenticate(t, bobToken, 6002)
	st := pending.next(t).status(t)
	assert.Equal(t, "authenticated", st.Status)
}

func TestWS_UnknownAndMalformedFrames(t *testing.T) {
	env := newEnv(t, envConfig{})
	_, _, p := env.join(t, "alice", 6001)

	p.send(t, "subscribe", map[string]any{})
	st := p.next(t).status(t)
	assert.Equal(t, "error", st.Status)
	assert.Equal(t, "unknown event", st.Reason)

	require.NoError(t, p.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	st = p.next(t).status(t)
	assert.Equal(t, "malformed frame", st.Reason)
}

func TestWS_HeartbeatFrameKeepsPeerActive(t *testing.T) {
	env := newEnv(t, envConfig{})
	_, _, p := env.join(t, "alice", 6001)
	before, ok := env.broker.Sessions().Session("alice")
	require.True(t, ok)

	time.Sleep(10 * time.Millisecond)
	p.send(t, eventdomain.FrameHeartbeat, nil)
	require.Eventually(t, func() bool {
		s, ok := env.broker.Sessions().Session("alice")
		return ok && s.LastSeenAt.After(before.LastSeenAt)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWS_ReauthenticationSupersedes(t *testing.T) {
	env := newEnv(t, envConfig{})
	_, token, first := env.join(t, "alice", 6001)

	second := env.dial(t)
	second.authenticate(t, token, 7001)
	assert.Equal(t, "authenticated", second.next(t).status(t).Status)
	assert.True(t, first.closed(t), "superseded connection stayed open")

	require.Eventually(t, func() bool {
		s, ok := env.broker.Sessions().Session("alice")
		return ok && s.Port == 7001
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWS_DisconnectRemovesSession(t *testing.T) {
	env := newEnv(t, envConfig{})
	_, _, p := env.join(t, "alice", 6001)
	require.NoError(t, p.ws.Close())
	require.Eventually(t, func() bool { return env.broker.Sessions().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(nil, WithAllowedOrigins([]string{"https://bidder.example"}))
	req := newRequestWithOrigin("https://bidder.example")
	assert.True(t, h.checkOrigin(req))
	assert.False(t, h.checkOrigin(newRequestWithOrigin("https://evil.example")))
	assert.True(t, h.checkOrigin(newRequestWithOrigin("")))

	open := NewHandler(nil, WithAllowedOrigins([]string{"*"}))
	assert.True(t, open.checkOrigin(newRequestWithOrigin("https://evil.example")))
}

func newRequestWithOrigin(origin string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

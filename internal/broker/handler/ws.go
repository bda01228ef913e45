package handler

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	eventdomain "auction-tracker/backend/internal/event/domain"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 << 10
)

// wsConn is a peer connection over a WebSocket.
type wsConn struct {
	*outbox
	ws *websocket.Conn
}

// writeLoop is the only writer of c.ws. It exits when the outbox is closed or a write fails,
// closing the socket so the read loop ends too.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case p := <-c.ch:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(p); err != nil {
				log.Printf("ws: write to %s: %v", c.id, err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// serveWS upgrades the request and runs the connection until it ends. The connection receives
// nothing until it sends a valid authenticate frame.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}
	conn := &wsConn{outbox: newOutbox(remoteHost(r), h.outboxSize), ws: ws}
	if err := h.broker.OnConnect(conn); err != nil {
		log.Printf("ws: %v", err)
		_ = ws.Close()
		return
	}
	go conn.writeLoop()
	defer func() {
		h.broker.OnDisconnect(conn)
		_ = conn.Close()
	}()

	ctx := r.Context()
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read from %s: %v", conn.id, err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		var f eventdomain.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			_ = conn.Send(eventdomain.ErrorPush("malformed frame"))
			continue
		}
		if !dispatch(ctx, h.broker, conn, f) {
			return
		}
	}
}

// Package handler exposes the broker over HTTP, WebSocket and a gRPC peer stream.
package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"auction-tracker/backend/internal/bid/validation"
	"auction-tracker/backend/internal/broker/service"
	eventdomain "auction-tracker/backend/internal/event/domain"
	"auction-tracker/backend/internal/security"
)

const maxBodyBytes = 1 << 20

// Handler serves the broker's stateless HTTP API and the /ws persistent connection.
type Handler struct {
	broker               *service.Broker
	requireAssociateAuth bool
	outboxSize           int
	origins              []string
	upgrader             websocket.Upgrader
}

// Option configures a Handler.
type Option func(*Handler)

// WithRequireAssociateAuth makes /associate_pseudonym require a session token naming peer_id.
func WithRequireAssociateAuth(require bool) Option {
	return func(h *Handler) { h.requireAssociateAuth = require }
}

// WithOutboxSize sets the per-connection push queue length.
func WithOutboxSize(n int) Option {
	return func(h *Handler) { h.outboxSize = n }
}

// WithAllowedOrigins restricts browser WebSocket origins. Empty or "*" allows any.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) { h.origins = origins }
}

// NewHandler returns a Handler over b.
func NewHandler(b *service.Broker, opts ...Option) *Handler {
	h := &Handler{broker: b, outboxSize: DefaultOutboxSize}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RegisterRoutes mounts the peer-facing routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/broadcast", h.broadcast)
	r.Post("/direct", h.direct)
	r.Get("/auction_leader/{auctionID}", h.auctionLeader)
	r.Post("/associate_pseudonym", h.associatePseudonym)
	r.Post("/resolve", h.resolve)
	r.Get("/peers", h.peers)
	r.Post("/heartbeat", h.heartbeat)
	r.Get("/ws", h.serveWS)
}

// flexID accepts an identifier sent as a JSON string or number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type broadcastRequest struct {
	Token   string            `json:"token"`
	Payload eventdomain.Event `json:"payload"`
}

type directRequest struct {
	Token   string          `json:"token"`
	PeerID  string          `json:"peer_id"`
	Payload json.RawMessage `json:"payload"`
}

type associateRequest struct {
	Token     string `json:"token"`
	AuctionID flexID `json:"auction_id"`
	Pseudonym flexID `json:"pseudonym"`
	PeerID    string `json:"peer_id"`
}

type resolveRequest struct {
	AuctionID flexID `json:"auction_id"`
	Pseudonym flexID `json:"pseudonym"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type statusResponse struct {
	Status    string `json:"status"`
	Receivers *int   `json:"receivers,omitempty"`
}

type leaderResponse struct {
	LeaderPseudonym *string `json:"leader_pseudonym"`
}

type resolveResponse struct {
	PeerID string `json:"peer_id"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !decode(w, r, &req) {
		return
	}
	sender, err := h.broker.Identify(r.Context(), req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := h.broker.Publish(r.Context(), sender, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "broadcast_sent", Receivers: &n})
}

func (h *Handler) direct(w http.ResponseWriter, r *http.Request) {
	var req directRequest
	if !decode(w, r, &req) {
		return
	}
	sender, err := h.broker.Identify(r.Context(), req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.broker.SendDirect(r.Context(), sender, req.PeerID, req.Payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "direct_sent"})
}

func (h *Handler) auctionLeader(w http.ResponseWriter, r *http.Request) {
	rec, err := h.broker.GetLeader(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var resp leaderResponse
	if rec != nil {
		resp.LeaderPseudonym = &rec.LeaderPseudonym
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) associatePseudonym(w http.ResponseWriter, r *http.Request) {
	var req associateRequest
	if !decode(w, r, &req) {
		return
	}
	if h.requireAssociateAuth {
		identity, err := h.broker.Identify(r.Context(), req.Token)
		if err != nil || identity != req.PeerID {
			writeError(w, security.ErrInvalidToken)
			return
		}
	}
	if err := h.broker.AssociatePseudonym(r.Context(), string(req.AuctionID), string(req.Pseudonym), req.PeerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	peerID, err := h.broker.Resolve(r.Context(), string(req.AuctionID), string(req.Pseudonym))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{PeerID: peerID})
}

func (h *Handler) peers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.broker.ActivePeers())
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := h.broker.Heartbeat(r.Context(), req.Token); err != nil {
		if errors.Is(err, service.ErrNotConnected) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown peer"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "alive"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request"})
		return false
	}
	return true
}

// writeError maps broker errors to status codes. Authentication failures are reported
// identically whatever the cause.
func writeError(w http.ResponseWriter, err error) {
	var verr *validation.ValidationError
	switch {
	case errors.Is(err, security.ErrInvalidToken):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "access denied"})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid bid", Reason: verr.Reason})
	case errors.Is(err, service.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing fields"})
	case errors.Is(err, service.ErrNotConnected):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "target not connected"})
	case errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, service.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
	default:
		log.Printf("http: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

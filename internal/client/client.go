// Package client is an HTTP client for the tracker API, used by brokerctl and by integrations
// that publish events without holding a persistent connection.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	eventdomain "auction-tracker/backend/internal/event/domain"
	sessiondomain "auction-tracker/backend/internal/session/domain"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20
)

// APIError is a non-2xx answer from the tracker.
type APIError struct {
	StatusCode int
	Message    string
	Reason     string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("tracker: %d %s", e.StatusCode, e.Message)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the tracker.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client calls one tracker instance.
type Client struct {
	baseURL    string
	http       *http.Client
	adminToken string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithAdminToken sets the bearer secret sent on /admin routes.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// New returns a Client for the tracker at baseURL (e.g. http://127.0.0.1:5555).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type statusResponse struct {
	Status    string `json:"status"`
	Receivers int    `json:"receivers"`
	Removed   int    `json:"removed"`
}

// Broadcast publishes e as the identity named by token and returns the receiver count.
func (c *Client) Broadcast(ctx context.Context, token string, e eventdomain.Event) (int, error) {
	var resp statusResponse
	err := c.do(ctx, http.MethodPost, "/broadcast", map[string]any{"token": token, "payload": e}, &resp)
	return resp.Receivers, err
}

// Direct sends payload to peerID.
func (c *Client) Direct(ctx context.Context, token, peerID string, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/direct", map[string]any{"token": token, "peer_id": peerID, "payload": payload}, nil)
}

// Heartbeat refreshes the session named by token.
func (c *Client) Heartbeat(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/heartbeat", map[string]any{"token": token}, nil)
}

// Peers lists the active peers.
func (c *Client) Peers(ctx context.Context) ([]sessiondomain.Peer, error) {
	var peers []sessiondomain.Peer
	if err := c.do(ctx, http.MethodGet, "/peers", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// Leader returns the auction's leading pseudonym. ok is false when the auction has no leader.
func (c *Client) Leader(ctx context.Context, auctionID string) (pseudonym string, ok bool, err error) {
	var resp struct {
		LeaderPseudonym *string `json:"leader_pseudonym"`
	}
	if err := c.do(ctx, http.MethodGet, "/auction_leader/"+url.PathEscape(auctionID), nil, &resp); err != nil {
		return "", false, err
	}
	if resp.LeaderPseudonym == nil {
		return "", false, nil
	}
	return *resp.LeaderPseudonym, true, nil
}

// Associate binds pseudonym to peerID in auctionID. token may be empty when the tracker does
// not require it.
func (c *Client) Associate(ctx context.Context, token, auctionID, pseudonym, peerID string) error {
	body := map[string]any{"auction_id": auctionID, "pseudonym": pseudonym, "peer_id": peerID}
	if token != "" {
		body["token"] = token
	}
	return c.do(ctx, http.MethodPost, "/associate_pseudonym", body, nil)
}

// Resolve returns the identity bound to pseudonym in auctionID. IsNotFound(err) when unbound.
func (c *Client) Resolve(ctx context.Context, auctionID, pseudonym string) (string, error) {
	var resp struct {
		PeerID string `json:"peer_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/resolve", map[string]any{"auction_id": auctionID, "pseudonym": pseudonym}, &resp); err != nil {
		return "", err
	}
	return resp.PeerID, nil
}

// Purge removes every pseudonym binding of auctionID. Requires the admin token.
func (c *Client) Purge(ctx context.Context, auctionID string) (int, error) {
	var resp statusResponse
	err := c.do(ctx, http.MethodDelete, "/admin/auctions/"+url.PathEscape(auctionID)+"/pseudonyms", nil, &resp)
	return resp.Removed, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" && strings.HasPrefix(path, "/admin/") {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracker: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("tracker: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Reason = e.Error, e.Reason
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("tracker: decode response: %w", err)
	}
	return nil
}

// Package loki pushes broker events to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"auction-tracker/backend/internal/telemetry"
	"auction-tracker/backend/internal/telemetry/domain"
)

// Job is the job label on every pushed stream.
const Job = "auction-tracker"

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// Loki label values are kept to a conservative character set.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// line is the JSON log line for one event. Identity and auction ids stay in the line, not in
// labels, to keep stream cardinality bounded.
type line struct {
	EventType  string          `json:"event_type"`
	IdentityID string          `json:"identity_id,omitempty"`
	AuctionID  string          `json:"auction_id,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Source     string          `json:"source,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

// Emitter is a telemetry.EventEmitter that pushes each event as one Loki log line.
type Emitter struct {
	baseURL string
	http    *http.Client
}

var _ telemetry.EventEmitter = (*Emitter)(nil)

// NewEmitter returns an Emitter for the Loki at baseURL (e.g. http://localhost:3100).
// A nil client uses http.DefaultClient.
func NewEmitter(baseURL string, client *http.Client) *Emitter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Emitter{baseURL: baseURL, http: client}
}

// Emit pushes event with event_type and source labels.
func (e *Emitter) Emit(ctx context.Context, event *domain.Telemetry) error {
	if event == nil {
		return nil
	}
	ts := event.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	l := line{
		EventType:  event.EventType,
		IdentityID: event.IdentityID,
		AuctionID:  event.AuctionID,
		Reason:     event.Reason,
		Source:     event.Source,
		CreatedAt:  ts.Format(time.RFC3339Nano),
	}
	if json.Valid(event.Metadata) {
		l.Metadata = event.Metadata
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return e.Push(ctx, ts, string(raw), map[string]string{"event_type": event.EventType, "source": event.Source})
}

// Push sends a single log line. Labels are sanitized and empty ones dropped; job is always set.
func (e *Emitter) Push(ctx context.Context, timestamp time.Time, logLine string, labels map[string]string) error {
	if e.baseURL == "" {
		return fmt.Errorf("loki: base URL is empty")
	}
	streamLabels := make(map[string]string, len(labels)+1)
	streamLabels["job"] = Job
	for k, v := range labels {
		sanitized := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_")
		if sanitized != "" {
			streamLabels[k] = sanitized
		}
	}
	body := PushRequest{
		Streams: []Stream{{
			Stream: streamLabels,
			Values: [][]string{{strconv.FormatInt(timestamp.UnixNano(), 10), logLine}},
		}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(e.baseURL, "/") + "/loki/api/v1/push"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}

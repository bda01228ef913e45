package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	auctiondomain "auction-tracker/backend/internal/auction/domain"
	"auction-tracker/backend/internal/auction/repository"
	"auction-tracker/backend/internal/bid/validation"
	eventdomain "auction-tracker/backend/internal/event/domain"
	identitydomain "auction-tracker/backend/internal/identity/domain"
	"auction-tracker/backend/internal/policy/engine"
	"auction-tracker/backend/internal/session"
	telemetrydomain "auction-tracker/backend/internal/telemetry/domain"
)

// Leader policy rejections, returned to the submitter like validation failures.
const (
	ReasonNotLeading        = "bid does not replace the current leader"
	ReasonPolicyUnavailable = "leader policy unavailable"
)

var emptyObject = json.RawMessage("{}")

// Publish relays e to every authenticated session and returns how many connections it was
// enqueued to. NEW_BID events are validated against sender first and, once accepted, recorded
// as the auction's leader; a rejected bid returns a *validation.ValidationError and reaches
// nobody. Other event types are relayed without validation.
func (b *Broker) Publish(ctx context.Context, sender string, e eventdomain.Event) (int, error) {
	ctx, span := b.tracer.Start(ctx, "broker.Publish", trace.WithAttributes(attribute.String("event.type", e.Type)))
	defer span.End()

	n, err := b.publish(ctx, sender, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int("event.receivers", n))
	return n, nil
}

func (b *Broker) publish(ctx context.Context, sender string, e eventdomain.Event) (int, error) {
	if err := b.allow(sender); err != nil {
		return 0, err
	}
	variant, err := eventdomain.Classify(e)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if d := bytes.TrimSpace(e.Data); len(d) == 0 || bytes.Equal(d, []byte("null")) {
		e.Data = emptyObject
	}
	b.sessions.Touch(sender)

	if bid, ok := variant.(eventdomain.NewBid); ok {
		return b.publishBid(ctx, sender, e, bid)
	}

	auctionID := ""
	switch v := variant.(type) {
	case eventdomain.NewAuction:
		auctionID = v.AuctionID
	case eventdomain.AuctionEnded:
		auctionID = v.AuctionID
	}
	n := b.fanout(e)
	b.relayed(ctx, sender, e, telemetrydomain.EventEventRelayed, auctionID, n)
	return n, nil
}

func (b *Broker) publishBid(ctx context.Context, sender string, e eventdomain.Event, ev eventdomain.NewBid) (int, error) {
	bid, err := b.validator.ValidateEvent(ctx, sender, ev.Data)
	if err != nil {
		b.rejected(ctx, sender, bid, err)
		return 0, err
	}
	rec := &auctiondomain.LeaderRecord{
		AuctionID:       bid.AuctionID,
		LeaderPseudonym: bid.PseudonymID,
		Amount:          identitydomain.Stringify(bid.Amount),
		TxHash:          bid.TxHash,
		UpdatedAt:       b.nowF().UTC(),
	}

	b.leaderMu.Lock()
	if err := b.checkPolicy(ctx, sender, rec); err != nil {
		b.leaderMu.Unlock()
		b.rejected(ctx, sender, bid, err)
		return 0, err
	}
	b.setLeader(ctx, rec)
	// Take the fan-out lock before releasing the leader lock so bids reach peers in the order
	// they became leader.
	b.fanoutMu.Lock()
	b.leaderMu.Unlock()
	n, slow := b.enqueueLocked(e)
	b.fanoutMu.Unlock()
	b.dropSlow(slow)

	log.Printf("broker: auction %s leader = %s", rec.AuctionID, rec.LeaderPseudonym)
	b.metrics.IncBidAccepted()
	b.relayed(ctx, sender, e, telemetrydomain.EventBidAccepted, rec.AuctionID, n)
	return n, nil
}

// checkPolicy must be called with leaderMu held.
func (b *Broker) checkPolicy(ctx context.Context, sender string, rec *auctiondomain.LeaderRecord) error {
	if b.policy == nil {
		return nil
	}
	in := engine.LeaderInput{
		AuctionID: rec.AuctionID,
		Bid: engine.LeaderBid{
			PseudonymID: rec.LeaderPseudonym,
			Amount:      rec.Amount,
			TxHash:      rec.TxHash,
			Sender:      sender,
		},
	}
	current, err := b.leaders.GetLeader(ctx, rec.AuctionID)
	if err != nil {
		log.Printf("broker: read leader of auction %s: %v", rec.AuctionID, err)
		return &validation.ValidationError{Reason: ReasonPolicyUnavailable, Err: err}
	}
	if current != nil {
		in.Current = &engine.CurrentLeader{PseudonymID: current.LeaderPseudonym, Amount: current.Amount}
	}
	allowed, err := b.policy.Allow(ctx, in)
	if err != nil {
		log.Printf("broker: leader policy for auction %s: %v", rec.AuctionID, err)
		return &validation.ValidationError{Reason: ReasonPolicyUnavailable, Err: err}
	}
	if !allowed {
		return &validation.ValidationError{Reason: ReasonNotLeading}
	}
	return nil
}

// setLeader records rec. Store failures are logged; the bid is still relayed.
func (b *Broker) setLeader(ctx context.Context, rec *auctiondomain.LeaderRecord) {
	err := b.leaders.SetLeader(ctx, rec)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotPersisted):
		b.metrics.IncStoreWriteFailure("leader")
		log.Printf("broker: warning: leader of auction %s kept in memory only: %v", rec.AuctionID, err)
	default:
		b.metrics.IncStoreWriteFailure("leader")
		log.Printf("broker: record leader of auction %s: %v", rec.AuctionID, err)
	}
}

func (b *Broker) rejected(ctx context.Context, sender string, bid *identitydomain.BidEnvelope, err error) {
	reason := err.Error()
	var verr *validation.ValidationError
	if errors.As(err, &verr) {
		reason = verr.Reason
	}
	auctionID := ""
	if bid != nil {
		auctionID = bid.AuctionID
	}
	log.Printf("broker: bid from %s rejected: %v", sender, err)
	b.metrics.IncBidRejected(reason)
	b.emit(ctx, &telemetrydomain.Telemetry{
		EventType:  telemetrydomain.EventBidRejected,
		IdentityID: sender,
		AuctionID:  auctionID,
		Reason:     reason,
	})
}

func (b *Broker) relayed(ctx context.Context, sender string, e eventdomain.Event, eventType, auctionID string, n int) {
	b.metrics.ObserveFanout(e.Type, n)
	if b.mirror != nil {
		if err := b.mirror.Publish(e, n); err != nil {
			log.Printf("broker: mirror %s: %v", e.Type, err)
		}
	}
	meta, _ := json.Marshal(map[string]any{"type": e.Type, "receivers": n})
	b.emit(ctx, &telemetrydomain.Telemetry{
		EventType:  eventType,
		IdentityID: sender,
		AuctionID:  auctionID,
		Metadata:   meta,
	})
}

func (b *Broker) fanout(e eventdomain.Event) int {
	b.fanoutMu.Lock()
	n, slow := b.enqueueLocked(e)
	b.fanoutMu.Unlock()
	b.dropSlow(slow)
	return n
}

// enqueueLocked must be called with fanoutMu held. Send never blocks; connections whose queue
// is full are returned for dropping.
func (b *Broker) enqueueLocked(e eventdomain.Event) (int, []session.Conn) {
	push := eventdomain.NewEventPush(e)
	var (
		n    int
		slow []session.Conn
	)
	for _, c := range b.sessions.Conns() {
		if err := c.Send(push); err != nil {
			slow = append(slow, c)
			continue
		}
		n++
	}
	return n, slow
}

func (b *Broker) dropSlow(conns []session.Conn) {
	for _, c := range conns {
		identity, _ := b.sessions.Remove(c)
		log.Printf("broker: dropping connection %s (%s): outbound queue full", c.ID(), identity)
		b.metrics.IncSlowConnDropped()
		if err := c.Close(); err != nil {
			log.Printf("broker: close %s: %v", c.ID(), err)
		}
	}
}

// SendDirect delivers {sender, payload} to target's connection only. The payload is relayed
// without inspection. ErrNotConnected when target has no session.
func (b *Broker) SendDirect(ctx context.Context, sender, target string, payload json.RawMessage) error {
	if err := b.allow(sender); err != nil {
		return err
	}
	if target == "" {
		return fmt.Errorf("%w: peer_id is required", ErrInvalidRequest)
	}
	if d := bytes.TrimSpace(payload); len(d) == 0 || bytes.Equal(d, []byte("null")) {
		payload = emptyObject
	}
	b.sessions.Touch(sender)

	conn, ok := b.sessions.Lookup(target)
	if !ok {
		b.metrics.IncDirectUnroutable()
		return ErrNotConnected
	}
	if err := conn.Send(eventdomain.DirectPush(sender, payload)); err != nil {
		b.dropSlow([]session.Conn{conn})
		b.metrics.IncDirectUnroutable()
		return ErrNotConnected
	}
	b.metrics.IncDirectSent()
	b.emit(ctx, &telemetrydomain.Telemetry{EventType: telemetrydomain.EventDirectRelayed, IdentityID: sender})
	return nil
}

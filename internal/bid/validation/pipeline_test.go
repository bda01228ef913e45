package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"auction-tracker/backend/internal/bid/bidtest"
	"auction-tracker/backend/internal/identity/domain"
	"auction-tracker/backend/internal/trustanchor"
)

type fixture struct {
	ca      *bidtest.CA
	alice   *bidtest.Identity
	bob     *bidtest.Identity
	fetcher *bidtest.Fetcher
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ca, err := bidtest.NewCA()
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	alice, err := ca.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	bob, err := ca.Issue("bob")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return &fixture{
		ca:      ca,
		alice:   alice,
		bob:     bob,
		fetcher: bidtest.NewFetcher(alice, bob),
		now:     time.Now().UTC(),
	}
}

func (f *fixture) pipeline() *Pipeline {
	return NewPipeline(f.fetcher, WithClock(func() time.Time { return f.now }))
}

// bid builds NEW_BID data for auction 3 signed by alice; mutate edits it before encoding.
func (f *fixture) bid(t *testing.T, mutate func(bid, tok map[string]any, p *bidtest.Pseudonym)) json.RawMessage {
	t.Helper()
	p, err := bidtest.NewPseudonym()
	if err != nil {
		t.Fatalf("NewPseudonym: %v", err)
	}
	tok, err := f.alice.Delegate(3, p, f.now.Add(-time.Hour), f.now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	data, err := bidtest.SignBid(p, 3, "125.5", "0xfeed", tok)
	if err != nil {
		t.Fatalf("SignBid: %v", err)
	}
	if mutate != nil {
		mutate(data, tok, p)
	}
	return bidtest.MustJSON(data)
}

func mustParse(t *testing.T, data json.RawMessage) *domain.BidEnvelope {
	t.Helper()
	bid, err := domain.ParseBidEnvelope(data)
	if err != nil {
		t.Fatalf("ParseBidEnvelope: %v", err)
	}
	return bid
}

func expectReason(t *testing.T, err error, reason string) {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if ve.Reason != reason {
		t.Errorf("Reason = %q, want %q", ve.Reason, reason)
	}
}

func TestValidateEvent_Accepts(t *testing.T) {
	f := newFixture(t)
	bid, err := f.pipeline().ValidateEvent(context.Background(), "alice", f.bid(t, nil))
	if err != nil {
		t.Fatalf("ValidateEvent: %v", err)
	}
	if bid.AuctionID != "3" {
		t.Errorf("AuctionID = %q, want 3", bid.AuctionID)
	}
	if f.fetcher.Calls() != 1 {
		t.Errorf("certificate fetches = %d, want 1", f.fetcher.Calls())
	}
}

func TestValidateEvent_TokenAsJSONString(t *testing.T) {
	f := newFixture(t)
	data := f.bid(t, func(bid, tok map[string]any, _ *bidtest.Pseudonym) {
		bid["delegation_token"] = string(bidtest.MustJSON(tok))
	})
	if _, err := f.pipeline().ValidateEvent(context.Background(), "alice", data); err != nil {
		t.Fatalf("ValidateEvent: %v", err)
	}
}

func TestValidateEvent_RSAPseudonym(t *testing.T) {
	f := newFixture(t)
	p, err := bidtest.NewRSAPseudonym()
	if err != nil {
		t.Fatalf("NewRSAPseudonym: %v", err)
	}
	tok, err := f.alice.Delegate("3", p, f.now.Add(-time.Minute), f.now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	data, err := bidtest.SignBid(p, "3", 10, "", tok)
	if err != nil {
		t.Fatalf("SignBid: %v", err)
	}
	if _, err := f.pipeline().ValidateEvent(context.Background(), "alice", bidtest.MustJSON(data)); err != nil {
		t.Fatalf("ValidateEvent: %v", err)
	}
}

func TestValidateEvent_AlteredTokenField(t *testing.T) {
	for _, field := range []string{"auction_id", "pseudonym_id", "user_cert_serial", "not_before", "not_after", "pseudonym_pubkey"} {
		t.Run(field, func(t *testing.T) {
			f := newFixture(t)
			data := f.bid(t, func(bid, tok map[string]any, _ *bidtest.Pseudonym) {
				switch field {
				case "auction_id":
					tok[field] = 4
					bid[field] = 4
				case "pseudonym_id":
					tok[field] = "other"
					bid[field] = "other"
				case "not_before":
					tok[field] = f.now.Add(-2 * time.Hour).Format("2006-01-02T15:04:05")
				case "not_after":
					tok[field] = f.now.Add(2 * time.Hour).Format("2006-01-02T15:04:05")
				default:
					tok[field] = tok[field].(string) + "A"
				}
			})
			err := f.pipeline().Validate(context.Background(), "alice", mustParse(t, data))
			if err == nil {
				t.Fatal("altered token was accepted")
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
		})
	}
}

func TestValidateEvent_ExtraTokenFieldIsSigned(t *testing.T) {
	f := newFixture(t)
	data := f.bid(t, func(_, tok map[string]any, _ *bidtest.Pseudonym) {
		tok["nonce"] = "n-1"
		if err := f.alice.SignToken(tok); err != nil {
			t.Fatalf("SignToken: %v", err)
		}
	})
	if _, err := f.pipeline().ValidateEvent(context.Background(), "alice", data); err != nil {
		t.Fatalf("re-signed token with extra field: %v", err)
	}

	tampered := f.bid(t, func(_, tok map[string]any, _ *bidtest.Pseudonym) {
		tok["nonce"] = "n-1"
	})
	_, err := f.pipeline().ValidateEvent(context.Background(), "alice", tampered)
	expectReason(t, err, ReasonDelegationSignature)
}

func TestValidateEvent_TimeWindow(t *testing.T) {
	testCases := []struct {
		name   string
		nb, na time.Duration
		ok     bool
	}{
		{"expired", -2 * time.Hour, -time.Minute, false},
		{"not yet valid", time.Minute, time.Hour, false},
		{"current", -time.Minute, time.Minute, true},
		{"starts now", 0, time.Minute, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.now = f.now.Truncate(time.Second)
			p, err := bidtest.NewPseudonym()
			if err != nil {
				t.Fatalf("NewPseudonym: %v", err)
			}
			tok, err := f.alice.Delegate(3, p, f.now.Add(tc.nb), f.now.Add(tc.na))
			if err != nil {
				t.Fatalf("Delegate: %v", err)
			}
			data, err := bidtest.SignBid(p, 3, 1, "0x1", tok)
			if err != nil {
				t.Fatalf("SignBid: %v", err)
			}
			_, err = f.pipeline().ValidateEvent(context.Background(), "alice", bidtest.MustJSON(data))
			if tc.ok {
				if err != nil {
					t.Fatalf("ValidateEvent: %v", err)
				}
				return
			}
			expectReason(t, err, ReasonOutsideWindow)
			if f.fetcher.Calls() != 0 {
				t.Errorf("certificate fetched for a token outside its window")
			}
		})
	}
}

func TestValidateEvent_Binding(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(bid map[string]any)
		reason string
	}{
		{"other auction", func(b map[string]any) { b["auction_id"] = 2 }, ReasonAuctionMismatch},
		{"auction as string still binds", func(b map[string]any) { b["auction_id"] = "3" }, ""},
		{"other pseudonym", func(b map[string]any) { b["pseudonym_id"] = "someone-else" }, ReasonPseudonymMismatch},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			data := f.bid(t, func(bid, _ map[string]any, _ *bidtest.Pseudonym) { tc.mutate(bid) })
			_, err := f.pipeline().ValidateEvent(context.Background(), "alice", data)
			if tc.reason == "" {
				// The pseudonym signature covers the literal auction_id, so only the binding passes.
				var ve *ValidationError
				if errors.As(err, &ve) && (ve.Reason == ReasonAuctionMismatch || ve.Reason == ReasonPseudonymMismatch) {
					t.Fatalf("binding rejected: %v", err)
				}
				return
			}
			expectReason(t, err, tc.reason)
		})
	}
}

func TestValidateEvent_Rejections(t *testing.T) {
	testCases := []struct {
		name   string
		sender string
		mutate func(bid, tok map[string]any, p *bidtest.Pseudonym)
		reason string
	}{
		{
			name:   "missing delegation token",
			sender: "alice",
			mutate: func(bid, _ map[string]any, _ *bidtest.Pseudonym) { delete(bid, "delegation_token") },
			reason: "missing field delegation_token",
		},
		{
			name:   "missing token field",
			sender: "alice",
			mutate: func(_, tok map[string]any, _ *bidtest.Pseudonym) { delete(tok, "not_after") },
			reason: "missing field not_after",
		},
		{
			name:   "missing pseudonym signature",
			sender: "alice",
			mutate: func(bid, _ map[string]any, _ *bidtest.Pseudonym) { delete(bid, "pseudonym_signature") },
			reason: "missing field pseudonym_signature",
		},
		{
			name:   "token is a list",
			sender: "alice",
			mutate: func(bid, _ map[string]any, _ *bidtest.Pseudonym) { bid["delegation_token"] = []any{1} },
			reason: ReasonMalformedToken,
		},
		{
			name:   "unparseable time",
			sender: "alice",
			mutate: func(_, tok map[string]any, _ *bidtest.Pseudonym) { tok["not_before"] = "yesterday" },
			reason: ReasonBadTimestamp,
		},
		{
			name:   "token delegated by someone else",
			sender: "bob",
			reason: ReasonSerialMismatch,
		},
		{
			name:   "unknown sender",
			sender: "carol",
			reason: ReasonCertificateNotFound,
		},
		{
			name:   "amount changed after signing",
			sender: "alice",
			mutate: func(bid, _ map[string]any, _ *bidtest.Pseudonym) { bid["amount"] = "999" },
			reason: ReasonPseudonymSignature,
		},
		{
			name:   "tx hash changed after signing",
			sender: "alice",
			mutate: func(bid, _ map[string]any, _ *bidtest.Pseudonym) { bid["tx_hash"] = "0xbeef" },
			reason: ReasonPseudonymSignature,
		},
		{
			name:   "garbage pseudonym key",
			sender: "alice",
			mutate: func(_, tok map[string]any, _ *bidtest.Pseudonym) { tok["pseudonym_pubkey"] = "bm90IGEga2V5" },
			reason: ReasonDelegationSignature,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			data := f.bid(t, tc.mutate)
			_, err := f.pipeline().ValidateEvent(context.Background(), tc.sender, data)
			expectReason(t, err, tc.reason)
		})
	}
}

func TestValidateEvent_PseudonymKeyUnreadable(t *testing.T) {
	f := newFixture(t)
	data := f.bid(t, func(_, tok map[string]any, _ *bidtest.Pseudonym) {
		tok["pseudonym_pubkey"] = "bm90IGEga2V5"
		if err := f.alice.SignToken(tok); err != nil {
			t.Fatalf("SignToken: %v", err)
		}
	})
	_, err := f.pipeline().ValidateEvent(context.Background(), "alice", data)
	expectReason(t, err, ReasonPseudonymKey)
}

func TestValidateEvent_CertificateReissued(t *testing.T) {
	f := newFixture(t)
	data := f.bid(t, nil)
	reissued, err := f.ca.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	f.fetcher.Replace("alice", reissued.RealIdentity())

	_, err = f.pipeline().ValidateEvent(context.Background(), "alice", data)
	expectReason(t, err, ReasonSerialMismatch)
}

func TestValidateEvent_TrustAnchorFailuresFailClosed(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		reason string
	}{
		{"unavailable", fmt.Errorf("%w: dial tcp: refused", trustanchor.ErrUnavailable), ReasonCertificateUnavailable},
		{"not found", trustanchor.ErrNotFound, ReasonCertificateNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.fetcher.FailWith(tc.err)
			_, err := f.pipeline().ValidateEvent(context.Background(), "alice", f.bid(t, nil))
			expectReason(t, err, tc.reason)
			if !errors.Is(err, tc.err) {
				t.Errorf("err = %v, want wrapping %v", err, tc.err)
			}
		})
	}
}

func TestValidateEvent_MalformedData(t *testing.T) {
	f := newFixture(t)
	for _, raw := range []string{`[]`, `"bid"`, `{`} {
		_, err := f.pipeline().ValidateEvent(context.Background(), "alice", json.RawMessage(raw))
		expectReason(t, err, ReasonMalformedBid)
	}
}

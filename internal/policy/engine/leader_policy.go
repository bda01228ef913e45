// Package engine decides with OPA Rego whether an accepted bid may replace an auction's leader.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Built-in policy modes. Any other LEADER_POLICY value is a path to a Rego file.
const (
	ModeLedger    = "ledger"
	ModeMonotonic = "monotonic"
)

const leaderQuery = "data.auction.leader.allow"

// ledgerPolicy trusts the external ledger to have enforced bid ordering: every accepted bid
// becomes the leader.
const ledgerPolicy = `package auction.leader

default allow := true
`

// monotonicPolicy only lets a bid lead when its amount exceeds the current leader's.
const monotonicPolicy = `package auction.leader

default allow := false

allow if {
	not input.current
}

allow if {
	input.current.amount == ""
}

allow if {
	to_number(input.bid.amount) > to_number(input.current.amount)
}
`

// ErrPolicyUndefined is returned when the policy yields no boolean for allow.
var ErrPolicyUndefined = errors.New("policy: allow is undefined")

// LeaderBid is the accepted bid presented to the policy.
type LeaderBid struct {
	PseudonymID string `json:"pseudonym_id"`
	Amount      string `json:"amount"`
	TxHash      string `json:"tx_hash"`
	Sender      string `json:"sender"`
}

// CurrentLeader is the auction's leader before the bid.
type CurrentLeader struct {
	PseudonymID string `json:"pseudonym_id"`
	Amount      string `json:"amount"`
}

// LeaderInput is the policy input document.
type LeaderInput struct {
	AuctionID string
	Bid       LeaderBid
	Current   *CurrentLeader
}

// LeaderPolicy evaluates a prepared Rego query. Safe for concurrent use.
type LeaderPolicy struct {
	mode  string
	query rego.PreparedEvalQuery
}

// NewLeaderPolicy compiles the policy named by name: "ledger" (or empty), "monotonic", or a path
// to a Rego module in package auction.leader that defines allow.
func NewLeaderPolicy(ctx context.Context, name string) (*LeaderPolicy, error) {
	mode := strings.TrimSpace(name)
	var module string
	switch strings.ToLower(mode) {
	case "", ModeLedger:
		mode, module = ModeLedger, ledgerPolicy
	case ModeMonotonic:
		mode, module = ModeMonotonic, monotonicPolicy
	default:
		b, err := os.ReadFile(mode)
		if err != nil {
			return nil, fmt.Errorf("policy: read %s: %w", mode, err)
		}
		module = string(b)
	}
	q, err := rego.New(
		rego.Query(leaderQuery),
		rego.Module("leader.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: compile %s: %w", mode, err)
	}
	return &LeaderPolicy{mode: mode, query: q}, nil
}

// Mode returns "ledger", "monotonic" or the policy file path.
func (p *LeaderPolicy) Mode() string { return p.mode }

// Allow reports whether the bid in in may become the auction's leader.
func (p *LeaderPolicy) Allow(ctx context.Context, in LeaderInput) (bool, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(buildInput(in)))
	if err != nil {
		return false, fmt.Errorf("policy: eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, ErrPolicyUndefined
	}
	allow, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, ErrPolicyUndefined
	}
	return allow, nil
}

// HealthCheck evaluates the compiled policy against a minimal input.
func (p *LeaderPolicy) HealthCheck(ctx context.Context) error {
	_, err := p.Allow(ctx, LeaderInput{AuctionID: "healthcheck", Bid: LeaderBid{PseudonymID: "p", Amount: "1"}})
	if errors.Is(err, ErrPolicyUndefined) {
		return fmt.Errorf("policy query returned no result")
	}
	return err
}

// buildInput omits "current" when the auction has no leader so Rego's `not input.current` holds.
func buildInput(in LeaderInput) map[string]interface{} {
	input := map[string]interface{}{
		"auction_id": in.AuctionID,
		"bid": map[string]interface{}{
			"pseudonym_id": in.Bid.PseudonymID,
			"amount":       in.Bid.Amount,
			"tx_hash":      in.Bid.TxHash,
			"sender":       in.Bid.Sender,
		},
	}
	if in.Current != nil {
		input["current"] = map[string]interface{}{
			"pseudonym_id": in.Current.PseudonymID,
			"amount":       in.Current.Amount,
		}
	}
	return input
}

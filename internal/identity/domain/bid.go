package domain

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Bid wire fields beyond the shared auction_id/pseudonym_id.
const (
	FieldAmount             = "amount"
	FieldTxHash             = "tx_hash"
	FieldPseudonymSignature = "pseudonym_signature"
	FieldDelegationToken    = "delegation_token"
	FieldTSAToken           = "tsa_token"
)

// ErrMalformedBid is returned when NEW_BID data is not a JSON object.
var ErrMalformedBid = errors.New("bid data is not a JSON object")

// BidEnvelope is a public bid as relayed by the broker. It exists only in transit.
type BidEnvelope struct {
	AuctionID          string
	PseudonymID        string
	Amount             any // json.Number or string, as sent
	TxHash             string
	PseudonymSignature []byte
	DelegationToken    json.RawMessage
	TSAToken           json.RawMessage

	fields map[string]any
}

// ParseBidEnvelope decodes NEW_BID event data. The delegation token and pseudonym signature
// must be present; the TSA token is carried opaquely.
func ParseBidEnvelope(data json.RawMessage) (*BidEnvelope, error) {
	v, err := DecodeJSON(data)
	if err != nil {
		return nil, ErrMalformedBid
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, ErrMalformedBid
	}

	b := &BidEnvelope{
		AuctionID:   Stringify(fields[FieldAuctionID]),
		PseudonymID: Stringify(fields[FieldPseudonymID]),
		Amount:      fields[FieldAmount],
		TxHash:      Stringify(fields[FieldTxHash]),
		fields:      fields,
	}

	tok, ok := fields[FieldDelegationToken]
	if !ok || tok == nil {
		return nil, &MissingFieldError{Field: FieldDelegationToken}
	}
	if b.DelegationToken, err = json.Marshal(tok); err != nil {
		return nil, ErrMalformedBid
	}
	if tsa, ok := fields[FieldTSAToken]; ok && tsa != nil {
		if b.TSAToken, err = json.Marshal(tsa); err != nil {
			return nil, ErrMalformedBid
		}
	}

	sig, _ := fields[FieldPseudonymSignature].(string)
	if sig == "" {
		return nil, &MissingFieldError{Field: FieldPseudonymSignature}
	}
	if b.PseudonymSignature, err = base64.StdEncoding.DecodeString(sig); err != nil {
		return nil, fmt.Errorf("pseudonym signature: %w", err)
	}
	return b, nil
}

// SigningPayload returns the canonical bytes the pseudonym key signs:
// {auction_id, amount, tx_hash (as string), pseudonym_id}, values as sent.
func (b *BidEnvelope) SigningPayload() ([]byte, error) {
	return Canonical(map[string]any{
		FieldAuctionID:   b.fields[FieldAuctionID],
		FieldAmount:      b.fields[FieldAmount],
		FieldTxHash:      b.TxHash,
		FieldPseudonymID: b.fields[FieldPseudonymID],
	})
}

// BidSigningPayload builds the pseudonym signing payload for a bid before it is sent.
// Clients and tests use it to produce pseudonym_signature.
func BidSigningPayload(auctionID, amount any, txHash string, pseudonymID any) ([]byte, error) {
	return Canonical(map[string]any{
		FieldAuctionID:   auctionID,
		FieldAmount:      amount,
		FieldTxHash:      txHash,
		FieldPseudonymID: pseudonymID,
	})
}

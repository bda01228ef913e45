package domain

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Delegation token wire fields.
const (
	FieldAuctionID       = "auction_id"
	FieldPseudonymID     = "pseudonym_id"
	FieldPseudonymPubKey = "pseudonym_pubkey"
	FieldUserCertSerial  = "user_cert_serial"
	FieldNotBefore       = "not_before"
	FieldNotAfter        = "not_after"
	FieldSignature       = "signature"
)

// RequiredDelegationFields lists the fields every delegation token must carry.
var RequiredDelegationFields = []string{
	FieldAuctionID,
	FieldPseudonymID,
	FieldPseudonymPubKey,
	FieldUserCertSerial,
	FieldNotBefore,
	FieldNotAfter,
	FieldSignature,
}

var (
	// ErrMalformedDelegation is returned when the token is not a JSON object (or a string holding one).
	ErrMalformedDelegation = errors.New("delegation token is not a JSON object")
	// ErrBadTimestamp is returned when not_before or not_after cannot be parsed.
	ErrBadTimestamp = errors.New("delegation token has an invalid time window")
)

// MissingFieldError reports a required field absent from a token or bid.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %s", e.Field)
}

// DelegationToken binds a pseudonym to a real identity for one auction within a validity window.
// It is signed by the identity's certificate key over the canonical encoding of every field
// except the signature, including fields the broker does not interpret.
type DelegationToken struct {
	AuctionID          string
	PseudonymID        string
	PseudonymPublicKey string // base64 of a PEM SubjectPublicKeyInfo
	CertSerial         string
	NotBefore          time.Time
	NotAfter           time.Time
	Signature          []byte

	fields map[string]any
}

// ParseDelegationToken decodes a delegation token given either as a JSON object or as a JSON
// string containing the object. Every required field must be present.
func ParseDelegationToken(raw json.RawMessage) (*DelegationToken, error) {
	v, err := DecodeJSON(raw)
	if err != nil {
		return nil, ErrMalformedDelegation
	}
	if s, ok := v.(string); ok {
		v, err = DecodeJSON([]byte(s))
		if err != nil {
			return nil, ErrMalformedDelegation
		}
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, ErrMalformedDelegation
	}
	for _, f := range RequiredDelegationFields {
		if _, ok := fields[f]; !ok {
			return nil, &MissingFieldError{Field: f}
		}
	}

	t := &DelegationToken{
		AuctionID:          Stringify(fields[FieldAuctionID]),
		PseudonymID:        Stringify(fields[FieldPseudonymID]),
		PseudonymPublicKey: Stringify(fields[FieldPseudonymPubKey]),
		CertSerial:         Stringify(fields[FieldUserCertSerial]),
		fields:             fields,
	}
	if t.NotBefore, err = parseTokenTime(fields[FieldNotBefore]); err != nil {
		return nil, err
	}
	if t.NotAfter, err = parseTokenTime(fields[FieldNotAfter]); err != nil {
		return nil, err
	}
	sig, _ := fields[FieldSignature].(string)
	if sig == "" {
		return nil, &MissingFieldError{Field: FieldSignature}
	}
	if t.Signature, err = base64.StdEncoding.DecodeString(sig); err != nil {
		return nil, fmt.Errorf("delegation signature: %w", err)
	}
	return t, nil
}

// ValidAt reports whether now lies within [NotBefore, NotAfter].
func (t *DelegationToken) ValidAt(now time.Time) bool {
	return !now.Before(t.NotBefore) && !now.After(t.NotAfter)
}

// SigningPayload returns the canonical encoding of every field except the signature.
func (t *DelegationToken) SigningPayload() ([]byte, error) {
	payload := make(map[string]any, len(t.fields))
	for k, v := range t.fields {
		if k == FieldSignature {
			continue
		}
		payload[k] = v
	}
	return Canonical(payload)
}

// PseudonymPublicKeyPEM decodes the base64 wrapper around the pseudonym's PEM public key.
func (t *DelegationToken) PseudonymPublicKeyPEM() ([]byte, error) {
	if t.PseudonymPublicKey == "" {
		return nil, &MissingFieldError{Field: FieldPseudonymPubKey}
	}
	return base64.StdEncoding.DecodeString(t.PseudonymPublicKey)
}

// Stringify renders a decoded JSON value the way tokens compare identifiers: strings as-is,
// numbers by their literal text, null as empty, anything else canonically encoded.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		b, err := Canonical(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

var tokenTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseTokenTime accepts ISO-8601 timestamps with an offset, a trailing Z, or neither (UTC).
// A trailing Z after an explicit offset is tolerated.
func parseTokenTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, ErrBadTimestamp
	}
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z")
	}
	if s == "" {
		return time.Time{}, ErrBadTimestamp
	}
	for _, layout := range tokenTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrBadTimestamp
}

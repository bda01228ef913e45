// Package validation decides whether a NEW_BID event carries a sound chain from its pseudonym
// back to the authenticated sender's real identity.
package validation

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"log"
	"time"

	"auction-tracker/backend/internal/identity/domain"
	"auction-tracker/backend/internal/security"
	"auction-tracker/backend/internal/trustanchor"
)

// Rejection reasons. They are returned to the submitting peer only.
const (
	ReasonMalformedBid           = "malformed bid"
	ReasonMalformedToken         = "malformed delegation token"
	ReasonBadTimestamp           = "invalid delegation token timestamp"
	ReasonAuctionMismatch        = "auction_id does not match delegation token"
	ReasonPseudonymMismatch      = "pseudonym_id does not match delegation token"
	ReasonOutsideWindow          = "delegation token outside validity window"
	ReasonCertificateNotFound    = "certificate not found"
	ReasonCertificateUnavailable = "certificate authority unavailable"
	ReasonSerialMismatch         = "certificate serial mismatch"
	ReasonDelegationSignature    = "invalid delegation signature"
	ReasonPseudonymKey           = "invalid pseudonym public key"
	ReasonPseudonymSignature     = "invalid pseudonym signature"
)

// ValidationError is a bid rejection. Reason is safe to show the submitter.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return "invalid bid: " + e.Reason + ": " + e.Err.Error()
	}
	return "invalid bid: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

func reject(reason string, err error) *ValidationError {
	return &ValidationError{Reason: reason, Err: err}
}

// CertificateFetcher resolves an identity to its current certificate.
type CertificateFetcher interface {
	FetchCertificate(ctx context.Context, identityID string) (*domain.RealIdentity, error)
}

// Pipeline runs the three bid checks in order and stops at the first failure.
// It holds no state beyond its collaborators and is safe for concurrent use.
type Pipeline struct {
	certs CertificateFetcher
	now   func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source used for the validity window.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline returns a Pipeline that fetches certificates from certs.
func NewPipeline(certs CertificateFetcher, opts ...Option) *Pipeline {
	p := &Pipeline{certs: certs, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ValidateEvent parses NEW_BID event data and validates it for senderIdentity.
// The parsed bid is returned on success.
func (p *Pipeline) ValidateEvent(ctx context.Context, senderIdentity string, data json.RawMessage) (*domain.BidEnvelope, error) {
	bid, err := domain.ParseBidEnvelope(data)
	if err != nil {
		var missing *domain.MissingFieldError
		if errors.As(err, &missing) {
			return nil, reject(missing.Error(), nil)
		}
		return nil, reject(ReasonMalformedBid, err)
	}
	if err := p.Validate(ctx, senderIdentity, bid); err != nil {
		return nil, err
	}
	return bid, nil
}

// Validate returns nil when bid is acceptable from senderIdentity, or a *ValidationError.
// senderIdentity is the identity of the authenticated session, never a payload field.
func (p *Pipeline) Validate(ctx context.Context, senderIdentity string, bid *domain.BidEnvelope) error {
	tok, err := p.checkStructure(bid)
	if err != nil {
		return err
	}
	if err := p.checkDelegation(ctx, senderIdentity, tok); err != nil {
		return err
	}
	return p.checkPseudonym(tok, bid)
}

func (p *Pipeline) checkStructure(bid *domain.BidEnvelope) (*domain.DelegationToken, error) {
	tok, err := domain.ParseDelegationToken(bid.DelegationToken)
	if err != nil {
		var missing *domain.MissingFieldError
		switch {
		case errors.As(err, &missing):
			return nil, reject(missing.Error(), nil)
		case errors.Is(err, domain.ErrBadTimestamp):
			return nil, reject(ReasonBadTimestamp, nil)
		default:
			return nil, reject(ReasonMalformedToken, err)
		}
	}
	if tok.AuctionID != bid.AuctionID {
		return nil, reject(ReasonAuctionMismatch, nil)
	}
	if tok.PseudonymID != bid.PseudonymID {
		return nil, reject(ReasonPseudonymMismatch, nil)
	}
	if !tok.ValidAt(p.now().UTC()) {
		return nil, reject(ReasonOutsideWindow, nil)
	}
	return tok, nil
}

func (p *Pipeline) checkDelegation(ctx context.Context, senderIdentity string, tok *domain.DelegationToken) error {
	ident, err := p.certs.FetchCertificate(ctx, senderIdentity)
	if err != nil {
		if errors.Is(err, trustanchor.ErrUnavailable) {
			log.Printf("validation: certificate for %s: %v", senderIdentity, err)
			return reject(ReasonCertificateUnavailable, err)
		}
		return reject(ReasonCertificateNotFound, err)
	}
	if ident == nil || ident.Certificate == nil || ident.CertificateSerial == "" {
		return reject(ReasonCertificateNotFound, nil)
	}
	if ident.CertificateSerial != tok.CertSerial {
		return reject(ReasonSerialMismatch, nil)
	}

	pub, ok := ident.Certificate.PublicKey.(*rsa.PublicKey)
	if !ok {
		return reject(ReasonDelegationSignature, errors.New("certificate key is not RSA"))
	}
	payload, err := tok.SigningPayload()
	if err != nil {
		return reject(ReasonMalformedToken, err)
	}
	sum := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], tok.Signature); err != nil {
		return reject(ReasonDelegationSignature, nil)
	}
	return nil
}

func (p *Pipeline) checkPseudonym(tok *domain.DelegationToken, bid *domain.BidEnvelope) error {
	pemBytes, err := tok.PseudonymPublicKeyPEM()
	if err != nil {
		return reject(ReasonPseudonymKey, err)
	}
	pub, err := security.DecodePublicKeyPEM(pemBytes)
	if err != nil {
		return reject(ReasonPseudonymKey, err)
	}
	payload, err := bid.SigningPayload()
	if err != nil {
		return reject(ReasonMalformedBid, err)
	}
	if !verifyPseudonymSignature(pub, payload, bid.PseudonymSignature) {
		return reject(ReasonPseudonymSignature, nil)
	}
	return nil
}

// verifyPseudonymSignature accepts Ed25519 keys, and RSA keys with PKCS#1 v1.5 / SHA-256.
func verifyPseudonymSignature(pub crypto.PublicKey, payload, sig []byte) bool {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return ed25519.Verify(k, payload, sig)
	case *rsa.PublicKey:
		sum := sha256.Sum256(payload)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, sum[:], sig) == nil
	default:
		return false
	}
}

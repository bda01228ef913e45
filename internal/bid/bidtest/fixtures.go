// Package bidtest builds certificate authorities, identities, pseudonyms and signed bids for tests.
package bidtest

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"auction-tracker/backend/internal/identity/domain"
	"auction-tracker/backend/internal/security"
)

const tokenTimeLayout = "2006-01-02T15:04:05.000000"

// ErrUnknownIdentity is returned by Fetcher for identities that were never added.
var ErrUnknownIdentity = errors.New("bidtest: unknown identity")

// CA is an in-memory certificate authority.
type CA struct {
	Key     *rsa.PrivateKey
	Cert    *x509.Certificate
	CertPEM []byte

	mu     sync.Mutex
	serial int64
}

// NewCA generates a self-signed CA certificate.
func NewCA() (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Auction Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &CA{
		Key:     key,
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		serial:  1000,
	}, nil
}

// Identity is a real identity holding a CA-issued certificate.
type Identity struct {
	ID      string
	Key     *rsa.PrivateKey
	Cert    *x509.Certificate
	CertPEM []byte
	Serial  string
}

// Issue creates a key pair and certificate for identityID.
func (ca *CA) Issue(identityID string) (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	ca.mu.Lock()
	ca.serial++
	serial := big.NewInt(ca.serial)
	ca.mu.Unlock()

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: identityID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Identity{
		ID:      identityID,
		Key:     key,
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Serial:  serial.String(),
	}, nil
}

// SessionToken issues an RS256 session token for identityID signed by the CA key.
func (ca *CA) SessionToken(identityID string, ttl time.Duration) (string, error) {
	tp := security.NewTokenProvider(ca.Key, "", "", ttl)
	tok, _, _, err := tp.Issue(identityID)
	return tok, err
}

// RealIdentity returns the identity as the CA client would report it.
func (id *Identity) RealIdentity() *domain.RealIdentity {
	return &domain.RealIdentity{
		IdentityID:        id.ID,
		Certificate:       id.Cert,
		CertificatePEM:    id.CertPEM,
		CertificateSerial: id.Serial,
	}
}

// Pseudonym is a per-auction bidding key pair.
type Pseudonym struct {
	ID      string
	Public  crypto.PublicKey
	private crypto.Signer
}

// NewPseudonym generates an Ed25519 pseudonym with a random hex id.
func NewPseudonym() (*Pseudonym, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Pseudonym{ID: randomID(), Public: pub, private: priv}, nil
}

// NewRSAPseudonym generates an RSA pseudonym, signed with PKCS#1 v1.5 / SHA-256.
func NewRSAPseudonym() (*Pseudonym, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &Pseudonym{ID: randomID(), Public: &key.PublicKey, private: key}, nil
}

// Sign signs payload the way bidders do.
func (p *Pseudonym) Sign(payload []byte) ([]byte, error) {
	if _, ok := p.private.(ed25519.PrivateKey); ok {
		return p.private.Sign(rand.Reader, payload, crypto.Hash(0))
	}
	sum := sha256.Sum256(payload)
	return p.private.Sign(rand.Reader, sum[:], crypto.SHA256)
}

// Delegate builds a delegation token binding p to auctionID, signed with the identity key.
// The returned map is the JSON object sent inside a bid.
func (id *Identity) Delegate(auctionID any, p *Pseudonym, notBefore, notAfter time.Time) (map[string]any, error) {
	pubPEM, err := security.EncodePublicKeyPEM(p.Public)
	if err != nil {
		return nil, err
	}
	tok := map[string]any{
		domain.FieldAuctionID:       auctionID,
		domain.FieldPseudonymID:     p.ID,
		domain.FieldPseudonymPubKey: base64.StdEncoding.EncodeToString(pubPEM),
		domain.FieldUserCertSerial:  id.Serial,
		domain.FieldNotBefore:       notBefore.UTC().Format(tokenTimeLayout),
		domain.FieldNotAfter:        notAfter.UTC().Format(tokenTimeLayout),
	}
	if err := id.SignToken(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// SignToken (re)computes the signature field over every other field of tok.
func (id *Identity) SignToken(tok map[string]any) error {
	unsigned := make(map[string]any, len(tok))
	for k, v := range tok {
		if k != domain.FieldSignature {
			unsigned[k] = v
		}
	}
	payload, err := domain.Canonical(unsigned)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, id.Key, crypto.SHA256, sum[:])
	if err != nil {
		return err
	}
	tok[domain.FieldSignature] = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// SignBid assembles NEW_BID event data for p carrying token.
func SignBid(p *Pseudonym, auctionID, amount any, txHash string, token map[string]any) (map[string]any, error) {
	payload, err := domain.BidSigningPayload(auctionID, amount, txHash, p.ID)
	if err != nil {
		return nil, err
	}
	sig, err := p.Sign(payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		domain.FieldAuctionID:          auctionID,
		domain.FieldAmount:             amount,
		domain.FieldTxHash:             txHash,
		domain.FieldPseudonymID:        p.ID,
		domain.FieldPseudonymSignature: base64.StdEncoding.EncodeToString(sig),
		domain.FieldDelegationToken:    token,
	}, nil
}

// ValidBid returns a bid on auctionID with a fresh pseudonym and a token valid for the next hour.
func (id *Identity) ValidBid(auctionID, amount any, txHash string) (map[string]any, *Pseudonym, error) {
	p, err := NewPseudonym()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	tok, err := id.Delegate(auctionID, p, now.Add(-time.Minute), now.Add(time.Hour))
	if err != nil {
		return nil, nil, err
	}
	data, err := SignBid(p, auctionID, amount, txHash, tok)
	if err != nil {
		return nil, nil, err
	}
	return data, p, nil
}

// MustJSON marshals v or panics.
func MustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Fetcher is an in-memory certificate source keyed by identity.
type Fetcher struct {
	mu    sync.Mutex
	ids   map[string]*domain.RealIdentity
	err   error
	calls int
}

// NewFetcher returns a Fetcher preloaded with ids.
func NewFetcher(ids ...*Identity) *Fetcher {
	f := &Fetcher{ids: make(map[string]*domain.RealIdentity)}
	for _, id := range ids {
		f.Add(id)
	}
	return f
}

// Add registers id's certificate.
func (f *Fetcher) Add(id *Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[id.ID] = id.RealIdentity()
}

// Replace sets the certificate reported for identityID, e.g. after re-issuance.
func (f *Fetcher) Replace(identityID string, ri *domain.RealIdentity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[identityID] = ri
}

// FailWith makes every fetch return err; nil restores normal behaviour.
func (f *Fetcher) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns how many fetches were made.
func (f *Fetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FetchCertificate implements the validation pipeline's certificate source.
func (f *Fetcher) FetchCertificate(_ context.Context, identityID string) (*domain.RealIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ri, ok := f.ids[identityID]
	if !ok {
		return nil, ErrUnknownIdentity
	}
	return ri, nil
}

func randomID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

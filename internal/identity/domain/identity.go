package domain

import (
	"crypto"
	"crypto/x509"
)

// RealIdentity is a long-lived identity issued by the CA. The broker only references it by the
// certificate and serial fetched on demand.
type RealIdentity struct {
	IdentityID        string
	Certificate       *x509.Certificate
	CertificatePEM    []byte
	CertificateSerial string
}

// PseudonymKeyPair is the public half of a per-auction pseudonym. The private key stays with the bidder.
type PseudonymKeyPair struct {
	PseudonymID string
	PublicKey   crypto.PublicKey
}

// Package trustanchor talks to the certificate authority: user certificate lookup for bid
// validation and the CA public key for session token verification.
package trustanchor

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"auction-tracker/backend/internal/identity/domain"
	"auction-tracker/backend/internal/security"
)

const (
	userCertPath = "/api/get_user_cert/"
	caCertPath   = "/api/get_ca_cert/"

	defaultTimeout   = 3 * time.Second
	maxResponseBytes = 1 << 20
)

var (
	// ErrNotFound is returned when the CA has no certificate for the identity.
	ErrNotFound = errors.New("trustanchor: certificate not found")
	// ErrUnavailable is returned when the CA cannot be reached or answers unexpectedly.
	ErrUnavailable = errors.New("trustanchor: certificate authority unavailable")
	// ErrInvalidCertificate is returned when a certificate cannot be parsed or was not issued by the CA.
	ErrInvalidCertificate = errors.New("trustanchor: invalid certificate")
)

type userCertResponse struct {
	CertificatePEM string `json:"certificate_pem"`
	SerialNumber   any    `json:"serial_number"`
}

type caCertResponse struct {
	CertificatePEM string `json:"certificate_pem"`
}

// Client is an HTTP client for the CA API. User certificates are fetched fresh on every call;
// the CA certificate is cached for the lifetime of the Client.
type Client struct {
	baseURL     string
	timeout     time.Duration
	http        *http.Client
	verifyChain bool

	mu     sync.RWMutex
	caCert *x509.Certificate
	group  singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithCACertificate pins the CA certificate; FetchCAPublicKey never calls the network.
func WithCACertificate(cert *x509.Certificate) Option {
	return func(c *Client) { c.caCert = cert }
}

// WithChainVerification requires user certificates to be signed by the CA certificate.
func WithChainVerification(on bool) Option {
	return func(c *Client) { c.verifyChain = on }
}

// NewClient returns a Client for the CA at baseURL. timeout bounds each request; zero uses 3s.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchCertificate returns the identity's current certificate and serial. Returns ErrNotFound
// when the CA does not know the identity, ErrUnavailable on transport failures.
func (c *Client) FetchCertificate(ctx context.Context, identityID string) (*domain.RealIdentity, error) {
	if strings.TrimSpace(identityID) == "" {
		return nil, ErrNotFound
	}
	var resp userCertResponse
	status, err := c.post(ctx, userCertPath, map[string]string{"username": identityID}, &resp)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusBadRequest:
		return nil, ErrNotFound
	case status != http.StatusOK:
		log.Printf("trustanchor: user certificate for %s: unexpected status %d", identityID, status)
		return nil, ErrUnavailable
	}
	if resp.CertificatePEM == "" {
		return nil, ErrNotFound
	}

	cert, err := security.ParseCertificatePEM([]byte(resp.CertificatePEM))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if c.verifyChain {
		ca, err := c.caCertificate(ctx)
		if err != nil {
			return nil, err
		}
		if err := cert.CheckSignatureFrom(ca); err != nil {
			log.Printf("trustanchor: certificate for %s not issued by CA: %v", identityID, err)
			return nil, ErrInvalidCertificate
		}
	}

	serial := domain.Stringify(resp.SerialNumber)
	if serial == "" {
		serial = cert.SerialNumber.String()
	}
	return &domain.RealIdentity{
		IdentityID:        identityID,
		Certificate:       cert,
		CertificatePEM:    []byte(resp.CertificatePEM),
		CertificateSerial: serial,
	}, nil
}

// FetchCAPublicKey returns the CA public key, fetching the CA certificate once.
func (c *Client) FetchCAPublicKey(ctx context.Context) (crypto.PublicKey, error) {
	ca, err := c.caCertificate(ctx)
	if err != nil {
		return nil, err
	}
	return ca.PublicKey, nil
}

func (c *Client) caCertificate(ctx context.Context) (*x509.Certificate, error) {
	c.mu.RLock()
	cached := c.caCert
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	// Concurrent first callers share one request; it outlives any single caller's cancellation.
	v, err, _ := c.group.Do("ca", func() (interface{}, error) {
		var resp caCertResponse
		status, err := c.post(context.WithoutCancel(ctx), caCertPath, struct{}{}, &resp)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK || resp.CertificatePEM == "" {
			log.Printf("trustanchor: CA certificate: unexpected status %d", status)
			return nil, ErrUnavailable
		}
		cert, err := security.ParseCertificatePEM([]byte(resp.CertificatePEM))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
		}
		c.mu.Lock()
		c.caCert = cert
		c.mu.Unlock()
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*x509.Certificate), nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("trustanchor: POST %s: %v", path, err)
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return resp.StatusCode, nil
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		log.Printf("trustanchor: POST %s: decode: %v", path, err)
		return resp.StatusCode, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp.StatusCode, nil
}

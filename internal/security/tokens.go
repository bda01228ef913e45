package security

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for every session token failure: malformed, bad signature,
	// expired, wrong issuer or audience, or the CA key being unavailable. Callers must not
	// distinguish between causes.
	ErrInvalidToken = errors.New("invalid token")
)

// SessionClaims holds the JWT claims of a CA-issued session token. Subject is the identity.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// KeySource supplies the CA public key used to verify session tokens.
type KeySource interface {
	FetchCAPublicKey(ctx context.Context) (crypto.PublicKey, error)
}

// StaticKeySource is a KeySource for a key known at startup.
type StaticKeySource struct {
	Key crypto.PublicKey
}

// FetchCAPublicKey returns the static key.
func (s StaticKeySource) FetchCAPublicKey(context.Context) (crypto.PublicKey, error) {
	if s.Key == nil {
		return nil, ErrInvalidKey
	}
	return s.Key, nil
}

// SessionVerifier validates session tokens against the CA public key.
type SessionVerifier struct {
	keys     KeySource
	issuer   string
	audience string
}

// NewSessionVerifier returns a verifier that checks RS256 signatures against keys.
// Empty issuer or audience skips that claim check.
func NewSessionVerifier(keys KeySource, issuer, audience string) *SessionVerifier {
	return &SessionVerifier{keys: keys, issuer: issuer, audience: audience}
}

// ValidateSessionToken parses and validates the token (signature, exp, optional iss/aud) and
// returns the identity in its subject. Any failure yields ErrInvalidToken.
func (v *SessionVerifier) ValidateSessionToken(ctx context.Context, tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrInvalidToken
	}
	pub, err := v.keys.FetchCAPublicKey(ctx)
	if err != nil {
		return "", ErrInvalidToken
	}
	if _, ok := pub.(*rsa.PublicKey); !ok {
		return "", ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			return pub, nil
		}
		return nil, ErrInvalidToken
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return "", ErrInvalidToken
	}
	if v.audience != "" {
		audOk := false
		for _, a := range claims.Audience {
			if a == v.audience {
				audOk = true
				break
			}
		}
		if !audOk {
			return "", ErrInvalidToken
		}
	}
	return claims.Subject, nil
}

// TokenProvider issues session tokens in the CA's format. The broker only verifies tokens;
// the provider serves development tooling and tests.
type TokenProvider struct {
	privateKey crypto.Signer
	issuer     string
	audience   string
	ttl        time.Duration
}

// NewTokenProvider returns a TokenProvider that signs with privateKey (RS256 or ES256).
func NewTokenProvider(privateKey crypto.Signer, issuer, audience string, ttl time.Duration) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		issuer:     issuer,
		audience:   audience,
		ttl:        ttl,
	}
}

// PublicKey returns the verification key for tokens issued by p.
func (p *TokenProvider) PublicKey() crypto.PublicKey {
	return p.privateKey.Public()
}

// Issue issues a session token for identityID. Returns the token, its jti and expiration time.
func (p *TokenProvider) Issue(identityID string) (token, jti string, expiresAt time.Time, err error) {
	return p.IssueAt(identityID, time.Now().UTC())
}

// IssueAt issues a session token as if the current time were now.
func (p *TokenProvider) IssueAt(identityID string, now time.Time) (token, jti string, expiresAt time.Time, err error) {
	jti, err = generateJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	expiresAt = now.Add(p.ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   identityID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if p.audience != "" {
		claims.Audience = jwt.ClaimStrings{p.audience}
	}
	token, err = p.sign(claims)
	return token, jti, expiresAt, err
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	t := jwt.NewWithClaims(method, claims)
	return t.SignedString(p.privateKey)
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

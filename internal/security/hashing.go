package security

import (
	"golang.org/x/crypto/bcrypt"
)

// SecretHasher hashes and verifies operator secrets (the admin bearer token) using bcrypt.
// Callers must not log or persist plaintext secrets.
type SecretHasher struct {
	Cost int
}

// NewSecretHasher returns a SecretHasher with the given bcrypt cost, clamped to bcrypt's range.
func NewSecretHasher(cost int) *SecretHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &SecretHasher{Cost: cost}
}

// Hash produces a bcrypt hash of secret suitable for ADMIN_TOKEN_HASH.
func (h *SecretHasher) Hash(secret []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(secret, h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare verifies secret against the stored hash in constant time. Returns nil on match.
func (h *SecretHasher) Compare(hash string, secret []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), secret)
}

package hashing

import (
	"golang.org/x/crypto/bcrypt"

	"twofactor-service/internal/config"
)

// Hasher wraps the credential hash comparison used by the first-factor check.
// The hashing policy itself (cost, rotation) belongs to the identity layer
// that writes the hashes; this service only verifies.
type Hasher struct {
	cost int
}

func NewHasher(cfg *config.Config) *Hasher {
	cost := bcrypt.DefaultCost
	if cfg.IsProduction() {
		cost = bcrypt.DefaultCost + 2
	}
	return &Hasher{cost: cost}
}

// Hash produces a bcrypt hash; used by fixtures and tests.
func (h *Hasher) Hash(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Compare reports whether plain matches the stored hash.
func (h *Hasher) Compare(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

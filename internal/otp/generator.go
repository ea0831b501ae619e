package otp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"go.uber.org/zap"

	"twofactor-service/internal/util"
)

// ErrRandomSourceExhausted is returned when the random source keeps failing
// after the bounded number of retries. Treated as an operational alert by
// callers, not a user-facing condition.
var ErrRandomSourceExhausted = errors.New("random source exhausted")

const maxGenerateRetries = 5

// Generator produces fixed-width numeric one-time codes from a
// cryptographically secure source.
type Generator struct {
	digits int
	reader io.Reader
}

// NewGenerator creates a generator for codes with exactly the given number of
// decimal digits (minimum 4).
func NewGenerator(digits int) *Generator {
	if digits < 4 {
		digits = 4
	}
	return &Generator{
		digits: digits,
		reader: rand.Reader,
	}
}

// NewGeneratorWithSource allows tests to inject a failing or deterministic
// random source.
func NewGeneratorWithSource(digits int, reader io.Reader) *Generator {
	g := NewGenerator(digits)
	g.reader = reader
	return g
}

// Digits returns the configured code width.
func (g *Generator) Digits() int {
	return g.digits
}

// Generate returns a uniformly distributed integer in
// [10^(digits-1), 10^digits - 1]. The retry loop is bounded: a persistently
// failing source yields ErrRandomSourceExhausted instead of recursing forever.
func (g *Generator) Generate() (int, error) {
	min := pow10(g.digits - 1)
	max := pow10(g.digits) - 1
	span := big.NewInt(max - min + 1)

	var lastErr error
	for attempt := 0; attempt < maxGenerateRetries; attempt++ {
		n, err := rand.Int(g.reader, span)
		if err != nil {
			lastErr = err
			util.Warn("Code generation attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		return int(n.Int64() + min), nil
	}

	return 0, fmt.Errorf("%w after %d attempts: %v", ErrRandomSourceExhausted, maxGenerateRetries, lastErr)
}

func pow10(exp int) int64 {
	result := int64(1)
	for i := 0; i < exp; i++ {
		result *= 10
	}
	return result
}

// Package idgen produces the short identifiers used as the join key across
// the primary, vector and graph stores.
package idgen

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/systemshift/registry/internal/core"
)

// Alphabet is the set of characters an identifier is drawn from.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	// DefaultLength is used when a request does not ask for a length.
	DefaultLength = 6

	// MaxLength bounds random identifiers.
	MaxLength = 64

	// MaxDeterministicLength is the length of a folded base64 SHA-1 digest.
	MaxDeterministicLength = 27
)

var folder = strings.NewReplacer("+", "A", "/", "B", "=", "")

// Generate returns an identifier of exactly length characters.
//
// In deterministic mode the identifier is derived from seed alone, so the
// same seed and length always yield the same identifier. Otherwise every
// character is drawn uniformly from Alphabet using crypto/rand. Collisions
// are not prevented here; the primary store's uniqueness constraint
// rejects them.
func Generate(length int, deterministic bool, seed string) (string, error) {
	if length < 1 || length > MaxLength {
		return "", fmt.Errorf("%w: length must be between 1 and %d, got %d", core.ErrInvalidArgument, MaxLength, length)
	}
	if deterministic {
		return fromSeed(length, seed)
	}
	return random(length)
}

func fromSeed(length int, seed string) (string, error) {
	if seed == "" {
		return "", fmt.Errorf("%w: a seed is required in deterministic mode", core.ErrInvalidArgument)
	}
	if length > MaxDeterministicLength {
		return "", fmt.Errorf("%w: deterministic ids are at most %d characters, got %d",
			core.ErrInvalidArgument, MaxDeterministicLength, length)
	}
	sum := sha1.Sum([]byte(seed))
	encoded := folder.Replace(base64.StdEncoding.EncodeToString(sum[:]))
	return encoded[:length], nil
}

func random(length int) (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("reading random source: %w", err)
		}
		sb.WriteByte(Alphabet[n.Int64()])
	}
	return sb.String(), nil
}

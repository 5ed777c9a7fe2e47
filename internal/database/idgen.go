package database

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

// IDAlphabet has no vowels, so generated ids cannot spell words.
const IDAlphabet = "bcdfghjklmnpqrstvwxyzBCDFGHJKLMNPQRSTVWXYZ0123456789-_"

// DefaultIDLength is the length of generated ids.
const DefaultIDLength = 5

// DefaultIDAttempts bounds the retry loop in GenerateUniqueID.
const DefaultIDAttempts = 1000

// ErrIDSpaceExhausted is returned when no free id was found within the
// attempt limit.
var ErrIDSpaceExhausted = errors.New("no unused id found")

// Existence reports whether an id is already taken.
type Existence interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// IDOptions controls GenerateUniqueID.
type IDOptions struct {
	Length      int
	Denylist    []string
	MaxAttempts int
}

// randIndex returns a uniform index in [0, n).
var randIndex = rand.IntN

// RandomID returns a random id of the given length drawn from IDAlphabet.
func RandomID(length int) string {
	var b strings.Builder
	b.Grow(length)
	for range length {
		b.WriteByte(IDAlphabet[randIndex(len(IDAlphabet))])
	}
	return b.String()
}

// GenerateUniqueID draws random ids until one is unused and free of any
// denylisted substring (compared case-insensitively).
func GenerateUniqueID(ctx context.Context, store Existence, opts IDOptions) (string, error) {
	length := opts.Length
	if length <= 0 {
		length = DefaultIDLength
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultIDAttempts
	}
	deny := make([]string, 0, len(opts.Denylist))
	for _, d := range opts.Denylist {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			deny = append(deny, d)
		}
	}

	for range attempts {
		id := RandomID(length)
		if denied(id, deny) {
			continue
		}
		exists, err := store.Exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("generate id after %d attempts: %w", attempts, ErrIDSpaceExhausted)
}

func denied(id string, deny []string) bool {
	lower := strings.ToLower(id)
	for _, d := range deny {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

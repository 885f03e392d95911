package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// TimestampLayout is ISO-8601 UTC with second precision and a Z suffix.
const TimestampLayout = "2006-01-02T15:04:05Z"

// NonceBytes is the amount of randomness in a nonce (128 bits).
const NonceBytes = 16

// Freshness is the replay-protection pair merged into every signed document.
type Freshness struct {
	IssuedAt time.Time
	Nonce    string
}

// NewFreshness stamps now (truncated to the second, in UTC) and draws a new
// nonce from r. A nil r means crypto/rand.
func NewFreshness(now time.Time, r io.Reader) (Freshness, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, NonceBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Freshness{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return Freshness{
		IssuedAt: now.UTC().Truncate(time.Second),
		Nonce:    hex.EncodeToString(buf),
	}, nil
}

// Timestamp renders IssuedAt in TimestampLayout.
func (f Freshness) Timestamp() string {
	return f.IssuedAt.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a TimestampLayout string.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

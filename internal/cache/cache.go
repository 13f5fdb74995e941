// Package cache stores rendered gamification summaries keyed by user and UTC
// day. Entries are invalidated by the engine after every committed XP change.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss is returned when no live entry exists.
	ErrCacheMiss = errors.New("cache: key not found")
	// ErrCacheKeyEmpty is returned when the user id or day key is empty.
	ErrCacheKeyEmpty = errors.New("cache: key cannot be empty")
)

const (
	PrefixSummary = "summary:"

	DefaultSummaryTTL = 2 * time.Minute
)

// SummaryCache holds serialized summaries. Values are opaque bytes.
type SummaryCache interface {
	Get(ctx context.Context, userID, dayKey string) ([]byte, error)
	Set(ctx context.Context, userID, dayKey string, value []byte) error
	Invalidate(ctx context.Context, userID string) error
}

// SummaryKey returns the hash key holding all cached days of a user.
func SummaryKey(userID string) string {
	return PrefixSummary + userID
}

func validateKey(userID, dayKey string) error {
	if userID == "" || dayKey == "" {
		return ErrCacheKeyEmpty
	}
	return nil
}

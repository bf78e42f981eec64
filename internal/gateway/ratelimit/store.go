package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Window durations for the two enforced ceilings.
const (
	MinuteWindow = time.Minute
	DayWindow    = 24 * time.Hour
)

// Window is the state of one rate-limit counter.
type Window struct {
	Count   int64
	ResetAt time.Time
}

// Store is an atomic increment-with-expiry counter keyed by principal and
// window kind. Increment must be atomic: concurrent callers in the same
// window may never jointly observe counts that allow exceeding a ceiling.
type Store interface {
	// Increment bumps the counter at key, creating a fresh window (count 1,
	// reset now+window) if none exists or the previous one has expired.
	Increment(ctx context.Context, key string, window time.Duration) (Window, error)

	// Get returns the current window for key without modifying it. ok is
	// false when no live window exists.
	Get(ctx context.Context, key string) (Window, bool, error)
}

// MinuteKey and DayKey build the store keys for a principal's two windows.
func MinuteKey(principalID string) string { return fmt.Sprintf("rate:minute:%s", principalID) }
func DayKey(principalID string) string    { return fmt.Sprintf("rate:day:%s", principalID) }

// Package policy holds the pure lockout and freshness decisions. Nothing in
// here touches storage or the clock; callers pass now explicitly.
package policy

import (
	"math"
	"time"
)

// Decision is the outcome of evaluating a user's block state at a point in
// time. RemainingMinutes is whole minutes rounded up, for display.
type Decision struct {
	Blocked          bool
	RemainingMinutes int
}

// Evaluate reports whether a user is currently locked out. A user is locked
// out iff the record is marked blocked and the block is still inside the
// window. A stale block record is reported as not locked but is NOT cleared
// here; clearing is an explicit ledger action.
func Evaluate(blocked bool, blockedAt *time.Time, now time.Time, window time.Duration) Decision {
	if !blocked || blockedAt == nil {
		return Decision{}
	}

	elapsed := now.Sub(*blockedAt)
	if elapsed >= window {
		return Decision{}
	}

	remaining := window - elapsed
	minutes := int(math.Ceil(remaining.Seconds() / 60))

	return Decision{
		Blocked:          true,
		RemainingMinutes: minutes,
	}
}

// Fresh reports whether something created at createdAt is still inside the
// window at now. Shared by code freshness (2m) and lockout freshness (5m).
func Fresh(createdAt, now time.Time, window time.Duration) bool {
	return now.Sub(createdAt) < window
}

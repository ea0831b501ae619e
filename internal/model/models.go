package model

import (
	"context"
	"time"
)

// -------------------- USER SECURITY RECORD --------------------

// User carries the per-user second-factor security state. The credential
// fields themselves are owned by the surrounding identity layer; this service
// reads and mutates only the attempt counter and block fields.
//
// Invariant: Blocked == true implies BlockedAt != nil, and Blocked == false
// implies BlockedAt == nil. The two fields always move together.
type User struct {
	UserBucket   int        `json:"user_bucket" db:"user_bucket"`
	UserID       string     `json:"user_id" db:"user_id"` // UUID
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	LoginAttempt int        `json:"login_attempt" db:"login_attempt"` // 0..MaxAttempts-1
	Blocked      bool       `json:"blocked" db:"blocked"`
	BlockedAt    *time.Time `json:"blocked_at,omitempty" db:"blocked_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// -------------------- AUTHENTICATION CODE --------------------

// AuthenticationCode is one issued one-time code. Rows are append-only:
// created on every issuance, never updated, removed only by explicit cleanup.
type AuthenticationCode struct {
	CodeID    string    `json:"code_id" db:"code_id"` // UUID
	UserID    string    `json:"user_id" db:"user_id"`
	Code      int       `json:"code" db:"code"` // fixed-width numeric, as issued
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// -------------------- SECURITY EVENTS --------------------

const (
	EventCodeIssued            = "code_issued"
	EventVerificationFailed    = "verification_failed"
	EventVerificationSucceeded = "verification_succeeded"
	EventUserBlocked           = "user_blocked"
	EventUserUnblocked         = "user_unblocked"
)

// SecurityEvent is published to the event stream for each notable transition.
type SecurityEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	UserID    string    `json:"user_id"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// VerificationAttempt is the audit-trail row recorded for every code
// submission, successful or not.
type VerificationAttempt struct {
	UserID      string    `json:"user_id"`
	Outcome     string    `json:"outcome"` // accepted | invalid | expired | locked_out | empty
	AttemptedAt time.Time `json:"attempted_at"`
}

// -------------------- REPOSITORY INTERFACES --------------------

// UserRepository exposes the attempt-ledger mutations on the user security
// record. Implementations must serialize mutations per user; a plain
// read-modify-write without isolation is a correctness bug.
type UserRepository interface {
	GetUserByID(ctx context.Context, userID string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	// IncrementLoginAttempt atomically bumps the failed-attempt counter and
	// returns the new count.
	IncrementLoginAttempt(ctx context.Context, userID string) (int, error)
	// ResetRestriction zeroes the counter and clears the block fields.
	ResetRestriction(ctx context.Context, userID string) error
	// MarkBlocked sets blocked and blocked_at together and zeroes the counter.
	MarkBlocked(ctx context.Context, userID string, at time.Time) error
	ClearBlock(ctx context.Context, userID string) error
}

// CodeRepository is the append-only store of issued codes.
type CodeRepository interface {
	Issue(ctx context.Context, code *AuthenticationCode) error
	// FindMatch returns the first row matching the (userID, code) pair, or nil
	// when no row matches. Tie-break among duplicate codes is
	// implementation-defined.
	FindMatch(ctx context.Context, userID string, code int) (*AuthenticationCode, error)
	// DeleteForUser removes every code issued to the user. Invoked only as an
	// explicit cleanup, never as a side effect of validation.
	DeleteForUser(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context, olderThan time.Duration) (int, error)
}

// -------------------- COLLABORATOR INTERFACES --------------------

// Notifier delivers an issued code over the notification channel. A delivery
// failure must not invalidate the already-persisted code.
type Notifier interface {
	SendCode(ctx context.Context, user *User, code int) error
}

// EventPublisher emits security events; best effort, failures are logged.
type EventPublisher interface {
	Publish(ctx context.Context, event *SecurityEvent) error
}

// AttemptRecorder sinks verification attempts into the audit store.
type AttemptRecorder interface {
	Record(attempt *VerificationAttempt)
}

// UserLocker serializes the submit path per user across instances.
type UserLocker interface {
	Acquire(ctx context.Context, userID string, ttl time.Duration) (release func(), err error)
}

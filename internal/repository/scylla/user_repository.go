package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"twofactor-service/internal/bucketing"
	"twofactor-service/internal/model"
	"twofactor-service/internal/util"
)

var (
	ErrUserNotFound = errors.New("user not found")

	// ErrRecordCorrupted signals a violation of the blocked/blocked_at
	// invariant. This is a storage-layer bug, not a user-facing condition.
	ErrRecordCorrupted = errors.New("user security record corrupted")
)

const casRetries = 5

// UserRepository implements the attempt ledger on top of the users table.
// Counter mutations go through lightweight transactions so concurrent failed
// attempts for the same user never lose updates.
type UserRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewUserRepository(client *ScyllaClient, bucketingMgr *bucketing.BucketingManager, logger *zap.Logger) *UserRepository {
	return &UserRepository{
		client:    client,
		bucketing: bucketingMgr,
	}
}

// CreateUser inserts a user row plus the email lookup row. Used by fixtures
// and provisioning; the identity layer owns the credential fields.
func (r *UserRepository) CreateUser(ctx context.Context, user *model.User) error {
	user.UserBucket = r.bucketing.GetUserBucket(user.UserID)
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	var blockedAt interface{}
	if user.BlockedAt != nil {
		blockedAt = *user.BlockedAt
	}

	query := r.client.Prepared.CreateUser.WithContext(ctx).Bind(
		user.UserBucket, user.UserID, user.Email, user.PasswordHash,
		user.LoginAttempt, user.Blocked, blockedAt, user.CreatedAt)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	lookup := r.client.Prepared.CreateEmailToUser.WithContext(ctx).Bind(
		user.Email, user.UserBucket, user.UserID)
	if err := r.client.ExecuteWithRetry(lookup, 2); err != nil {
		return fmt.Errorf("failed to create email lookup: %w", err)
	}

	return nil
}

func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*model.User, error) {
	bucket := r.bucketing.GetUserBucket(userID)
	return r.scanUser(ctx, bucket, userID)
}

func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var bucket int
	var userID string

	query := r.client.Prepared.GetUserByEmail.WithContext(ctx).Bind(email)
	if err := r.client.ScanWithRetry(query, &bucket, &userID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to look up user by email: %w", err)
	}

	return r.scanUser(ctx, bucket, userID)
}

func (r *UserRepository) scanUser(ctx context.Context, bucket int, userID string) (*model.User, error) {
	user := &model.User{}
	var blockedAt time.Time

	query := r.client.Prepared.GetUserByID.WithContext(ctx).Bind(bucket, userID)
	err := r.client.ScanWithRetry(query,
		&user.UserBucket, &user.UserID, &user.Email, &user.PasswordHash,
		&user.LoginAttempt, &user.Blocked, &blockedAt, &user.CreatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if !blockedAt.IsZero() {
		t := blockedAt.UTC()
		user.BlockedAt = &t
	}

	// blocked and blocked_at always move together; a mismatch means the
	// storage layer misbehaved.
	if user.Blocked && user.BlockedAt == nil {
		util.Error("Blocked user has no blocked_at timestamp",
			zap.String("user_id", userID))
		return nil, ErrRecordCorrupted
	}

	return user, nil
}

// IncrementLoginAttempt bumps the failed-attempt counter through a
// compare-and-swap loop and returns the new count.
func (r *UserRepository) IncrementLoginAttempt(ctx context.Context, userID string) (int, error) {
	bucket := r.bucketing.GetUserBucket(userID)

	for attempt := 0; attempt < casRetries; attempt++ {
		var current int
		err := r.client.Session.Query(
			`SELECT login_attempt FROM users WHERE user_bucket = ? AND user_id = ?`,
			bucket, userID).WithContext(ctx).Scan(&current)
		if err != nil {
			if err == gocql.ErrNotFound {
				return 0, ErrUserNotFound
			}
			return 0, fmt.Errorf("failed to read login attempt: %w", err)
		}

		next := current + 1
		var previous int
		applied, err := r.client.Session.Query(
			`UPDATE users SET login_attempt = ? WHERE user_bucket = ? AND user_id = ? IF login_attempt = ?`,
			next, bucket, userID, current).WithContext(ctx).ScanCAS(&previous)
		if err != nil {
			return 0, fmt.Errorf("failed to increment login attempt: %w", err)
		}
		if applied {
			util.Debug("Login attempt incremented",
				zap.String("user_id", userID),
				zap.Int("count", next))
			return next, nil
		}
		// Lost the race; re-read and retry.
	}

	return 0, fmt.Errorf("failed to increment login attempt for user %s: too much contention", userID)
}

// ResetRestriction zeroes the counter and clears both block fields in one
// mutation, keeping the invariant intact.
func (r *UserRepository) ResetRestriction(ctx context.Context, userID string) error {
	bucket := r.bucketing.GetUserBucket(userID)

	query := r.client.Prepared.ResetRestriction.WithContext(ctx).Bind(bucket, userID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to reset user restriction: %w", err)
	}

	util.Info("User restriction reset", zap.String("user_id", userID))
	return nil
}

// MarkBlocked sets blocked and blocked_at together and zeroes the counter.
func (r *UserRepository) MarkBlocked(ctx context.Context, userID string, at time.Time) error {
	bucket := r.bucketing.GetUserBucket(userID)

	query := r.client.Prepared.MarkBlocked.WithContext(ctx).Bind(at.UTC(), bucket, userID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to mark user blocked: %w", err)
	}

	util.Warn("User blocked after repeated failed attempts",
		zap.String("user_id", userID),
		zap.Time("blocked_at", at))
	return nil
}

func (r *UserRepository) ClearBlock(ctx context.Context, userID string) error {
	bucket := r.bucketing.GetUserBucket(userID)

	query := r.client.Prepared.ClearBlock.WithContext(ctx).Bind(bucket, userID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to clear user block: %w", err)
	}

	util.Info("User block cleared", zap.String("user_id", userID))
	return nil
}

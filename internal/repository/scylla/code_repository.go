package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"twofactor-service/internal/model"
	"twofactor-service/internal/util"
)

// CodeRepository is the append-only store of issued authentication codes.
// Issue never touches prior rows; deletion happens only through the explicit
// cleanup operations.
type CodeRepository struct {
	client *ScyllaClient
}

func NewCodeRepository(client *ScyllaClient, logger *zap.Logger) *CodeRepository {
	return &CodeRepository{client: client}
}

func (r *CodeRepository) Issue(ctx context.Context, code *model.AuthenticationCode) error {
	if code.CodeID == "" {
		code.CodeID = uuid.New().String()
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}

	query := r.client.Prepared.IssueCode.WithContext(ctx).Bind(
		code.UserID, code.CodeID, code.Code, code.CreatedAt)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to persist authentication code",
			zap.String("user_id", code.UserID),
			zap.String("code_id", code.CodeID),
			zap.Error(err))
		return fmt.Errorf("failed to persist authentication code: %w", err)
	}

	util.Info("Authentication code issued",
		zap.String("user_id", code.UserID),
		zap.String("code_id", code.CodeID),
		zap.Time("created_at", code.CreatedAt))
	return nil
}

// FindMatch returns the first row matching the (userID, code) pair, or nil
// when none matches. Multiple rows with the same digits may coexist for a
// user; which one wins is implementation-defined.
func (r *CodeRepository) FindMatch(ctx context.Context, userID string, code int) (*model.AuthenticationCode, error) {
	match := &model.AuthenticationCode{}

	query := r.client.Prepared.FindCodeMatch.WithContext(ctx).Bind(userID, code)
	err := query.Scan(&match.UserID, &match.CodeID, &match.Code, &match.CreatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find code match: %w", err)
	}

	return match, nil
}

// DeleteForUser removes every code issued to the user. Only invoked as an
// explicit cleanup step.
func (r *CodeRepository) DeleteForUser(ctx context.Context, userID string) error {
	query := r.client.Prepared.DeleteCodesForUser.WithContext(ctx).Bind(userID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to delete codes for user: %w", err)
	}

	util.Info("Old authentication codes removed", zap.String("user_id", userID))
	return nil
}

// DeleteExpired removes codes older than the cutoff in unlogged batches and
// returns the number of rows deleted.
func (r *CodeRepository) DeleteExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	iter := r.client.Session.Query(`
        SELECT user_id, code_id FROM authentication_codes
        WHERE created_at < ? ALLOW FILTERING`, cutoff).WithContext(ctx).Iter()

	var userID, codeID string
	deleted := 0

	batch := r.client.Session.NewBatch(gocql.UnloggedBatch)
	batchSize := 0

	for iter.Scan(&userID, &codeID) {
		batch.Query(`DELETE FROM authentication_codes WHERE user_id = ? AND code_id = ?`, userID, codeID)
		batchSize++

		if batchSize >= 100 {
			if err := r.client.ExecuteBatch(batch); err != nil {
				iter.Close()
				return deleted, fmt.Errorf("failed to delete expired codes: %w", err)
			}
			deleted += batchSize
			batch = r.client.Session.NewBatch(gocql.UnloggedBatch)
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if err := r.client.ExecuteBatch(batch); err != nil {
			iter.Close()
			return deleted, fmt.Errorf("failed to delete expired codes: %w", err)
		}
		deleted += batchSize
	}

	if err := iter.Close(); err != nil {
		return deleted, fmt.Errorf("failed to sweep expired codes: %w", err)
	}

	util.Info("Expired authentication codes deleted", zap.Int("deleted_count", deleted))
	return deleted, nil
}

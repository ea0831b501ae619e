package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"twofactor-service/internal/auth"
	"twofactor-service/internal/config"
	"twofactor-service/internal/model"
	"twofactor-service/internal/otp"
	"twofactor-service/internal/policy"
	"twofactor-service/internal/util"
)

var (
	ErrEmptyCode               = errors.New("the code is empty")
	ErrNotAwaitingVerification = errors.New("not awaiting second-factor verification")
	ErrCodeInvalid             = errors.New("the code is not valid")
	ErrCodeExpired             = errors.New("the code is expired")
)

// LockedOutError is returned while the lockout window is still running.
// Repeated attempts during the window do not touch the attempt ledger.
type LockedOutError struct {
	RemainingMinutes int
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("the maximum number of login attempts has been reached, try again in %d minutes", e.RemainingMinutes)
}

const submitLockTTL = 10 * time.Second

// SecondFactorService orchestrates the one-time-code lifecycle: issuance,
// verification, attempt accounting, and lockout transitions.
type SecondFactorService struct {
	users     model.UserRepository
	codes     model.CodeRepository
	generator *otp.Generator
	notifier  model.Notifier
	publisher model.EventPublisher
	recorder  model.AttemptRecorder
	locker    model.UserLocker
	cfg       config.AuthConfig
	logger    *zap.Logger

	// now is swappable so tests can pin the clock.
	now func() time.Time
}

func NewSecondFactorService(
	users model.UserRepository,
	codes model.CodeRepository,
	generator *otp.Generator,
	notifier model.Notifier,
	publisher model.EventPublisher,
	recorder model.AttemptRecorder,
	locker model.UserLocker,
	cfg config.AuthConfig,
	logger *zap.Logger,
) *SecondFactorService {
	return &SecondFactorService{
		users:     users,
		codes:     codes,
		generator: generator,
		notifier:  notifier,
		publisher: publisher,
		recorder:  recorder,
		locker:    locker,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// IssueCode generates a code, persists it, and dispatches it through the
// notifier. The code row stays valid even when delivery fails; the transport
// error is surfaced alongside the issued code so the caller can decide.
func (s *SecondFactorService) IssueCode(ctx context.Context, user *model.User) (*model.AuthenticationCode, error) {
	code, err := s.generator.Generate()
	if err != nil {
		// Generation failure is an operational problem, not a user mistake.
		s.logger.Error("Code generation failed",
			util.String("user_id", user.UserID),
			util.ErrorField(err))
		return nil, err
	}

	issued := &model.AuthenticationCode{
		UserID:    user.UserID,
		Code:      code,
		CreatedAt: s.now().UTC(),
	}
	if err := s.codes.Issue(ctx, issued); err != nil {
		return nil, err
	}

	s.publish(ctx, model.EventCodeIssued, user.UserID, "")

	if err := s.notifier.SendCode(ctx, user, code); err != nil {
		// The persisted code remains valid; only delivery failed.
		return issued, err
	}

	return issued, nil
}

// Submit verifies a submitted code for the pending user of authCtx and
// applies the lockout consequences. The ledger read and its eventual mutation
// run inside one per-user lock so parallel attempts cannot lose updates.
func (s *SecondFactorService) Submit(ctx context.Context, authCtx *auth.Context, submitted string) (*model.User, error) {
	userID := authCtx.PendingUserID
	if !authCtx.AwaitingCodeFor(userID) || userID == "" {
		return nil, ErrNotAwaitingVerification
	}

	// Empty input is rejected before any lockout evaluation and without any
	// state mutation.
	submitted = strings.TrimSpace(submitted)
	if submitted == "" {
		return nil, ErrEmptyCode
	}

	release, err := s.locker.Acquire(ctx, userID, submitLockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()

	decision := policy.Evaluate(user.Blocked, user.BlockedAt, now, s.cfg.LockoutWindow)
	if decision.Blocked {
		// No ledger mutation while the window runs; repeated attempts must
		// not extend the block.
		s.record(userID, "locked_out", now)
		return nil, &LockedOutError{RemainingMinutes: decision.RemainingMinutes}
	}

	// Non-numeric input can never match an issued code.
	codeValue, convErr := strconv.Atoi(submitted)
	if convErr != nil {
		return nil, s.handleFailure(ctx, userID, ErrCodeInvalid, now)
	}

	match, err := s.codes.FindMatch(ctx, userID, codeValue)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, s.handleFailure(ctx, userID, ErrCodeInvalid, now)
	}
	if !policy.Fresh(match.CreatedAt, now, s.cfg.CodeTTL) {
		return nil, s.handleFailure(ctx, userID, ErrCodeExpired, now)
	}

	// Success: reset the ledger and clear the block regardless of their
	// prior values.
	if err := s.users.ResetRestriction(ctx, userID); err != nil {
		return nil, err
	}
	if s.cfg.CleanupOnSuccess {
		if err := s.codes.DeleteForUser(ctx, userID); err != nil {
			util.Warn("Old code cleanup failed",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	if err := authCtx.Authenticate(); err != nil {
		return nil, err
	}

	s.record(userID, "accepted", now)
	s.publish(ctx, model.EventVerificationSucceeded, userID, "")

	s.logger.Info("Second factor verified",
		util.String("user_id", userID))

	return user, nil
}

// handleFailure increments the ledger and blocks the user once the threshold
// is reached. The original validation failure is always propagated.
func (s *SecondFactorService) handleFailure(ctx context.Context, userID string, cause error, now time.Time) error {
	outcome := "invalid"
	if errors.Is(cause, ErrCodeExpired) {
		outcome = "expired"
	}
	s.record(userID, outcome, now)
	s.publish(ctx, model.EventVerificationFailed, userID, outcome)

	count, err := s.users.IncrementLoginAttempt(ctx, userID)
	if err != nil {
		util.Error("Failed to increment attempt ledger",
			zap.String("user_id", userID),
			zap.Error(err))
		return cause
	}

	if count >= s.cfg.MaxAttempts {
		// MarkBlocked zeroes the counter and stamps blocked_at in one
		// mutation.
		if err := s.users.MarkBlocked(ctx, userID, now); err != nil {
			util.Error("Failed to block user",
				zap.String("user_id", userID),
				zap.Error(err))
			return cause
		}
		s.publish(ctx, model.EventUserBlocked, userID, "")
	}

	return cause
}

// Restriction reports whether the user is currently locked out, for display
// before a submission is even attempted.
func (s *SecondFactorService) Restriction(ctx context.Context, userID string) (policy.Decision, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return policy.Decision{}, err
	}
	return policy.Evaluate(user.Blocked, user.BlockedAt, s.now(), s.cfg.LockoutWindow), nil
}

// Reset clears the user's restriction state. With cleanOldCodes it also
// removes every code issued to the user; cleanup never happens implicitly.
func (s *SecondFactorService) Reset(ctx context.Context, userID string, cleanOldCodes bool) error {
	if cleanOldCodes {
		if err := s.codes.DeleteForUser(ctx, userID); err != nil {
			return err
		}
	}
	if err := s.users.ResetRestriction(ctx, userID); err != nil {
		return err
	}
	s.publish(ctx, model.EventUserUnblocked, userID, "")
	return nil
}

// CleanupExpiredCodes sweeps code rows older than the cutoff. Explicitly
// invoked, never scheduled implicitly.
func (s *SecondFactorService) CleanupExpiredCodes(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.codes.DeleteExpired(ctx, olderThan)
}

func (s *SecondFactorService) publish(ctx context.Context, eventType, userID, detail string) {
	event := &model.SecurityEvent{
		EventType: eventType,
		UserID:    userID,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		util.Warn("Failed to publish security event",
			zap.String("event_type", eventType),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func (s *SecondFactorService) record(userID, outcome string, at time.Time) {
	s.recorder.Record(&model.VerificationAttempt{
		UserID:      userID,
		Outcome:     outcome,
		AttemptedAt: at.UTC(),
	})
}

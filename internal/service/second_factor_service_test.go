package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"twofactor-service/internal/auth"
	"twofactor-service/internal/config"
	"twofactor-service/internal/model"
	"twofactor-service/internal/otp"
)

// -------------------- in-memory fakes --------------------

type fakeUsers struct {
	users map[string]*model.User
}

func (f *fakeUsers) GetUserByID(ctx context.Context, userID string) (*model.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, errors.New("user not found")
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUsers) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, errors.New("user not found")
}

func (f *fakeUsers) IncrementLoginAttempt(ctx context.Context, userID string) (int, error) {
	u := f.users[userID]
	u.LoginAttempt++
	return u.LoginAttempt, nil
}

func (f *fakeUsers) ResetRestriction(ctx context.Context, userID string) error {
	u := f.users[userID]
	u.LoginAttempt = 0
	u.Blocked = false
	u.BlockedAt = nil
	return nil
}

func (f *fakeUsers) MarkBlocked(ctx context.Context, userID string, at time.Time) error {
	u := f.users[userID]
	u.LoginAttempt = 0
	u.Blocked = true
	stamped := at
	u.BlockedAt = &stamped
	return nil
}

func (f *fakeUsers) ClearBlock(ctx context.Context, userID string) error {
	u := f.users[userID]
	u.Blocked = false
	u.BlockedAt = nil
	return nil
}

type fakeCodes struct {
	rows []*model.AuthenticationCode
}

func (f *fakeCodes) Issue(ctx context.Context, code *model.AuthenticationCode) error {
	copied := *code
	f.rows = append(f.rows, &copied)
	return nil
}

func (f *fakeCodes) FindMatch(ctx context.Context, userID string, code int) (*model.AuthenticationCode, error) {
	for _, row := range f.rows {
		if row.UserID == userID && row.Code == code {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeCodes) DeleteForUser(ctx context.Context, userID string) error {
	kept := f.rows[:0]
	for _, row := range f.rows {
		if row.UserID != userID {
			kept = append(kept, row)
		}
	}
	f.rows = kept
	return nil
}

func (f *fakeCodes) DeleteExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	kept := f.rows[:0]
	deleted := 0
	for _, row := range f.rows {
		if row.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	f.rows = kept
	return deleted, nil
}

type fakeNotifier struct {
	sent []int
	err  error
}

func (f *fakeNotifier) SendCode(ctx context.Context, user *model.User, code int) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, code)
	return nil
}

type fakePublisher struct {
	events []*model.SecurityEvent
}

func (f *fakePublisher) Publish(ctx context.Context, event *model.SecurityEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) byType(eventType string) int {
	n := 0
	for _, e := range f.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	attempts []*model.VerificationAttempt
}

func (f *fakeRecorder) Record(attempt *model.VerificationAttempt) {
	f.attempts = append(f.attempts, attempt)
}

func (f *fakeRecorder) outcomes() []string {
	out := make([]string, 0, len(f.attempts))
	for _, a := range f.attempts {
		out = append(out, a.Outcome)
	}
	return out
}

type fakeLocker struct {
	acquired int
	released int
}

func (f *fakeLocker) Acquire(ctx context.Context, userID string, ttl time.Duration) (func(), error) {
	f.acquired++
	return func() { f.released++ }, nil
}

// -------------------- harness --------------------

type harness struct {
	service   *SecondFactorService
	users     *fakeUsers
	codes     *fakeCodes
	notifier  *fakeNotifier
	publisher *fakePublisher
	recorder  *fakeRecorder
	locker    *fakeLocker
	base      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	h := &harness{
		users: &fakeUsers{users: map[string]*model.User{
			"user-1": {
				UserID:       "user-1",
				Email:        "user1@example.com",
				PasswordHash: "irrelevant",
			},
		}},
		codes:     &fakeCodes{},
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
		recorder:  &fakeRecorder{},
		locker:    &fakeLocker{},
		base:      base,
	}

	cfg := config.AuthConfig{
		CodeDigits:       5,
		MaxAttempts:      3,
		LockoutWindow:    5 * time.Minute,
		CodeTTL:          2 * time.Minute,
		SessionTTL:       30 * time.Minute,
		CleanupOnSuccess: false,
	}

	h.service = NewSecondFactorService(
		h.users,
		h.codes,
		otp.NewGenerator(cfg.CodeDigits),
		h.notifier,
		h.publisher,
		h.recorder,
		h.locker,
		cfg,
		zap.NewNop(),
	)
	h.service.now = func() time.Time { return h.base }

	return h
}

// advance moves the pinned clock forward.
func (h *harness) advance(d time.Duration) {
	h.base = h.base.Add(d)
	h.service.now = func() time.Time { return h.base }
}

// issue plants a code row created at the current pinned time.
func (h *harness) issue(code int) {
	h.codes.rows = append(h.codes.rows, &model.AuthenticationCode{
		CodeID:    "code-1",
		UserID:    "user-1",
		Code:      code,
		CreatedAt: h.base,
	})
}

func pendingContext(userID string) *auth.Context {
	c := auth.NewContext()
	c.PassFirstFactor(userID)
	_ = c.EnterSecondStep()
	return c
}

// -------------------- issuance --------------------

func TestIssueCodePersistsAndNotifies(t *testing.T) {
	h := newHarness(t)
	user, _ := h.users.GetUserByID(context.Background(), "user-1")

	issued, err := h.service.IssueCode(context.Background(), user)
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	if issued.Code < 10000 || issued.Code > 99999 {
		t.Fatalf("issued code %d outside the 5-digit range", issued.Code)
	}
	if len(h.codes.rows) != 1 {
		t.Fatalf("stored %d code rows, want 1", len(h.codes.rows))
	}
	if len(h.notifier.sent) != 1 || h.notifier.sent[0] != issued.Code {
		t.Fatalf("notifier sent %v, want [%d]", h.notifier.sent, issued.Code)
	}
	if h.publisher.byType(model.EventCodeIssued) != 1 {
		t.Fatal("code_issued event not published")
	}
}

func TestIssueCodeTransportFailureKeepsCode(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("smtp refused")
	user, _ := h.users.GetUserByID(context.Background(), "user-1")

	issued, err := h.service.IssueCode(context.Background(), user)
	if err == nil {
		t.Fatal("IssueCode() with failing transport returned nil error")
	}
	if issued == nil {
		t.Fatal("IssueCode() dropped the issued code on transport failure")
	}
	if len(h.codes.rows) != 1 {
		t.Fatalf("stored %d code rows, want the code to survive delivery failure", len(h.codes.rows))
	}
}

func TestIssueCodeAppendOnly(t *testing.T) {
	h := newHarness(t)
	user, _ := h.users.GetUserByID(context.Background(), "user-1")

	for i := 0; i < 3; i++ {
		if _, err := h.service.IssueCode(context.Background(), user); err != nil {
			t.Fatalf("IssueCode() #%d error = %v", i+1, err)
		}
	}
	if len(h.codes.rows) != 3 {
		t.Fatalf("stored %d code rows, want 3; issuance must never delete prior codes", len(h.codes.rows))
	}
}

// -------------------- submission --------------------

func TestSubmitAcceptsFreshCode(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)
	h.advance(100 * time.Second)

	authCtx := pendingContext("user-1")
	user, err := h.service.Submit(context.Background(), authCtx, "54321")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if user == nil || user.UserID != "user-1" {
		t.Fatalf("Submit() user = %+v", user)
	}
	if !authCtx.Authenticated() {
		t.Fatal("context not authenticated after accepted code")
	}

	stored := h.users.users["user-1"]
	if stored.LoginAttempt != 0 || stored.Blocked || stored.BlockedAt != nil {
		t.Fatalf("ledger not reset after success: %+v", stored)
	}
	if got := h.recorder.outcomes(); len(got) != 1 || got[0] != "accepted" {
		t.Fatalf("recorded outcomes = %v, want [accepted]", got)
	}
	if h.publisher.byType(model.EventVerificationSucceeded) != 1 {
		t.Fatal("verification_succeeded event not published")
	}
	if len(h.codes.rows) != 1 {
		t.Fatal("success must not delete codes unless cleanup is enabled")
	}
	if h.locker.acquired != 1 || h.locker.released != 1 {
		t.Fatalf("lock acquired %d released %d, want 1/1", h.locker.acquired, h.locker.released)
	}
}

func TestSubmitCleanupOnSuccess(t *testing.T) {
	h := newHarness(t)
	h.service.cfg.CleanupOnSuccess = true
	h.issue(54321)

	if _, err := h.service.Submit(context.Background(), pendingContext("user-1"), "54321"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(h.codes.rows) != 0 {
		t.Fatalf("stored %d code rows after success with cleanup enabled, want 0", len(h.codes.rows))
	}
}

func TestSubmitExpiredCode(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)
	h.advance(130 * time.Second)

	_, err := h.service.Submit(context.Background(), pendingContext("user-1"), "54321")
	if !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("Submit() error = %v, want ErrCodeExpired", err)
	}
	if h.users.users["user-1"].LoginAttempt != 1 {
		t.Fatalf("attempt counter = %d, want 1 after expired code", h.users.users["user-1"].LoginAttempt)
	}
	if got := h.recorder.outcomes(); len(got) != 1 || got[0] != "expired" {
		t.Fatalf("recorded outcomes = %v, want [expired]", got)
	}
}

func TestSubmitCodeAtBoundaryIsExpired(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)
	h.advance(120 * time.Second)

	_, err := h.service.Submit(context.Background(), pendingContext("user-1"), "54321")
	if !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("Submit() at exactly the freshness boundary error = %v, want ErrCodeExpired", err)
	}
}

func TestSubmitInvalidCode(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)

	tests := []struct {
		name      string
		submitted string
	}{
		{name: "wrong digits", submitted: "11111"},
		{name: "non numeric", submitted: "abcde"},
		{name: "whitespace padded wrong code", submitted: "  99999  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := h.users.users["user-1"].LoginAttempt
			_, err := h.service.Submit(context.Background(), pendingContext("user-1"), tt.submitted)
			if !errors.Is(err, ErrCodeInvalid) {
				t.Fatalf("Submit(%q) error = %v, want ErrCodeInvalid", tt.submitted, err)
			}
			if got := h.users.users["user-1"].LoginAttempt; got != before+1 {
				t.Fatalf("attempt counter = %d, want %d", got, before+1)
			}
		})
	}
}

func TestSubmitEmptyCodeNoMutation(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)

	for _, submitted := range []string{"", "   "} {
		_, err := h.service.Submit(context.Background(), pendingContext("user-1"), submitted)
		if !errors.Is(err, ErrEmptyCode) {
			t.Fatalf("Submit(%q) error = %v, want ErrEmptyCode", submitted, err)
		}
	}

	if h.users.users["user-1"].LoginAttempt != 0 {
		t.Fatal("empty submission must not touch the attempt ledger")
	}
	if len(h.recorder.attempts) != 0 {
		t.Fatal("empty submission must not be recorded as an attempt")
	}
	if h.locker.acquired != 0 {
		t.Fatal("empty submission must be rejected before locking")
	}
}

func TestSubmitRequiresPendingContext(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)

	tests := []struct {
		name string
		ctx  *auth.Context
	}{
		{name: "anonymous", ctx: auth.NewContext()},
		{name: "first factor only", ctx: func() *auth.Context {
			c := auth.NewContext()
			c.PassFirstFactor("user-1")
			return c
		}()},
		{name: "already authenticated", ctx: func() *auth.Context {
			c := pendingContext("user-1")
			_ = c.Authenticate()
			return c
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.service.Submit(context.Background(), tt.ctx, "54321")
			if !errors.Is(err, ErrNotAwaitingVerification) {
				t.Fatalf("Submit() error = %v, want ErrNotAwaitingVerification", err)
			}
		})
	}
}

// -------------------- lockout --------------------

func TestThirdFailureBlocks(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)

	for i := 0; i < 3; i++ {
		_, err := h.service.Submit(context.Background(), pendingContext("user-1"), "11111")
		if !errors.Is(err, ErrCodeInvalid) {
			t.Fatalf("failure #%d error = %v, want ErrCodeInvalid", i+1, err)
		}
	}

	stored := h.users.users["user-1"]
	if !stored.Blocked {
		t.Fatal("user not blocked after three failures")
	}
	if stored.BlockedAt == nil || !stored.BlockedAt.Equal(h.base) {
		t.Fatalf("blocked_at = %v, want %v", stored.BlockedAt, h.base)
	}
	if stored.LoginAttempt != 0 {
		t.Fatalf("attempt counter = %d, want 0 after blocking", stored.LoginAttempt)
	}
	if h.publisher.byType(model.EventUserBlocked) != 1 {
		t.Fatal("user_blocked event not published")
	}
}

func TestMixedFailuresCountTogether(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)
	h.advance(130 * time.Second)
	// The planted code is now expired; expired and invalid failures share the
	// same ledger.

	outcomes := []string{"54321", "11111", "54321"}
	for _, submitted := range outcomes {
		_, err := h.service.Submit(context.Background(), pendingContext("user-1"), submitted)
		if err == nil {
			t.Fatalf("Submit(%q) unexpectedly succeeded", submitted)
		}
	}

	if !h.users.users["user-1"].Blocked {
		t.Fatal("user not blocked after three mixed failures")
	}
}

func TestLockedOutDuringWindow(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)

	for i := 0; i < 3; i++ {
		_, _ = h.service.Submit(context.Background(), pendingContext("user-1"), "11111")
	}
	h.advance(150 * time.Second)

	// Even the correct code is refused while the window runs.
	_, err := h.service.Submit(context.Background(), pendingContext("user-1"), "54321")

	var lockedOut *LockedOutError
	if !errors.As(err, &lockedOut) {
		t.Fatalf("Submit() error = %v, want LockedOutError", err)
	}
	if lockedOut.RemainingMinutes != 3 {
		t.Fatalf("RemainingMinutes = %d, want 3 at 150s into a 300s window", lockedOut.RemainingMinutes)
	}

	stored := h.users.users["user-1"]
	if stored.LoginAttempt != 0 {
		t.Fatal("locked-out attempt must not touch the ledger")
	}
	if got := h.recorder.outcomes(); got[len(got)-1] != "locked_out" {
		t.Fatalf("last recorded outcome = %q, want locked_out", got[len(got)-1])
	}
}

func TestBlockLiftsAfterWindow(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)

	for i := 0; i < 3; i++ {
		_, _ = h.service.Submit(context.Background(), pendingContext("user-1"), "11111")
	}
	h.advance(301 * time.Second)
	h.issue(77777) // fresh code after the window

	authCtx := pendingContext("user-1")
	user, err := h.service.Submit(context.Background(), authCtx, "77777")
	if err != nil {
		t.Fatalf("Submit() after window error = %v", err)
	}
	if user == nil {
		t.Fatal("Submit() returned nil user")
	}

	stored := h.users.users["user-1"]
	if stored.Blocked || stored.BlockedAt != nil {
		t.Fatalf("stale block not cleared on success: %+v", stored)
	}
}

func TestFailureAfterWindowStartsFreshCount(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)

	for i := 0; i < 3; i++ {
		_, _ = h.service.Submit(context.Background(), pendingContext("user-1"), "11111")
	}
	h.advance(301 * time.Second)

	_, err := h.service.Submit(context.Background(), pendingContext("user-1"), "11111")
	if !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("Submit() after window error = %v, want ErrCodeInvalid", err)
	}
	if got := h.users.users["user-1"].LoginAttempt; got != 1 {
		t.Fatalf("attempt counter = %d, want a fresh count of 1", got)
	}
}

// -------------------- restriction queries and reset --------------------

func TestRestriction(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)

	decision, err := h.service.Restriction(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Restriction() error = %v", err)
	}
	if decision.Blocked {
		t.Fatal("fresh user reported blocked")
	}

	for i := 0; i < 3; i++ {
		_, _ = h.service.Submit(context.Background(), pendingContext("user-1"), "11111")
	}

	decision, err = h.service.Restriction(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Restriction() error = %v", err)
	}
	if !decision.Blocked || decision.RemainingMinutes != 5 {
		t.Fatalf("Restriction() = %+v, want blocked with 5 minutes", decision)
	}
}

func TestResetClearsRestriction(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)
	for i := 0; i < 3; i++ {
		_, _ = h.service.Submit(context.Background(), pendingContext("user-1"), "11111")
	}

	if err := h.service.Reset(context.Background(), "user-1", false); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	stored := h.users.users["user-1"]
	if stored.Blocked || stored.BlockedAt != nil || stored.LoginAttempt != 0 {
		t.Fatalf("restriction not cleared: %+v", stored)
	}
	if len(h.codes.rows) != 1 {
		t.Fatal("Reset without cleanOldCodes must keep code rows")
	}
	if h.publisher.byType(model.EventUserUnblocked) != 1 {
		t.Fatal("user_unblocked event not published")
	}
}

func TestResetWithCodeCleanup(t *testing.T) {
	h := newHarness(t)
	h.issue(54321)
	h.issue(11111)

	if err := h.service.Reset(context.Background(), "user-1", true); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if len(h.codes.rows) != 0 {
		t.Fatalf("stored %d code rows after Reset with cleanup, want 0", len(h.codes.rows))
	}
}

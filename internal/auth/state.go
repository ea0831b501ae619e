// Package auth models the two-step login sequence as an explicit,
// serializable context object carried through the request pipeline.
package auth

import "errors"

var (
	// ErrFirstFactorRequired means the flow must restart at the login entry
	// point: either no first factor succeeded yet, or the one-shot second-step
	// marker was already consumed.
	ErrFirstFactorRequired = errors.New("first factor required")

	// ErrNotPending means the context is not awaiting a second-factor code.
	ErrNotPending = errors.New("no pending second-factor verification")
)

// State is the position in the two-step login sequence.
type State int

const (
	StateAnonymous State = iota
	StateFirstFactorVerified
	StateSecondFactorPending
	StateFullyAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateFirstFactorVerified:
		return "first_factor_verified"
	case StateSecondFactorPending:
		return "second_factor_pending"
	case StateFullyAuthenticated:
		return "fully_authenticated"
	default:
		return "unknown"
	}
}

// Context is the per-session authentication state. It round-trips through
// JSON so it can live in the session store between requests.
type Context struct {
	State State `json:"state"`

	// PendingUserID is set between first-factor success and full
	// authentication.
	PendingUserID string `json:"pending_user_id,omitempty"`

	// UserID is set once fully authenticated.
	UserID string `json:"user_id,omitempty"`

	// StepMarker is the one-shot ticket into the second step. Set exactly
	// once on first-factor success, consumed exactly once by EnterSecondStep.
	StepMarker bool `json:"step_marker,omitempty"`
}

func NewContext() *Context {
	return &Context{State: StateAnonymous}
}

// PassFirstFactor records a successful credential check: the user reference
// becomes pending and the one-shot second-step marker is set. Any previous
// progress in the flow is discarded.
func (c *Context) PassFirstFactor(userID string) {
	c.State = StateFirstFactorVerified
	c.PendingUserID = userID
	c.UserID = ""
	c.StepMarker = true
}

// EnterSecondStep consumes the marker and moves the flow into the
// code-pending state. A second call without a fresh first factor fails and
// the caller must redirect to the login entry point.
func (c *Context) EnterSecondStep() error {
	if c.State != StateFirstFactorVerified || !c.StepMarker || c.PendingUserID == "" {
		return ErrFirstFactorRequired
	}

	c.StepMarker = false
	c.State = StateSecondFactorPending
	return nil
}

// AwaitingCodeFor reports whether this context is waiting on a code for the
// given user.
func (c *Context) AwaitingCodeFor(userID string) bool {
	return c.State == StateSecondFactorPending && c.PendingUserID == userID
}

// Authenticate completes the flow after a successful code verification.
func (c *Context) Authenticate() error {
	if c.State != StateSecondFactorPending || c.PendingUserID == "" {
		return ErrNotPending
	}

	c.UserID = c.PendingUserID
	c.PendingUserID = ""
	c.State = StateFullyAuthenticated
	return nil
}

// Restart drops all progress and returns to the login entry point. Lockout
// does NOT restart the flow; a locked-out user stays second-factor pending so
// they can retry once the window elapses.
func (c *Context) Restart() {
	*c = Context{State: StateAnonymous}
}

// Authenticated reports whether the full two-step sequence completed.
func (c *Context) Authenticated() bool {
	return c.State == StateFullyAuthenticated && c.UserID != ""
}

package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"twofactor-service/internal/auth"
	"twofactor-service/internal/hashing"
	"twofactor-service/internal/model"
	redisrepo "twofactor-service/internal/repository/redis"
	"twofactor-service/internal/service"
	"twofactor-service/internal/util"
)

const sessionCookie = "sid"

// Routes for the browser to follow; the client navigates to url on
// error=false and shows message inline on error=true.
const (
	loginURL      = "/login"
	secondStepURL = "/second-step"
	accountURL    = "/account"
)

// AuthHandler owns the two-step login endpoints. The handler layer is thin
// plumbing: it moves the auth context between the session store and the
// service and translates service errors into the wire shape.
type AuthHandler struct {
	secondFactor *service.SecondFactorService
	users        model.UserRepository
	hasher       *hashing.Hasher
	sessions     *redisrepo.SessionCache
	logger       *zap.Logger
}

func NewAuthHandler(
	secondFactor *service.SecondFactorService,
	users model.UserRepository,
	hasher *hashing.Hasher,
	sessions *redisrepo.SessionCache,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		secondFactor: secondFactor,
		users:        users,
		hasher:       hasher,
		sessions:     sessions,
		logger:       logger,
	}
}

// Response is the wire shape shared by every auth endpoint.
type Response struct {
	Error   bool   `json:"error"`
	Message string `json:"message,omitempty"`
	URL     string `json:"url,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type submitRequest struct {
	Code string `json:"code"`
}

// Login is the first factor. On success the pending user lands in the
// session, the one-shot second-step marker is set, and a code is issued and
// mailed.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, http.StatusBadRequest, Response{Error: true, Message: "Invalid request body"})
		return
	}

	user, err := h.users.GetUserByEmail(ctx, req.Email)
	if err != nil || !h.hasher.Compare(user.PasswordHash, req.Password) {
		// Same answer for unknown user and wrong password.
		h.respond(w, http.StatusUnauthorized, Response{Error: true, Message: "Invalid credentials"})
		return
	}

	sessionID := h.sessionID(w, r)
	authCtx := auth.NewContext()
	authCtx.PassFirstFactor(user.UserID)

	issued, issueErr := h.secondFactor.IssueCode(ctx, user)

	if err := h.sessions.Save(ctx, sessionID, authCtx); err != nil {
		h.respond(w, http.StatusInternalServerError, Response{Error: true, Message: "Session storage unavailable"})
		return
	}

	if issueErr != nil {
		if issued != nil {
			// Code persisted but delivery failed; the user may still complete
			// the step if the code reaches them another way.
			h.logger.Warn("Code issued but not delivered",
				util.String("user_id", user.UserID),
				util.ErrorField(issueErr))
			h.respond(w, http.StatusBadGateway, Response{Error: true, Message: "The code could not be delivered"})
			return
		}
		h.respond(w, http.StatusInternalServerError, Response{Error: true, Message: "Could not issue an authentication code"})
		return
	}

	h.respond(w, http.StatusOK, Response{URL: secondStepURL})
}

// SecondStepEntry consumes the one-shot marker set by the first factor. A
// repeat visit without a fresh first factor is sent back to the login entry
// point.
func (h *AuthHandler) SecondStepEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := h.sessionID(w, r)
	authCtx, err := h.sessions.Load(ctx, sessionID)
	if err != nil {
		h.respond(w, http.StatusInternalServerError, Response{Error: true, Message: "Session storage unavailable"})
		return
	}

	if err := authCtx.EnterSecondStep(); err != nil {
		h.respond(w, http.StatusOK, Response{Error: true, URL: loginURL})
		return
	}

	if err := h.sessions.Save(ctx, sessionID, authCtx); err != nil {
		h.respond(w, http.StatusInternalServerError, Response{Error: true, Message: "Session storage unavailable"})
		return
	}

	h.respond(w, http.StatusOK, Response{})
}

// SubmitCode is the second factor: POST /second-step with a body field
// "code".
func (h *AuthHandler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, http.StatusBadRequest, Response{Error: true, Message: "Invalid request body"})
		return
	}

	sessionID := h.sessionID(w, r)
	authCtx, err := h.sessions.Load(ctx, sessionID)
	if err != nil {
		h.respond(w, http.StatusInternalServerError, Response{Error: true, Message: "Session storage unavailable"})
		return
	}

	user, err := h.secondFactor.Submit(ctx, authCtx, req.Code)
	if err != nil {
		h.respondSubmitError(w, err)
		return
	}

	if err := h.sessions.Save(ctx, sessionID, authCtx); err != nil {
		h.respond(w, http.StatusInternalServerError, Response{Error: true, Message: "Session storage unavailable"})
		return
	}

	h.logger.Info("User fully authenticated",
		util.String("user_id", user.UserID))
	h.respond(w, http.StatusOK, Response{URL: accountURL})
}

func (h *AuthHandler) respondSubmitError(w http.ResponseWriter, err error) {
	var lockedOut *service.LockedOutError

	switch {
	case errors.Is(err, service.ErrNotAwaitingVerification):
		h.respond(w, http.StatusOK, Response{Error: true, Message: "Please log in first", URL: loginURL})
	case errors.Is(err, service.ErrEmptyCode):
		h.respond(w, http.StatusOK, Response{Error: true, Message: "The code is empty!"})
	case errors.As(err, &lockedOut):
		h.respond(w, http.StatusOK, Response{
			Error: true,
			Message: fmt.Sprintf(
				"The maximum number of login attempts has been reached. Please try again in %d minutes!",
				lockedOut.RemainingMinutes),
		})
	case errors.Is(err, service.ErrCodeInvalid):
		h.respond(w, http.StatusOK, Response{Error: true, Message: "The code is not valid!"})
	case errors.Is(err, service.ErrCodeExpired):
		h.respond(w, http.StatusOK, Response{Error: true, Message: "The code is expired!"})
	default:
		h.logger.Error("Code submission failed", util.ErrorField(err))
		h.respond(w, http.StatusInternalServerError, Response{Error: true, Message: "Verification temporarily unavailable"})
	}
}

// Account requires the full two-step sequence.
func (h *AuthHandler) Account(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := h.sessionID(w, r)
	authCtx, err := h.sessions.Load(ctx, sessionID)
	if err != nil {
		h.respond(w, http.StatusInternalServerError, Response{Error: true, Message: "Session storage unavailable"})
		return
	}

	if !authCtx.Authenticated() {
		h.respond(w, http.StatusUnauthorized, Response{Error: true, URL: loginURL})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"user_id": authCtx.UserID})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if err := h.sessions.Delete(ctx, cookie.Value); err != nil {
			h.logger.Warn("Failed to delete session", util.ErrorField(err))
		}
	}

	h.respond(w, http.StatusOK, Response{URL: loginURL})
}

// CleanupCodes removes expired code rows. Cleanup is always an explicit
// operation, never an implicit side effect of validation.
func (h *AuthHandler) CleanupCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	olderThan := 24 * time.Hour
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			h.respond(w, http.StatusBadRequest, Response{Error: true, Message: "Invalid older_than duration"})
			return
		}
		olderThan = parsed
	}

	deleted, err := h.secondFactor.CleanupExpiredCodes(ctx, olderThan)
	if err != nil {
		h.respond(w, http.StatusInternalServerError, Response{Error: true, Message: "Cleanup failed"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"deleted": deleted})
}

// ResetRestriction clears a user's lockout state, optionally dropping their
// issued codes as well.
func (h *AuthHandler) ResetRestriction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.respond(w, http.StatusBadRequest, Response{Error: true, Message: "user_id is required"})
		return
	}
	cleanCodes := r.URL.Query().Get("clean_codes") == "true"

	if err := h.secondFactor.Reset(ctx, userID, cleanCodes); err != nil {
		h.respond(w, http.StatusInternalServerError, Response{Error: true, Message: "Reset failed"})
		return
	}

	h.respond(w, http.StatusOK, Response{})
}

// sessionID returns the session cookie value, minting a fresh opaque ID when
// the browser has none.
func (h *AuthHandler) sessionID(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (h *AuthHandler) respond(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode response", util.ErrorField(err))
	}
}

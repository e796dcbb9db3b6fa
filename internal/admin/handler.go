package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"atrium-auth/internal/auth"
	"atrium-auth/internal/oauth"
	"atrium-auth/internal/observability"
)

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,50}$`)

const maxJSONBodyBytes = 1 << 20

// Handler serves the operator surface. It is gated by a static shared
// secret distinct from user access tokens.
type Handler struct {
	service  *auth.Service
	logger   *observability.Logger
	apiToken string
}

func NewHandler(service *auth.Service, logger *observability.Logger, apiToken string) *Handler {
	return &Handler{
		service:  service,
		logger:   logger,
		apiToken: strings.TrimSpace(apiToken),
	}
}

type preRegisterRequest struct {
	Email       string         `json:"email"`
	Username    string         `json:"username"`
	FullName    string         `json:"full_name,omitempty"`
	Provider    string         `json:"provider"`
	ProviderID  string         `json:"provider_id"`
	IsAdmin     bool           `json:"is_admin,omitempty"`
	Permissions map[string]any `json:"permissions,omitempty"`
}

type userResponse struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	Username    string         `json:"username"`
	FullName    string         `json:"full_name,omitempty"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Provider    string         `json:"provider"`
	ProviderID  string         `json:"provider_id"`
	IsActive    bool           `json:"is_active"`
	IsAdmin     bool           `json:"is_admin"`
	Permissions map[string]any `json:"permissions"`
	CreatedAt   string         `json:"created_at"`
	LastLogin   string         `json:"last_login,omitempty"`
}

func (h *Handler) PreRegister(w http.ResponseWriter, r *http.Request) {
	if !h.requireToken(w, r) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body preRegisterRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	body.Username = strings.TrimSpace(body.Username)
	body.Provider = strings.TrimSpace(body.Provider)
	body.ProviderID = strings.TrimSpace(body.ProviderID)

	if body.Email == "" || !strings.Contains(body.Email, "@") {
		writeError(w, http.StatusBadRequest, "email is invalid")
		return
	}
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	switch body.Provider {
	case oauth.ProviderGitHub, oauth.ProviderGoogle, oauth.ProviderLocal:
	default:
		writeError(w, http.StatusBadRequest, "unsupported provider")
		return
	}
	if body.ProviderID == "" {
		writeError(w, http.StatusBadRequest, "provider_id is required")
		return
	}

	user, err := h.service.PreRegister(r.Context(), auth.PreRegisterInput{
		Email:       body.Email,
		Username:    body.Username,
		FullName:    body.FullName,
		Provider:    body.Provider,
		ProviderID:  body.ProviderID,
		IsAdmin:     body.IsAdmin,
		Permissions: body.Permissions,
	})
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateUser) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to register user")
		return
	}

	h.logger.Info("admin_user_preregistered", map[string]any{
		"user_id":  user.ID,
		"provider": user.Provider,
	})

	writeJSON(w, http.StatusCreated, projectUser(user))
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	if !h.requireToken(w, r) {
		return
	}

	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	projected := make([]userResponse, 0, len(users))
	for _, user := range users {
		projected = append(projected, projectUser(user))
	}

	writeJSON(w, http.StatusOK, map[string]any{"users": projected})
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	if !h.requireToken(w, r) {
		return
	}

	user, err := h.service.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, projectUser(user))
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if !h.requireToken(w, r) {
		return
	}

	id := r.PathValue("id")
	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}

	h.logger.Info("admin_user_deleted", map[string]any{"user_id": id})

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requireToken(w http.ResponseWriter, r *http.Request) bool {
	if h.apiToken == "" {
		writeError(w, http.StatusNotFound, "not found")
		return false
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}

	presented := strings.TrimSpace(parts[1])
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.apiToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}

	return true
}

func projectUser(user auth.User) userResponse {
	response := userResponse{
		ID:          user.ID,
		Email:       user.Email,
		Username:    user.Username,
		FullName:    user.FullName,
		AvatarURL:   user.AvatarURL,
		Provider:    user.Provider,
		ProviderID:  user.ProviderID,
		IsActive:    user.IsActive,
		IsAdmin:     user.IsAdmin,
		Permissions: user.Permissions,
		CreatedAt:   user.CreatedAt.UTC().Format(time.RFC3339),
	}
	if user.LastLogin != nil {
		response.LastLogin = user.LastLogin.UTC().Format(time.RFC3339)
	}
	return response
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

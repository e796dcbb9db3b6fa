package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"atrium-auth/internal/oauth"
)

var backupUsernameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,50}$`)

const maxJSONBodyBytes = 1 << 20

// IdentityBroker is the provider exchange contract the handlers depend on.
// *oauth.Broker is the production implementation.
type IdentityBroker interface {
	Has(provider string) bool
	AuthURL(provider, redirectURI, state string) (string, error)
	ExchangeCode(ctx context.Context, provider, code, redirectURI string) (*oauth.Profile, error)
}

type Handler struct {
	service     *Service
	broker      IdentityBroker
	frontendURL string
	backendURL  string
}

func NewHandler(service *Service, broker IdentityBroker, frontendURL, backendURL string) *Handler {
	return &Handler{
		service:     service,
		broker:      broker,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		backendURL:  strings.TrimRight(backendURL, "/"),
	}
}

type backupLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type userProjection struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	Username    string         `json:"username"`
	FullName    string         `json:"full_name,omitempty"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	IsAdmin     bool           `json:"is_admin"`
	Permissions map[string]any `json:"permissions"`
}

type sessionResponse struct {
	User userProjection `json:"user"`
	Tokens
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if !h.broker.Has(provider) {
		writeError(w, http.StatusBadRequest, "unsupported provider")
		return
	}

	callbackURL := strings.TrimSpace(r.URL.Query().Get("redirect_uri"))
	if callbackURL == "" {
		callbackURL = h.backendURL + "/auth/callback/" + provider
	}

	clientRedirect := strings.TrimSpace(r.URL.Query().Get("client_redirect_uri"))
	if clientRedirect == "" {
		clientRedirect = h.frontendURL + "/auth/complete"
	}
	if !sameOrigin(clientRedirect, h.frontendURL) {
		writeError(w, http.StatusBadRequest, "client_redirect_uri is not allowed")
		return
	}

	nonce, err := oauth.NewNonce()
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to start login")
		return
	}

	state, err := oauth.Pack(oauth.State{
		Nonce:             nonce,
		CallbackURL:       callbackURL,
		ClientRedirectURL: clientRedirect,
		Provider:          provider,
	})
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to start login")
		return
	}

	authURL, err := h.broker.AuthURL(provider, callbackURL, state)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported provider")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": authURL,
		"state":    state,
	})
}

func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if !h.broker.Has(provider) {
		writeError(w, http.StatusBadRequest, "unsupported provider")
		return
	}

	state, err := oauth.Unpack(r.URL.Query().Get("state"))
	if err != nil {
		h.redirectError(w, r, "", "invalid_state")
		return
	}
	if state.Provider != provider {
		h.redirectError(w, r, state.ClientRedirectURL, "invalid_state")
		return
	}

	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		h.redirectError(w, r, state.ClientRedirectURL, "oauth_failed")
		return
	}

	profile, err := h.broker.ExchangeCode(r.Context(), provider, code, state.CallbackURL)
	if err != nil {
		h.redirectError(w, r, state.ClientRedirectURL, "oauth_failed")
		return
	}

	user, tokens, err := h.service.CompleteOAuthLogin(r.Context(), profile)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotRegistered):
			h.redirectError(w, r, state.ClientRedirectURL, "not_registered")
		case errors.Is(err, ErrInactiveUser):
			h.redirectError(w, r, state.ClientRedirectURL, "account_disabled")
		default:
			sentry.CaptureException(err)
			h.redirectError(w, r, state.ClientRedirectURL, "oauth_failed")
		}
		return
	}

	if state.ClientRedirectURL == "" {
		writeJSON(w, http.StatusOK, sessionResponse{User: projectUser(user), Tokens: tokens})
		return
	}

	h.redirectSession(w, r, state.ClientRedirectURL, tokens)
}

func (h *Handler) BackupLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body backupLoginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.Username = strings.TrimSpace(body.Username)
	if !backupUsernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if len(body.Password) < 8 || len(body.Password) > 100 {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	user, tokens, err := h.service.BackupLogin(r.Context(), body.Username, body.Password, body.Email, body.FullName)
	if err != nil {
		switch {
		case errors.Is(err, ErrBackupNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "backup login is not configured")
		case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInactiveUser):
			writeError(w, http.StatusUnauthorized, "invalid backup credentials")
		default:
			var lockedErr ErrLoginLocked
			if errors.As(err, &lockedErr) {
				retryAfter := int(time.Until(lockedErr.Until).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "login temporarily locked")
				return
			}
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to login")
		}
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{User: projectUser(user), Tokens: tokens})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body refreshRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	tokens, err := h.service.Renew(r.Context(), body.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body logoutRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid refresh token")
		return
	}

	if err := h.service.EndSession(r.Context(), body.RefreshToken); err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	user, err := h.service.GetUser(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			writeError(w, http.StatusUnauthorized, "unknown identity")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load identity")
		return
	}

	writeJSON(w, http.StatusOK, projectUser(user))
}

// redirectError sends the end user back to the client with a generic error
// code. Raw causes never cross this boundary.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, target, code string) {
	parsed, err := url.Parse(target)
	if target == "" || err != nil {
		parsed, err = url.Parse(h.frontendURL + "/auth/error")
		if err != nil {
			writeError(w, http.StatusBadRequest, "authentication failed")
			return
		}
	}

	query := parsed.Query()
	query.Set("error", code)
	parsed.RawQuery = query.Encode()
	http.Redirect(w, r, parsed.String(), http.StatusFound)
}

func (h *Handler) redirectSession(w http.ResponseWriter, r *http.Request, target string, tokens Tokens) {
	parsed, err := url.Parse(target)
	if err != nil {
		h.redirectError(w, r, "", "oauth_failed")
		return
	}

	query := parsed.Query()
	query.Set("access_token", tokens.AccessToken)
	query.Set("refresh_token", tokens.RefreshToken)
	query.Set("token_type", tokens.TokenType)
	query.Set("expires_in", strconv.FormatInt(tokens.ExpiresIn, 10))
	parsed.RawQuery = query.Encode()
	http.Redirect(w, r, parsed.String(), http.StatusFound)
}

func projectUser(user User) userProjection {
	return userProjection{
		ID:          user.ID,
		Email:       user.Email,
		Username:    user.Username,
		FullName:    user.FullName,
		AvatarURL:   user.AvatarURL,
		IsAdmin:     user.IsAdmin,
		Permissions: user.Permissions,
	}
}

func sameOrigin(rawURL, base string) bool {
	target, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	origin, err := url.Parse(base)
	if err != nil {
		return false
	}
	return target.Scheme == origin.Scheme && target.Host == origin.Host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

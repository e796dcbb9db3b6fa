package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atrium-auth/internal/config"
	"atrium-auth/internal/oauth"
	"atrium-auth/internal/observability"
	"atrium-auth/internal/token"
)

const (
	testFrontendURL = "https://app.example.com"
	testBackendURL  = "https://api.example.com"
)

type handlerFixture struct {
	store   *FakeStore
	broker  *FakeBroker
	service *Service
	handler *Handler
	mux     *http.ServeMux
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	store := NewFakeStore()
	codec := token.NewCodec(testJWTSecret, 30*time.Minute)
	service := NewService(store, codec, observability.NewLogger())
	service.WithOAuthPolicy(true)
	broker := &FakeBroker{
		Providers: map[string]bool{oauth.ProviderGitHub: true, oauth.ProviderGoogle: true},
		Profile:   githubProfile(),
	}
	handler := NewHandler(service, broker, testFrontendURL, testBackendURL)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/login/{provider}", handler.Login)
	mux.HandleFunc("GET /auth/callback/{provider}", handler.Callback)
	mux.HandleFunc("POST /auth/backup-login", handler.BackupLogin)
	mux.HandleFunc("POST /auth/refresh", handler.Refresh)
	mux.HandleFunc("POST /auth/logout", handler.Logout)
	mux.Handle("GET /auth/me", Middleware(codec, http.HandlerFunc(handler.Me)))

	return &handlerFixture{store: store, broker: broker, service: service, handler: handler, mux: mux}
}

func (f *handlerFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	f.mux.ServeHTTP(recorder, req)
	return recorder
}

func packedState(t *testing.T, state oauth.State) string {
	t.Helper()
	packed, err := oauth.Pack(state)
	require.NoError(t, err)
	return packed
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), target))
}

func TestLogin_ReturnsAuthURLAndState(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/auth/login/github", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var body map[string]string
	decodeJSON(t, recorder, &body)
	assert.NotEmpty(t, body["auth_url"])
	require.NotEmpty(t, body["state"])

	state, err := oauth.Unpack(body["state"])
	require.NoError(t, err)
	assert.Equal(t, "github", state.Provider)
	assert.Equal(t, testBackendURL+"/auth/callback/github", state.CallbackURL)
	assert.Equal(t, testFrontendURL+"/auth/complete", state.ClientRedirectURL)
	assert.NotEmpty(t, state.Nonce)
}

func TestLogin_UnknownProvider(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/auth/login/gitlab", "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestLogin_RejectsForeignClientRedirect(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/auth/login/github?client_redirect_uri="+url.QueryEscape("https://evil.example.com/steal"), "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestLogin_StatesAreUnique(t *testing.T) {
	fixture := newHandlerFixture(t)

	first := fixture.do(t, http.MethodGet, "/auth/login/github", "")
	second := fixture.do(t, http.MethodGet, "/auth/login/github", "")

	var bodyA, bodyB map[string]string
	decodeJSON(t, first, &bodyA)
	decodeJSON(t, second, &bodyB)
	assert.NotEqual(t, bodyA["state"], bodyB["state"])
}

func TestCallback_RedirectsWithSession(t *testing.T) {
	fixture := newHandlerFixture(t)

	state := packedState(t, oauth.State{
		Nonce:             "nonce",
		CallbackURL:       testBackendURL + "/auth/callback/github",
		ClientRedirectURL: testFrontendURL + "/auth/complete",
		Provider:          "github",
	})

	recorder := fixture.do(t, http.MethodGet, "/auth/callback/github?code=auth-code&state="+url.QueryEscape(state), "")
	require.Equal(t, http.StatusFound, recorder.Code)

	location, err := url.Parse(recorder.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/auth/complete", location.Path)
	query := location.Query()
	assert.NotEmpty(t, query.Get("access_token"))
	assert.NotEmpty(t, query.Get("refresh_token"))
	assert.Equal(t, "bearer", query.Get("token_type"))
	assert.Equal(t, "1800", query.Get("expires_in"))
	assert.Empty(t, query.Get("error"))
}

func TestCallback_MalformedState(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/auth/callback/github?code=auth-code&state=garbage", "")
	require.Equal(t, http.StatusFound, recorder.Code)

	location, err := url.Parse(recorder.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_state", location.Query().Get("error"))
	// Without a trustworthy state there is no client redirect to honor.
	assert.Equal(t, "app.example.com", location.Host)
}

func TestCallback_ProviderMismatch(t *testing.T) {
	fixture := newHandlerFixture(t)

	state := packedState(t, oauth.State{Nonce: "n", Provider: "google", ClientRedirectURL: testFrontendURL + "/auth/complete"})

	recorder := fixture.do(t, http.MethodGet, "/auth/callback/github?code=auth-code&state="+url.QueryEscape(state), "")
	require.Equal(t, http.StatusFound, recorder.Code)

	location, err := url.Parse(recorder.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_state", location.Query().Get("error"))
}

func TestCallback_MissingCode(t *testing.T) {
	fixture := newHandlerFixture(t)

	state := packedState(t, oauth.State{Nonce: "n", Provider: "github", ClientRedirectURL: testFrontendURL + "/auth/complete"})

	recorder := fixture.do(t, http.MethodGet, "/auth/callback/github?state="+url.QueryEscape(state), "")
	require.Equal(t, http.StatusFound, recorder.Code)

	location, err := url.Parse(recorder.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "oauth_failed", location.Query().Get("error"))
}

func TestCallback_ExchangeFailureCreatesNothing(t *testing.T) {
	fixture := newHandlerFixture(t)
	fixture.broker.Err = oauth.ErrExchangeFailed

	state := packedState(t, oauth.State{Nonce: "n", Provider: "github", ClientRedirectURL: testFrontendURL + "/auth/complete"})

	recorder := fixture.do(t, http.MethodGet, "/auth/callback/github?code=expired-code&state="+url.QueryEscape(state), "")
	require.Equal(t, http.StatusFound, recorder.Code)

	location, err := url.Parse(recorder.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "oauth_failed", location.Query().Get("error"))
	assert.Equal(t, 0, fixture.store.UserCount())
}

func TestCallback_NotRegistered(t *testing.T) {
	fixture := newHandlerFixture(t)
	fixture.service.WithOAuthPolicy(false)

	state := packedState(t, oauth.State{Nonce: "n", Provider: "github", ClientRedirectURL: testFrontendURL + "/auth/complete"})

	recorder := fixture.do(t, http.MethodGet, "/auth/callback/github?code=auth-code&state="+url.QueryEscape(state), "")
	require.Equal(t, http.StatusFound, recorder.Code)

	location, err := url.Parse(recorder.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "not_registered", location.Query().Get("error"))
}

func TestCallback_NoClientRedirectReturnsJSON(t *testing.T) {
	fixture := newHandlerFixture(t)

	state := packedState(t, oauth.State{Nonce: "n", Provider: "github"})

	recorder := fixture.do(t, http.MethodGet, "/auth/callback/github?code=auth-code&state="+url.QueryEscape(state), "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var body sessionResponse
	decodeJSON(t, recorder, &body)
	assert.Equal(t, "octocat", body.User.Username)
	assert.NotEmpty(t, body.AccessToken)
	assert.NotEmpty(t, body.RefreshToken)
}

func TestBackupLoginHandler_Success(t *testing.T) {
	fixture := newHandlerFixture(t)
	fixture.service.WithBackupUsers(map[string]config.BackupUser{
		"admin": {PasswordHash: testPasswordHash, IsAdmin: true},
	})

	recorder := fixture.do(t, http.MethodPost, "/auth/backup-login", `{"username":"admin","password":"correct-horse-battery"}`)
	require.Equal(t, http.StatusOK, recorder.Code)

	var body sessionResponse
	decodeJSON(t, recorder, &body)
	assert.Equal(t, "backup_admin", body.User.Username)
	assert.True(t, body.User.IsAdmin)
	assert.NotEmpty(t, body.AccessToken)
	assert.NotEmpty(t, body.RefreshToken)
}

func TestBackupLoginHandler_NotConfigured(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/auth/backup-login", `{"username":"admin","password":"correct-horse-battery"}`)
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestBackupLoginHandler_WrongPassword(t *testing.T) {
	fixture := newHandlerFixture(t)
	fixture.service.WithBackupUsers(map[string]config.BackupUser{
		"admin": {PasswordHash: testPasswordHash},
	})

	recorder := fixture.do(t, http.MethodPost, "/auth/backup-login", `{"username":"admin","password":"wrong-password-here"}`)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestBackupLoginHandler_Locked(t *testing.T) {
	fixture := newHandlerFixture(t)
	fixture.service.WithBackupUsers(map[string]config.BackupUser{
		"admin": {PasswordHash: testPasswordHash},
	})
	fixture.service.WithSecurityConfig(0, 10*time.Minute, 1)

	first := fixture.do(t, http.MethodPost, "/auth/backup-login", `{"username":"admin","password":"wrong-password-here"}`)
	require.Equal(t, http.StatusTooManyRequests, first.Code)
	assert.NotEmpty(t, first.Header().Get("Retry-After"))

	second := fixture.do(t, http.MethodPost, "/auth/backup-login", `{"username":"admin","password":"correct-horse-battery"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestBackupLoginHandler_Validation(t *testing.T) {
	fixture := newHandlerFixture(t)
	fixture.service.WithBackupUsers(map[string]config.BackupUser{
		"admin": {PasswordHash: testPasswordHash},
	})

	cases := map[string]string{
		"bad json":           `{"username":`,
		"unknown field":      `{"username":"admin","password":"correct-horse-battery","extra":true}`,
		"empty username":     `{"username":"","password":"correct-horse-battery"}`,
		"invalid username":   `{"username":"has spaces","password":"correct-horse-battery"}`,
		"password too short": `{"username":"admin","password":"short"}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			recorder := fixture.do(t, http.MethodPost, "/auth/backup-login", body)
			assert.Equal(t, http.StatusBadRequest, recorder.Code)
		})
	}
}

func TestRefreshHandler_Success(t *testing.T) {
	fixture := newHandlerFixture(t)

	state := packedState(t, oauth.State{Nonce: "n", Provider: "github"})
	login := fixture.do(t, http.MethodGet, "/auth/callback/github?code=auth-code&state="+url.QueryEscape(state), "")
	require.Equal(t, http.StatusOK, login.Code)

	var session sessionResponse
	decodeJSON(t, login, &session)

	recorder := fixture.do(t, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+session.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, recorder.Code)

	var renewed Tokens
	decodeJSON(t, recorder, &renewed)
	assert.NotEmpty(t, renewed.AccessToken)
	assert.Empty(t, renewed.RefreshToken)
}

func TestRefreshHandler_InvalidToken(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/auth/refresh", `{"refresh_token":"never-issued"}`)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestLogoutHandler_Flow(t *testing.T) {
	fixture := newHandlerFixture(t)

	state := packedState(t, oauth.State{Nonce: "n", Provider: "github"})
	login := fixture.do(t, http.MethodGet, "/auth/callback/github?code=auth-code&state="+url.QueryEscape(state), "")
	require.Equal(t, http.StatusOK, login.Code)

	var session sessionResponse
	decodeJSON(t, login, &session)

	logout := fixture.do(t, http.MethodPost, "/auth/logout", `{"refresh_token":"`+session.RefreshToken+`"}`)
	assert.Equal(t, http.StatusNoContent, logout.Code)

	// The revoked token renews nothing.
	refresh := fixture.do(t, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+session.RefreshToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, refresh.Code)

	// Logging out again is still fine.
	again := fixture.do(t, http.MethodPost, "/auth/logout", `{"refresh_token":"`+session.RefreshToken+`"}`)
	assert.Equal(t, http.StatusNoContent, again.Code)
}

func TestLogoutHandler_UnknownToken(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/auth/logout", `{"refresh_token":"never-issued"}`)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestMeHandler_Flow(t *testing.T) {
	fixture := newHandlerFixture(t)

	state := packedState(t, oauth.State{Nonce: "n", Provider: "github"})
	login := fixture.do(t, http.MethodGet, "/auth/callback/github?code=auth-code&state="+url.QueryEscape(state), "")
	require.Equal(t, http.StatusOK, login.Code)

	var session sessionResponse
	decodeJSON(t, login, &session)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	recorder := httptest.NewRecorder()
	fixture.mux.ServeHTTP(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)
	var body userProjection
	decodeJSON(t, recorder, &body)
	assert.Equal(t, "octocat", body.Username)
}

func TestMeHandler_Unauthorized(t *testing.T) {
	fixture := newHandlerFixture(t)

	for name, header := range map[string]string{
		"missing": "",
		"garbage": "Bearer not-a-token",
		"scheme":  "Basic dXNlcjpwYXNz",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			recorder := httptest.NewRecorder()
			fixture.mux.ServeHTTP(recorder, req)
			assert.Equal(t, http.StatusUnauthorized, recorder.Code)
		})
	}
}

func TestBackupLoginHandler_StoreFailure(t *testing.T) {
	fixture := newHandlerFixture(t)
	fixture.service.WithBackupUsers(map[string]config.BackupUser{
		"admin": {PasswordHash: testPasswordHash},
	})
	fixture.store.CreateUserErr = errors.New("database down")

	recorder := fixture.do(t, http.MethodPost, "/auth/backup-login", `{"username":"admin","password":"correct-horse-battery"}`)
	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
}

package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atrium-auth/internal/auth"
	"atrium-auth/internal/observability"
)

type fakeCleaner struct {
	result auth.CleanupResult
	err    error
	calls  int
}

func (f *fakeCleaner) CleanupStaleAuthData(context.Context, time.Duration, time.Duration, int) (auth.CleanupResult, error) {
	f.calls++
	return f.result, f.err
}

func newCleanupRequest(method, bearer string) *http.Request {
	req := httptest.NewRequest(method, "/internal/maintenance/cleanup", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

func TestCleanup_Success(t *testing.T) {
	cleaner := &fakeCleaner{result: auth.CleanupResult{DeletedRefreshTokens: 3, DeletedLoginAttempts: 2}}
	handler := NewCleanupHandler(cleaner, observability.NewLogger(), "cron-secret", 14*24*time.Hour, 30*24*time.Hour, 500)

	recorder := httptest.NewRecorder()
	handler.Handle(recorder, newCleanupRequest(http.MethodPost, "cron-secret"))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 1, cleaner.calls)

	var body struct {
		Status string             `json:"status"`
		Result auth.CleanupResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, int64(3), body.Result.DeletedRefreshTokens)
	assert.Equal(t, int64(2), body.Result.DeletedLoginAttempts)
}

func TestCleanup_WrongSecret(t *testing.T) {
	cleaner := &fakeCleaner{}
	handler := NewCleanupHandler(cleaner, observability.NewLogger(), "cron-secret", time.Hour, time.Hour, 500)

	recorder := httptest.NewRecorder()
	handler.Handle(recorder, newCleanupRequest(http.MethodPost, "wrong-secret"))

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, 0, cleaner.calls)
}

func TestCleanup_HiddenWhenUnconfigured(t *testing.T) {
	cleaner := &fakeCleaner{}
	handler := NewCleanupHandler(cleaner, observability.NewLogger(), "", time.Hour, time.Hour, 500)

	recorder := httptest.NewRecorder()
	handler.Handle(recorder, newCleanupRequest(http.MethodPost, "cron-secret"))

	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Equal(t, 0, cleaner.calls)
}

func TestCleanup_RepositoryError(t *testing.T) {
	cleaner := &fakeCleaner{err: errors.New("database down")}
	handler := NewCleanupHandler(cleaner, observability.NewLogger(), "cron-secret", time.Hour, time.Hour, 500)

	recorder := httptest.NewRecorder()
	handler.Handle(recorder, newCleanupRequest(http.MethodPost, "cron-secret"))

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
}

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passingCheck() CheckFunc {
	return func(_ context.Context) error { return nil }
}

func failingCheck(msg string) CheckFunc {
	return func(_ context.Context) error { return errors.New(msg) }
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	var body statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestLiveEndpoint(t *testing.T) {
	t.Run("all passing", func(t *testing.T) {
		h := New()
		h.AddLivenessCheck("check1", time.Second, passingCheck())
		h.AddLivenessCheck("check2", time.Second, passingCheck())

		w := httptest.NewRecorder()
		h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", decodeBody(t, w).Status)
	})

	t.Run("failing check reported by name", func(t *testing.T) {
		h := New()
		h.AddLivenessCheck("goroutines", time.Second, failingCheck("too many"))

		w := httptest.NewRecorder()
		h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "unhealthy", body.Status)
		assert.Equal(t, "too many", body.Checks["goroutines"])
	})

	t.Run("no checks registered", func(t *testing.T) {
		h := New()

		w := httptest.NewRecorder()
		h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("not ready until marked", func(t *testing.T) {
		h := New()
		h.AddReadinessCheck("db", time.Second, passingCheck())

		w := httptest.NewRecorder()
		h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, decodeBody(t, w).Checks, "_readiness")
	})

	t.Run("ready when marked and checks pass", func(t *testing.T) {
		h := New()
		h.AddReadinessCheck("db", time.Second, passingCheck())
		h.SetReady(true)

		w := httptest.NewRecorder()
		h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, h.IsReady(context.Background()))
	})

	t.Run("marked ready but check failing", func(t *testing.T) {
		h := New()
		h.AddReadinessCheck("db", time.Second, failingCheck("connection refused"))
		h.SetReady(true)

		w := httptest.NewRecorder()
		h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "connection refused", decodeBody(t, w).Checks["db"])
		assert.False(t, h.IsReady(context.Background()))
	})

	t.Run("shutdown drain flips ready off", func(t *testing.T) {
		h := New()
		h.SetReady(true)
		require.True(t, h.IsReady(context.Background()))

		h.SetReady(false)
		assert.False(t, h.IsReady(context.Background()))
	})
}

func TestGoroutineCountCheck(t *testing.T) {
	require.NoError(t, GoroutineCountCheck(1_000_000)(context.Background()))
	require.Error(t, GoroutineCountCheck(0)(context.Background()))
}

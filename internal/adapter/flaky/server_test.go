package flaky

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestService_FailsThenSucceeds(t *testing.T) {
	s := NewService(Options{Failures: 2})
	r := s.Router()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, r, "/items/a", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, r, "/items/a", nil).Code)

	w := get(t, r, "/items/a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var item Item
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &item))
	assert.Equal(t, Item{Key: "a", Attempts: 3, Status: "ok"}, item)

	assert.Equal(t, 3, s.Hits("a"))
	assert.Equal(t, 0, s.Hits("b"))
}

func TestService_Auth(t *testing.T) {
	r := NewService(Options{Token: "secret"}).Router()

	assert.Equal(t, http.StatusUnauthorized, get(t, r, "/items/a", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, r, "/items/a", map[string]string{"Authorization": "Bearer secret"}).Code)
	assert.Equal(t, http.StatusNoContent, get(t, r, "/healthz", nil).Code)
}

func TestService_RateLimit(t *testing.T) {
	r := NewService(Options{RateLimit: time.Hour}).Router()
	alice := map[string]string{ClientHeader: "alice"}

	assert.Equal(t, http.StatusOK, get(t, r, "/items/a", alice).Code)

	w := get(t, r, "/items/a", alice)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, get(t, r, "/items/a", map[string]string{ClientHeader: "bob"}).Code)
}

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Unix(0, 0)
	rl := NewRateLimiter(time.Second)
	rl.now = func() time.Time { return now }

	_, ok := rl.Allow("c")
	assert.True(t, ok)

	now = now.Add(300 * time.Millisecond)
	wait, ok := rl.Allow("c")
	assert.False(t, ok)
	assert.Equal(t, 700*time.Millisecond, wait)

	now = now.Add(700 * time.Millisecond)
	_, ok = rl.Allow("c")
	assert.True(t, ok)
}

package adapter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/amoylab/deltasession/internal/cache"
	"github.com/amoylab/deltasession/internal/common/config"
	"github.com/amoylab/deltasession/internal/manager"
)

// downStore refuses to publish new sessions
type downStore struct{ *cache.MemoryStore }

func (downStore) Create(context.Context, string, []byte, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func newTestRouter(t *testing.T, store cache.Store, node string, cfg config.AdapterConfig) (*gin.Engine, *manager.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := cache.NewBridge(zap.NewNop(), store, cache.Options{NodeID: node, Timeout: time.Second})
	m := manager.New(zap.NewNop(), config.ManagerConfig{
		UnreachableRetries: 1,
		RetryBackoff:       time.Millisecond,
	}, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() {
		m.Close()
		cancel()
	})

	a := New(zap.NewNop(), m, cfg)
	r := gin.New()
	r.Use(a.Middleware())
	a.RegisterRoutes(r)
	return r, m
}

func do(r http.Handler, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "DSESSIONID" {
			return ck
		}
	}
	t.Fatal("no session cookie in response")
	return nil
}

func TestAdapter_SessionAcrossNodes(t *testing.T) {
	store := cache.NewMemoryStore(zap.NewNop())
	nodeA, _ := newTestRouter(t, store, "node-a", config.AdapterConfig{})
	nodeB, _ := newTestRouter(t, store, "node-b", config.AdapterConfig{})

	w := do(nodeA, http.MethodPut, "/session/attributes/cart", `{"items":["apple","pear"]}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	ck := sessionCookie(t, w)
	assert.True(t, ck.HttpOnly)
	assert.Equal(t, "/", ck.Path)

	w = do(nodeB, http.MethodGet, "/session/attributes/cart", "", ck)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"items":["apple","pear"]}`, w.Body.String())

	w = do(nodeB, http.MethodGet, "/session/attributes/cart?path=items.1", "", ck)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `"pear"`, w.Body.String())

	w = do(nodeB, http.MethodPut, "/session/attributes/user", `"alice"`, ck)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Result().Cookies())

	// node-a still holds version 0 and reconciles on its next commit
	w = do(nodeA, http.MethodPut, "/session/attributes/count", `2`, ck)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(nodeA, http.MethodGet, "/session", "", ck)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"attributes":["cart","count","user"]`)
	assert.Contains(t, w.Body.String(), `"version":2`)
}

func TestAdapter_InvalidateClearsEverywhere(t *testing.T) {
	store := cache.NewMemoryStore(zap.NewNop())
	r, m := newTestRouter(t, store, "node-a", config.AdapterConfig{})

	w := do(r, http.MethodPut, "/session/attributes/a", `1`)
	require.Equal(t, http.StatusNoContent, w.Code)
	ck := sessionCookie(t, w)

	w = do(r, http.MethodPost, "/session/invalidate", "", ck)
	require.Equal(t, http.StatusNoContent, w.Code)
	cleared := sessionCookie(t, w)
	assert.Equal(t, "", cleared.Value)
	assert.Less(t, cleared.MaxAge, 0)
	assert.Zero(t, m.Count())

	_, err := store.Load(context.Background(), ck.Value)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	w = do(r, http.MethodGet, "/session/attributes/a", "", ck)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdapter_ReadOnlyRequestCreatesNothing(t *testing.T) {
	r, m := newTestRouter(t, cache.NewMemoryStore(zap.NewNop()), "node-a", config.AdapterConfig{})

	w := do(r, http.MethodGet, "/session/attributes/a", "", &http.Cookie{Name: "DSESSIONID", Value: "unknown"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Result().Cookies())
	assert.Zero(t, m.Count())

	w = do(r, http.MethodDelete, "/session/attributes/a", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, m.Count())

	w = do(r, http.MethodGet, "/session/report", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"health_status":"healthy"`)
	assert.Contains(t, w.Body.String(), `"node_id":"node-a"`)
	assert.Zero(t, m.Count())
}

func TestAdapter_RejectsInvalidBody(t *testing.T) {
	r, m := newTestRouter(t, cache.NewMemoryStore(zap.NewNop()), "node-a", config.AdapterConfig{})

	w := do(r, http.MethodPut, "/session/attributes/a", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "E4001", gjson.Get(w.Body.String(), "error.code").String())
	assert.Zero(t, m.Count())
}

func TestAdapter_CommitFailure(t *testing.T) {
	tests := []struct {
		name     string
		fail     bool
		wantCode int
	}{
		{"fail on commit error", true, http.StatusInternalServerError},
		{"proceed on commit error", false, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := downStore{cache.NewMemoryStore(zap.NewNop())}
			r, m := newTestRouter(t, store, "node-a", config.AdapterConfig{FailOnCommitError: tt.fail})

			w := do(r, http.MethodPut, "/session/attributes/a", `1`)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.fail {
				assert.Equal(t, "E5002", gjson.Get(w.Body.String(), "error.code").String())
				assert.Equal(t, "session commit failed", gjson.Get(w.Body.String(), "error.message").String())
				assert.NotEmpty(t, gjson.Get(w.Body.String(), "error.trace_id").String())
			}
			assert.Equal(t, int64(1), m.Stats().CommitFailures)
			assert.Equal(t, 1, m.Count())
		})
	}
}

func TestAdapter_HandlerPanic(t *testing.T) {
	_, m := newTestRouter(t, cache.NewMemoryStore(zap.NewNop()), "node-a", config.AdapterConfig{})
	a := New(zap.NewNop(), m, config.AdapterConfig{})

	r := gin.New()
	r.Use(gin.RecoveryWithWriter(io.Discard), a.Middleware())
	r.GET("/boom", func(c *gin.Context) {
		s, err := Session(c)
		require.NoError(t, err)
		require.NoError(t, m.SetAttribute(s, "a", 1))
		c.String(http.StatusOK, "partial")
		panic("handler failed")
	})

	w := do(r, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "partial")
	assert.Empty(t, w.Result().Cookies())
	assert.Zero(t, m.Stats().Commits)
}

func TestAccessorsWithoutMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	_, ok := Lookup(c)
	assert.False(t, ok)
	_, err := Session(c)
	assert.ErrorIs(t, err, ErrNoAdapter)
	assert.ErrorIs(t, Invalidate(c), ErrNoAdapter)
}

package adapter

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/amoylab/deltasession/internal/common/config"
	"github.com/amoylab/deltasession/internal/manager"
)

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *APIError
	}{
		{"commit failed", fmt.Errorf("%w: %w", manager.ErrCommitFailed, manager.ErrSessionInvalid), ErrCommit},
		{"invalid", fmt.Errorf("wrapped: %w", manager.ErrSessionInvalid), ErrGone},
		{"too many", manager.ErrTooManySessions, ErrOverloaded},
		{"not found", manager.ErrNotFound, ErrNoSession},
		{"api error", fmt.Errorf("x: %w", ErrInvalidBody), ErrInvalidBody},
		{"unknown", errors.New("boom"), ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Same(t, tt.want, toAPIError(tt.err))
		})
	}
}

func TestAbortWithError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/session", nil)

	a := New(zap.NewNop(), nil, config.AdapterConfig{})
	a.abortWithError(c, manager.ErrTooManySessions)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := w.Body.String()
	assert.Equal(t, "E5031", gjson.Get(body, "error.code").String())
	assert.Equal(t, "rate_limit", gjson.Get(body, "error.category").String())
	assert.NotEmpty(t, gjson.Get(body, "error.trace_id").String())
	assert.NotEmpty(t, gjson.Get(body, "error.timestamp").String())
	assert.False(t, gjson.Get(body, "error.HTTPStatus").Exists())

	// the shared value stays untouched
	assert.Empty(t, ErrOverloaded.TraceID)
}

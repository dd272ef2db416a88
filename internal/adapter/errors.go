package adapter

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/amoylab/deltasession/internal/manager"
)

// ErrorCategory groups API errors
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryGone       ErrorCategory = "gone"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategoryExternal   ErrorCategory = "external"
	CategoryInternal   ErrorCategory = "internal"
)

// APIError is the JSON error body of the session API
type APIError struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Category   ErrorCategory `json:"category"`
	HTTPStatus int           `json:"-"`
	TraceID    string        `json:"trace_id,omitempty"`
	Timestamp  string        `json:"timestamp,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Category, e.Message)
}

var (
	ErrInvalidBody = &APIError{Code: "E4001", Message: "body must be a JSON value", Category: CategoryValidation, HTTPStatus: http.StatusBadRequest}
	ErrNoSession   = &APIError{Code: "E4041", Message: "no session", Category: CategoryNotFound, HTTPStatus: http.StatusNotFound}
	ErrNoAttribute = &APIError{Code: "E4042", Message: "attribute not found", Category: CategoryNotFound, HTTPStatus: http.StatusNotFound}
	ErrGone        = &APIError{Code: "E4101", Message: "session is no longer valid", Category: CategoryGone, HTTPStatus: http.StatusGone}
	ErrOverloaded  = &APIError{Code: "E5031", Message: "too many active sessions", Category: CategoryRateLimit, HTTPStatus: http.StatusServiceUnavailable}
	ErrCommit      = &APIError{Code: "E5002", Message: "session commit failed", Category: CategoryExternal, HTTPStatus: http.StatusInternalServerError}
	ErrInternal    = &APIError{Code: "E5001", Message: "internal server error", Category: CategoryInternal, HTTPStatus: http.StatusInternalServerError}
)

// toAPIError maps manager and cache errors to API errors
func toAPIError(err error) *APIError {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, manager.ErrCommitFailed):
		return ErrCommit
	case errors.Is(err, manager.ErrSessionInvalid):
		return ErrGone
	case errors.Is(err, manager.ErrTooManySessions):
		return ErrOverloaded
	case errors.Is(err, manager.ErrNotFound):
		return ErrNoSession
	default:
		return ErrInternal
	}
}

// abortWithError writes err as JSON and stops the handler chain
func (a *Adapter) abortWithError(c *gin.Context, err error) {
	base := toAPIError(err)
	resp := *base
	resp.TraceID = traceID(c)
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	fields := []zap.Field{
		zap.String("trace_id", resp.TraceID),
		zap.String("error_code", resp.Code),
		zap.Int("http_status", resp.HTTPStatus),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
	}
	if err != base {
		fields = append(fields, zap.Error(err))
	}
	if resp.HTTPStatus >= http.StatusInternalServerError {
		a.logger.Error(resp.Message, fields...)
	} else {
		a.logger.Debug(resp.Message, fields...)
	}
	c.AbortWithStatusJSON(resp.HTTPStatus, gin.H{"error": &resp})
}

// traceID prefers the id of the active span so that responses match traces
func traceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

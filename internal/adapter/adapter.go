package adapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amoylab/deltasession/internal/common/config"
	"github.com/amoylab/deltasession/internal/manager"
	"github.com/amoylab/deltasession/internal/session"
)

const contextKey = "deltasession"

// ErrNoAdapter is returned by the accessors when the middleware is not installed
var ErrNoAdapter = errors.New("session middleware not installed")

// Adapter binds HTTP requests to sessions of a manager
type Adapter struct {
	logger  *zap.Logger
	manager *manager.Manager
	cfg     config.AdapterConfig
}

// requestState is the per-request view of the session
type requestState struct {
	adapter     *Adapter
	c           *gin.Context
	sess        *session.Session
	invalidated bool
}

// New creates an adapter for m
func New(logger *zap.Logger, m *manager.Manager, cfg config.AdapterConfig) *Adapter {
	if cfg.CookieName == "" {
		cfg.CookieName = "DSESSIONID"
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	return &Adapter{
		logger:  logger.Named("adapter"),
		manager: m,
		cfg:     cfg,
	}
}

// Manager returns the session manager behind the adapter
func (a *Adapter) Manager() *manager.Manager { return a.manager }

// Middleware resolves the session of the request from its cookie and commits
// it once the handlers returned. The response is held back until the commit
// finished. A panicking handler commits nothing and leaves the real writer
// to the recovery middleware.
func (a *Adapter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		st := &requestState{adapter: a, c: c}
		if id, err := c.Cookie(a.cfg.CookieName); err == nil && id != "" {
			st.sess = a.find(c.Request.Context(), id)
		}
		c.Set(contextKey, st)

		bw := newBufferedWriter(c.Writer)
		c.Writer = bw
		defer func() {
			c.Writer = bw.ResponseWriter
			if rec := recover(); rec != nil {
				bw.discard()
				bw.Header().Del("Set-Cookie")
				panic(rec)
			}
		}()
		c.Next()
		c.Writer = bw.ResponseWriter

		if err := st.commit(c.Request.Context()); err != nil {
			a.logger.Error("failed to commit session",
				zap.String("id", st.sess.ID()),
				zap.String("path", c.Request.URL.Path),
				zap.Error(err))
			if a.cfg.FailOnCommitError {
				bw.discard()
				a.abortWithError(c, err)
				return
			}
		}
		if err := bw.flush(); err != nil {
			a.logger.Debug("failed to write response", zap.Error(err))
		}
	}
}

func (a *Adapter) find(ctx context.Context, id string) *session.Session {
	s, err := a.manager.FindSession(ctx, id)
	switch {
	case err == nil:
		return s
	case errors.Is(err, manager.ErrNotFound), errors.Is(err, session.ErrDecoding):
		a.logger.Debug("session from cookie not found", zap.String("id", id))
	default:
		a.logger.Warn("failed to look up session",
			zap.String("id", id),
			zap.Error(err))
	}
	return nil
}

func (st *requestState) commit(ctx context.Context) error {
	if st.sess == nil || st.invalidated {
		return nil
	}
	err := st.adapter.manager.Commit(ctx, st.sess)
	if errors.Is(err, manager.ErrSessionInvalid) && !errors.Is(err, manager.ErrCommitFailed) {
		// removed by another request or node while this one was running
		return nil
	}
	return err
}

func (a *Adapter) setCookie(c *gin.Context, value string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    value,
		Path:     a.cfg.CookiePath,
		MaxAge:   maxAge,
		Secure:   a.cfg.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func state(c *gin.Context) (*requestState, error) {
	v, ok := c.Get(contextKey)
	if !ok {
		return nil, ErrNoAdapter
	}
	return v.(*requestState), nil
}

// Lookup returns the session of the request without creating one
func Lookup(c *gin.Context) (*session.Session, bool) {
	st, err := state(c)
	if err != nil || st.sess == nil {
		return nil, false
	}
	return st.sess, true
}

// Session returns the session of the request, creating it on first use
func Session(c *gin.Context) (*session.Session, error) {
	st, err := state(c)
	if err != nil {
		return nil, err
	}
	if st.sess != nil {
		return st.sess, nil
	}
	s, err := st.adapter.manager.CreateSession(c.Request.Context())
	if err != nil {
		return nil, err
	}
	st.sess = s
	st.invalidated = false
	st.adapter.setCookie(c, s.ID(), 0)
	return s, nil
}

// Invalidate destroys the session of the request on every node and clears
// the cookie
func Invalidate(c *gin.Context) error {
	st, err := state(c)
	if err != nil {
		return err
	}
	if st.sess == nil {
		return nil
	}
	s := st.sess
	st.sess = nil
	st.invalidated = true
	st.adapter.setCookie(c, "", -1)
	if err := st.adapter.manager.Invalidate(c.Request.Context(), s); err != nil && !errors.Is(err, manager.ErrSessionInvalid) {
		return err
	}
	return nil
}

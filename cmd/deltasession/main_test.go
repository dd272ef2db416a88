package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/deltasession/internal/cache"
	"github.com/amoylab/deltasession/internal/common/cnst"
	"github.com/amoylab/deltasession/internal/common/config"
	"github.com/amoylab/deltasession/internal/manager"
	"github.com/amoylab/deltasession/pkg/metrics"
)

func captureOutput(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = old }()

	f()
	_ = w.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deltasession.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRootCmd_Version(t *testing.T) {
	t.Cleanup(func() { rootCmd.SetArgs([]string{}) })
	rootCmd.SetArgs([]string{"version"})
	out := captureOutput(func() { _ = rootCmd.Execute() })
	assert.Contains(t, out, "deltasession version")
}

func TestRootCmd_Help(t *testing.T) {
	t.Cleanup(func() { rootCmd.SetArgs([]string{}) })
	rootCmd.SetArgs([]string{"--help"})
	assert.NoError(t, rootCmd.Execute())
}

func TestCommandStructure(t *testing.T) {
	found := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		found[cmd.Name()] = true
	}
	for _, name := range []string{"serve", "check", "version"} {
		assert.True(t, found[name], "missing command %s", name)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("conf"))
}

func TestCheckCommand(t *testing.T) {
	valid := writeConfig(t, "manager:\n  commit_policy: always\ncache:\n  type: memory\n")
	invalid := writeConfig(t, "manager:\n  commit_policy: sometimes\ncache:\n  type: etcd\n")

	t.Cleanup(func() {
		rootCmd.SetArgs([]string{})
		configPath = cnst.DeltaSessionYaml
	})

	rootCmd.SetArgs([]string{"check", "--conf", valid})
	var err error
	out := captureOutput(func() { err = rootCmd.Execute() })
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "is valid"))

	rootCmd.SetArgs([]string{"check", "--conf", invalid})
	err = rootCmd.Execute()
	assert.Error(t, err)
}

func TestNewRouter(t *testing.T) {
	cfg := &config.DeltaSessionConfig{}
	cfg.Metrics.Enabled = true
	cfg.SetDefaults()

	m := metrics.New(cfg.Metrics)
	b := cache.NewBridge(zap.NewNop(), cache.NewMemoryStore(zap.NewNop()), cache.Options{NodeID: "n", Timeout: time.Second, Metrics: m})
	mgr := manager.New(zap.NewNop(), cfg.Manager, b, m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Start(ctx))
	defer mgr.Close()

	r := newRouter(cfg, zap.NewNop(), mgr, m)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/session/attributes/a", strings.NewReader(`1`)))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","sessions":1}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "deltasession_sessions_created_total 1")
}

func TestRecovery(t *testing.T) {
	r := newRouter(func() *config.DeltaSessionConfig {
		cfg := &config.DeltaSessionConfig{}
		cfg.SetDefaults()
		return cfg
	}(), zap.NewNop(), nil, nil)
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
}

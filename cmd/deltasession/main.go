package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/amoylab/deltasession/internal/adapter"
	"github.com/amoylab/deltasession/internal/cache"
	"github.com/amoylab/deltasession/internal/common/cnst"
	"github.com/amoylab/deltasession/internal/common/config"
	"github.com/amoylab/deltasession/internal/manager"
	"github.com/amoylab/deltasession/pkg/helper"
	"github.com/amoylab/deltasession/pkg/logger"
	"github.com/amoylab/deltasession/pkg/metrics"
	"github.com/amoylab/deltasession/pkg/trace"
	"github.com/amoylab/deltasession/pkg/utils"
	"github.com/amoylab/deltasession/pkg/version"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of " + cnst.CommandName,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String(cnst.CommandName))
		},
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfgPath, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("configuration %s is invalid:\n%w", cfgPath, err)
			}
			fmt.Printf("configuration %s is valid\n", cfgPath)
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run a session node with the demo HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	rootCmd = &cobra.Command{
		Use:   cnst.CommandName,
		Short: "Delta session replication node",
		Long:  `deltasession keeps HTTP sessions consistent across nodes by committing attribute deltas to a shared cache`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", cnst.DeltaSessionYaml, "path to configuration file")
	rootCmd.AddCommand(versionCmd, checkCmd, serveCmd)
}

func run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration %s: %w", cfgPath, err)
	}

	nodeID := utils.FirstNonEmpty(cfg.Manager.NodeID, uuid.NewString())
	lg, err := logger.NewLogger(&cfg.Logger, nodeID)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	lg.Info("Starting session node",
		zap.String("version", version.Get()),
		zap.String("config", cfgPath))

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, nodeID, lg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			lg.Warn("failed to shut down tracing", zap.Error(err))
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	store, err := cache.NewStore(ctx, lg, &cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache store: %w", err)
	}

	bridge := cache.NewBridge(lg, store, cache.Options{
		NodeID:      nodeID,
		Timeout:     cfg.Cache.Timeout,
		ExpiryGrace: cfg.Cache.ExpiryGrace,
		StoreType:   cfg.Cache.Type,
		Metrics:     m,
	})
	defer func() {
		if err := bridge.Close(); err != nil {
			lg.Warn("failed to close cache store", zap.Error(err))
		}
	}()

	mgr := manager.New(lg, cfg.Manager, bridge, m)
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	sweeper := manager.NewSweeper(mgr, lg)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	pid := helper.NewPIDFile(cfg.PID)
	if err := pid.Write(); err != nil {
		lg.Warn("failed to write PID file", zap.String("path", pid.Path()), zap.Error(err))
	} else {
		defer func() { _ = pid.Remove() }()
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: newRouter(cfg, lg, mgr, m),
	}
	errCh := make(chan error, 1)
	go func() {
		lg.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		lg.Info("Shutting down session node")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("failed to shut down HTTP server", zap.Error(err))
	}
	if err := mgr.Flush(shutdownCtx); err != nil {
		lg.Error("failed to flush sessions on shutdown", zap.Error(err))
	}
	lg.Info("Session node stopped", zap.Any("stats", mgr.Stats()))
	return nil
}

func newRouter(cfg *config.DeltaSessionConfig, lg *zap.Logger, mgr *manager.Manager, m *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(recovery(lg), requestLogger(lg.Named("http")))
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	if m != nil {
		r.Use(m.Middleware())
		r.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": mgr.Count()})
	})

	a := adapter.New(lg, mgr, cfg.Adapter)
	api := r.Group("/", a.Middleware())
	a.RegisterRoutes(api)
	return r
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

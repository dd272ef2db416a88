package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/amoylab/deltasession/internal/common/cnst"
	"github.com/amoylab/deltasession/internal/common/config"
)

// Outputs supported by LoggerConfig.Output
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
	OutputFile   = "file"
	OutputBoth   = "both" // stdout and file
)

const defaultTimeFormat = "2006-01-02 15:04:05.000"

// NewLogger builds the node logger. Every entry carries the app name and
// nodeID so that lines from several nodes of one cluster can be merged.
func NewLogger(cfg *config.LoggerConfig, nodeID string) (*zap.Logger, error) {
	setLoggerDefaults(cfg)

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	syncers, err := writeSyncers(cfg)
	if err != nil {
		return nil, err
	}
	enc := newEncoder(cfg)
	cores := make([]zapcore.Core, 0, len(syncers))
	for _, ws := range syncers {
		cores = append(cores, zapcore.NewCore(enc, ws, level))
	}

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	fields := []zap.Field{zap.String("app", cnst.AppName)}
	if nodeID != "" {
		fields = append(fields, zap.String("node_id", nodeID))
	}
	return zap.New(zapcore.NewTee(cores...), opts...).With(fields...), nil
}

func setLoggerDefaults(cfg *config.LoggerConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Output == "" {
		cfg.Output = OutputStdout
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 100 // MB
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 3
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 7 // days
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = "Local"
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = defaultTimeFormat
	}
}

func writeSyncers(cfg *config.LoggerConfig) ([]zapcore.WriteSyncer, error) {
	switch cfg.Output {
	case OutputStdout:
		return []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}, nil
	case OutputStderr:
		return []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}, nil
	case OutputFile, OutputBoth:
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("logger output %q needs file_path", cfg.Output)
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			LocalTime:  true,
			Compress:   cfg.Compress,
		})
		if cfg.Output == OutputBoth {
			return []zapcore.WriteSyncer{zapcore.Lock(os.Stdout), file}, nil
		}
		return []zapcore.WriteSyncer{file}, nil
	default:
		return nil, fmt.Errorf("unknown logger output %q", cfg.Output)
	}
}

func newEncoder(cfg *config.LoggerConfig) zapcore.Encoder {
	loc := resolveTimeZone(cfg.TimeZone)
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.EncodeDuration = zapcore.StringDurationEncoder
	ec.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.In(loc).Format(cfg.TimeFormat))
	}
	if cfg.Format == "console" {
		if cfg.Color {
			ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// resolveTimeZone falls back to local time for empty or unknown zones
func resolveTimeZone(name string) *time.Location {
	if name == "" || name == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

package zaplog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-procmon-go/pkg/logging"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the zap backend
type Options struct {
	Level string // debug, info, warn, error

	// Directory for the rotating log file, stderr only when empty
	Directory string
	FileName  string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Backend owns the zap logger so it can be synced on shutdown
type Backend struct {
	sugar *zap.SugaredLogger
	base  *zap.Logger
}

// New builds a zap logger writing to stderr and, optionally, a rotating file
func New(opts Options) (*Backend, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level),
	}

	if opts.Directory != "" {
		if err := os.MkdirAll(opts.Directory, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", opts.Directory, err)
		}
		fileName := opts.FileName
		if fileName == "" {
			fileName = "procmon.log"
		}
		writer := NewRotatingWriter(filepath.Join(opts.Directory, fileName), opts.MaxSizeMB, opts.MaxBackups, opts.MaxAgeDays)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(writer), level))
	}

	base := zap.New(zapcore.NewTee(cores...))
	return &Backend{sugar: base.Sugar(), base: base}, nil
}

// NewRotatingWriter returns a size-rotated file writer
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) *lumberjack.Logger {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 28
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
}

// ParseLevel maps a config level name onto a zap level
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// Logger wraps the backend in the logging facade
func (b *Backend) Logger(prefix string) logging.Logger {
	return logging.NewLogger(prefix, logging.LogFuncs{
		Debugf: b.sugar.Debugf,
		Infof:  b.sugar.Infof,
		Warnf:  b.sugar.Warnf,
		Errorf: b.sugar.Errorf,
	})
}

// Sync flushes buffered entries
func (b *Backend) Sync() error {
	return b.base.Sync()
}

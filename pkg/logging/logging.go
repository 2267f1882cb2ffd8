// Package logging builds the zap loggers used across calibguide.
package logging

import (
	"errors"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where logs go and at what level.
type Config struct {
	Debug bool
	// File, when set, receives JSON logs rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	// Console receives human readable logs. Defaults to stdout.
	Console io.Writer
}

// DefaultMaxSizeMB is used when Config.MaxSizeMB is not set.
const DefaultMaxSizeMB = 10

// NewEncoderConfig returns the encoder config shared by the console and file
// cores: ISO8601 timestamps, short callers, no stacktraces.
func NewEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New builds a logger from cfg. The returned closer flushes the logger and
// closes the log file, if any.
func New(cfg Config) (*zap.Logger, io.Closer, error) {
	if cfg.MaxSizeMB < 0 || cfg.MaxBackups < 0 {
		return nil, nil, errors.New("log file size and backup count must not be negative")
	}
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Debug {
		level.SetLevel(zap.DebugLevel)
	}

	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}
	consoleEnc := NewEncoderConfig()
	consoleEnc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.Lock(zapcore.AddSync(console)), level),
	}

	var file *lumberjack.Logger
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = DefaultMaxSizeMB
		}
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig()), zapcore.AddSync(file), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, &closer{logger: logger, file: file}, nil
}

type closer struct {
	logger *zap.Logger
	file   *lumberjack.Logger
}

func (c *closer) Close() error {
	// Sync on a terminal stdout returns EINVAL on some platforms; only the
	// file matters here.
	_ = c.logger.Sync()
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}

// Package logger builds the process logger: a console core, optionally
// teed into a size-rotated log file.
package logger

import (
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level and outputs of the logger.
type Config struct {
	// Level is one of debug, info, warn or error.
	Level string `json:"level"`
	// Color enables colored level names on the console.
	Color bool `json:"color"`

	// File is the path of the log file. No file is written when empty.
	File string `json:"file"`
	// MaxSize is the size in megabytes a log file is rotated at.
	MaxSize    int `json:"max_size"`
	MaxBackups int `json:"max_backups"`
	// MaxAge is the number of days rotated files are kept.
	MaxAge int `json:"max_age"`
}

func newEncoder(color bool) zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		MessageKey:       "message",
		LevelKey:         "level",
		TimeKey:          "time",
		NameKey:          "logger",
		CallerKey:        "caller",
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
	if color {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(cfg)
}

func newFileCore(cfg Config, level zapcore.Level) zapcore.Core {
	w := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		LocalTime:  true,
	}
	return zapcore.NewCore(newEncoder(false), zapcore.AddSync(w), level)
}

// New returns a logger writing to stderr and, if configured, to cfg.File.
func New(cfg Config) (*zap.Logger, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg Config, console io.Writer) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	core := zapcore.NewCore(newEncoder(cfg.Color), zapcore.Lock(zapcore.AddSync(console)), level)
	if cfg.File != "" {
		core = zapcore.NewTee(core, newFileCore(cfg, level))
	}
	return zap.New(core, zap.AddCaller()), nil
}

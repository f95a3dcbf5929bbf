package logutil

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options describe where and how a process logs.
type Options struct {
	Level string // debug, info, warn, error; default info
	JSON  bool
	// File, when set, receives a copy of every line, rotated by lumberjack.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	NoStdout   bool
}

// JSONFromEnv reports whether REPLICA_LOG_JSON=1 or REPLICA_LOG_FORMAT=json.
func JSONFromEnv() bool {
	return os.Getenv("REPLICA_LOG_JSON") == "1" || strings.EqualFold(os.Getenv("REPLICA_LOG_FORMAT"), "json")
}

// New builds a zap logger. File output is always JSON.
func New(opts Options) (*zap.Logger, error) {
	var lvl zapcore.Level
	if opts.Level == "" {
		lvl = zapcore.InfoLevel
	} else if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
		return nil, err
	}
	atom := zap.NewAtomicLevelAt(lvl)

	var cores []zapcore.Core
	if !opts.NoStdout {
		var enc zapcore.Encoder
		if opts.JSON || JSONFromEnv() {
			enc = zapcore.NewJSONEncoder(encoderConfig())
		} else {
			cfg := encoderConfig()
			cfg.EncodeLevel = zapcore.CapitalLevelEncoder
			enc = zapcore.NewConsoleEncoder(cfg)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stderr), atom))
	}
	if opts.File != "" {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100), // megabytes
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28), // days
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), w, atom))
	}
	if len(cores) == 0 {
		return zap.NewNop(), nil
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.PanicLevel)), nil
}

// Must is New for main packages.
func Must(opts Options) *zap.Logger {
	l, err := New(opts)
	if err != nil {
		panic(err)
	}
	return l
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339Nano),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

package util

import (
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel accepts a zap level name ("debug", "warn", ...) or its numeric
// value. Anything else yields info.
func ParseLevel(level string) zapcore.Level {
	if n, err := strconv.Atoi(level); err == nil {
		return zapcore.Level(n)
	}
	if l, err := zapcore.ParseLevel(level); err == nil && level != "" {
		return l
	}
	return zapcore.InfoLevel
}

func initLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	zapCfg.EncoderConfig.CallerKey = "ln"
	zapCfg.EncoderConfig.FunctionKey = ""
	zapCfg.EncoderConfig.LevelKey = "severity"
	zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}

	return zapCfg.Build()
}

// NewLogger builds the process logger and installs it as the zap global.
// An empty level falls back to LOG_LEVEL. The returned func restores the
// previous globals and flushes.
func NewLogger(level string) (*zap.Logger, func()) {
	logger, err := initLogger(level)
	if err != nil {
		log.Fatalf("fail to init logger, error: %v", err)
	}

	undo := zap.ReplaceGlobals(logger)

	return logger, func() {
		undo()
		_ = logger.Sync()
	}
}

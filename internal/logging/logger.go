package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "yardledger-api"

// NewLogger returns a JSON zap logger tagged with the service name. An empty level means
// info; an unknown level is an error so a typo in configuration is not silently ignored.
func NewLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]any{"service": serviceName}

	return cfg.Build()
}

// ParseLevel maps a configured level name onto a zap level.
func ParseLevel(level string) (zap.AtomicLevel, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	case "warning":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel), nil
	}
	parsed, err := zapcore.ParseLevel(normalized)
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("log.level: %w", err)
	}
	return zap.NewAtomicLevelAt(parsed), nil
}

// Package observability — logger.go
//
// zap logger construction for otto-bgp. The logger is constructed once at
// process start and passed explicitly into every component constructor —
// never a package-level global.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/networksandchill/otto-bgp/internal/config"
)

// NewLogger builds a *zap.Logger from the observability config section.
// LogFormat selects "json" (production, default) or "console" (development).
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("observability.NewLogger: invalid log_level %q: %w", cfg.LogLevel, err)
	}

	var zc zap.Config
	switch cfg.LogFormat {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "json", "":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("observability.NewLogger: invalid log_format %q", cfg.LogFormat)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("observability.NewLogger: build: %w", err)
	}
	return logger, nil
}

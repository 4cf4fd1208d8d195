// logging.go — structured logger construction (SPEC_FULL.md §1 ambient
// stack: config-driven zap level/format).
//
// Grounded on other_examples/octoreflex's cmd/octoreflex/main.go
// buildLogger: zap.NewProductionConfig/zap.NewDevelopmentConfig selected by
// a "console" vs anything-else format string, level parsed via
// zapcore.Level.UnmarshalText.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build constructs a *zap.Logger for the given level ("debug", "info",
// "warn", "error", ...) and format ("console" for human-readable development
// output, anything else for JSON production output).
func Build(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

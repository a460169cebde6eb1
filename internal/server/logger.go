package server

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger builds the process logger from the level and format settings.
// LogFormat "json" selects the production encoder; anything else logs in the
// human-readable console format.
func NewLogger(cfg *Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.LogLevel, err)
	}

	zcfg := zap.NewDevelopmentConfig()
	if cfg.LogFormat == "json" {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = level

	return zcfg.Build()
}

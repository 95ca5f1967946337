package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level string
	// JSON switches to the production encoder, one JSON object per line.
	JSON bool
}

// New builds the sugared logger every component receives through its Opts.
func New(cfg Config) (*zap.SugaredLogger, error) {
	var zc zap.Config
	if cfg.JSON {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("could not build logger: %w", err)
	}
	return l.Sugar(), nil
}

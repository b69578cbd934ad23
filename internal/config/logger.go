package config

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SetupLogger builds the process logger from the log section.
func (c *Config) SetupLogger(opts ...zap.Option) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", c.Log.Level)
	}

	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	opts = append(opts, zap.AddStacktrace(zapcore.FatalLevel))
	lg, err := zc.Build(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return lg, nil
}

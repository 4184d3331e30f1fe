package crawlerkit

import (
	"errors"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects the zap preset used by the CLI and long-running crawlers.
type LogConfig struct {
	// Level is debug, info, warn or error. Empty means info.
	Level string `yaml:"level"`
	// Development switches to the human-readable console encoder.
	Development bool `yaml:"development"`
	// OutputPaths defaults to stderr.
	OutputPaths []string `yaml:"output_paths"`
}

// Validate checks that Level parses.
func (c LogConfig) Validate() error {
	if c.Level == "" {
		return nil
	}
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "log.level",
			"value":  c.Level,
			"reason": err.Error(),
		})
	}
	return nil
}

// ZapLogger is the Logger backed by zap. Adapter log calls pass
// alternating key/value fields, which the sugared logger turns into
// typed zap fields.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps an already built zap logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: logger.Sugar()}
}

// NewZapLoggerFromConfig builds a JSON logger, or a console logger when
// cfg.Development is set.
func NewZapLoggerFromConfig(cfg LogConfig) (*ZapLogger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, _ := zapcore.ParseLevel(cfg.Level)
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if len(cfg.OutputPaths) > 0 {
		zcfg.OutputPaths = cfg.OutputPaths
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "log",
			"reason": err.Error(),
		})
	}
	return NewZapLogger(logger), nil
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) { l.sugar.Debugw(msg, fields...) }
func (l *ZapLogger) Info(msg string, fields ...interface{})  { l.sugar.Infow(msg, fields...) }
func (l *ZapLogger) Warn(msg string, fields ...interface{})  { l.sugar.Warnw(msg, fields...) }
func (l *ZapLogger) Error(msg string, fields ...interface{}) { l.sugar.Errorw(msg, fields...) }

// Named scopes the logger to one adapter or command, e.g. "mongo".
func (l *ZapLogger) Named(name string) *ZapLogger {
	return &ZapLogger{sugar: l.sugar.Named(name)}
}

// With attaches fields to every entry of the returned logger, e.g. the
// target collection of a long import.
func (l *ZapLogger) With(fields ...interface{}) *ZapLogger {
	return &ZapLogger{sugar: l.sugar.With(fields...)}
}

// Sync flushes buffered entries. Terminals reject fsync with EINVAL or
// ENOTTY; those are not reported.
func (l *ZapLogger) Sync() error {
	err := l.sugar.Sync()
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return nil
	}
	return err
}

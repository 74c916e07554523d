// Package logger builds the zap loggers used by every replog process.
package logger

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"replog/internal"
)

// Config selects the log encoding and minimum level.
type Config struct {
	// Format is "console" (also "auto") or "json".
	Format string
	Level  zapcore.Level
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{
		Format: "auto",
		Level:  zapcore.InfoLevel,
	}
}

// New returns a logger writing to w with UTC RFC3339 timestamps and
// human-readable durations.
func New(w io.Writer, cfg Config) (*zap.Logger, error) {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	ec.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}

	var enc zapcore.Encoder
	switch cfg.Format {
	case "", "auto", "console":
		enc = zapcore.NewConsoleEncoder(ec)
	case "json":
		enc = zapcore.NewJSONEncoder(ec)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return zap.New(zapcore.NewCore(
		enc,
		zapcore.Lock(zapcore.AddSync(w)),
		cfg.Level,
	)), nil
}

var loggerKey = internal.NewCtxKey[*zap.Logger]("logger")

// NewContextWithLogger returns a new context with log added.
func NewContextWithLogger(ctx context.Context, log *zap.Logger) context.Context {
	return internal.SetCtxKey(ctx, loggerKey, log)
}

// FromContext returns the logger stored in ctx, or fallback if there is none.
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := internal.GetCtxKey(ctx, loggerKey); ok && l != nil {
		return l
	}
	return fallback
}

// Package logging provides the single shared structured logger apex's
// engine packages use, threaded through context.Context so no package
// depends on a package-level global.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// Config controls the root logger constructed by New.
type Config struct {
	Level      zerolog.Level
	JSONOutput bool
	Output     io.Writer
}

// New builds a root logger from cfg. The CLI or host process calls this
// once at startup; this package never reads its own configuration.
func New(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.Level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.JSONOutput {
		return zerolog.New(out).With().Timestamp().Logger()
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// WithContext attaches logger to ctx.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// From returns the logger attached to ctx, or a disabled logger if none was
// attached.
func From(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}

	return zerolog.Nop()
}

// Component returns a child logger tagged with a component name, following
// from ctx.
func Component(ctx context.Context, name string) zerolog.Logger {
	return From(ctx).With().Str("component", name).Logger()
}

// Package platlog provides the structured logging facade used across the
// harness. It wraps go-logr/logr, backed by zap, so call sites depend on a
// small interface rather than on zap directly.
package platlog

import (
	"context"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// Logger is the facade every package logs through. It mirrors the
// contextLogger idiom: acquire from context, chain WithName/WithValues,
// then call Info/Error/Debug.
type Logger struct {
	logr.Logger
}

// Global holds the root logger, configured once at process startup.
var Global = Logger{Logger: logr.Discard()}

// Configure builds the root logger for the given environment name
// ("development" enables console encoding and debug level; anything else
// gets JSON encoding at info level) and installs it as Global.
func Configure(environment string) {
	var cfg zap.Config
	if environment == "development" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.OutputPaths = []string{"stderr"}

	zapLog, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Logging can't be set up; fall back to a no-op logger rather than
		// taking the process down over an observability concern.
		os.Stderr.WriteString("platlog: failed to build zap logger: " + err.Error() + "\n")
		return
	}

	Global = Logger{Logger: zapr.NewLogger(zapLog)}
}

// IntoContext attaches l to ctx so it can be retrieved with FromContext.
func IntoContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached to ctx, or the Global logger if
// none was attached.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return Global
}

// WithName returns a new Logger with name appended to the logger's name.
func (l Logger) WithName(name string) Logger {
	return Logger{Logger: l.Logger.WithName(name)}
}

// WithValues returns a new Logger with the given key-value pairs added.
func (l Logger) WithValues(kv ...any) Logger {
	return Logger{Logger: l.Logger.WithValues(kv...)}
}

// Error logs err at error level with msg and key-value pairs.
func (l Logger) Error(err error, msg string, kv ...any) {
	l.Logger.Error(err, msg, kv...)
}

// Info logs msg at info level with key-value pairs.
func (l Logger) Info(msg string, kv ...any) {
	l.Logger.Info(msg, kv...)
}

// Debug logs msg at debug verbosity (logr V(1)).
func (l Logger) Debug(msg string, kv ...any) {
	l.Logger.V(1).Info(msg, kv...)
}

// Warning logs msg at a verbosity between info and error; logr has no
// dedicated warning level so this is emitted at V(0) with a "level" tag,
// matching the contextLogger.Error(nil, ...)-style convention the rest of
// the codebase avoids by being explicit here instead.
func (l Logger) Warning(msg string, kv ...any) {
	l.Logger.Info(msg, append([]any{"level", "warning"}, kv...)...)
}

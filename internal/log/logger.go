// Package log provides structured logging for xrecomp using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with runtime-specific helpers.
type Logger struct {
	*zap.Logger
	onTrace func(pc uint32, category, name, detail string) // trace callback for events
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// Default returns the global logger, falling back to a no-op logger when
// Init was never called.
func Default() *Logger {
	if L == nil {
		return NewNop()
	}
	return L
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewLevel creates a production logger at an explicit level name ("debug",
// "info", "warn", "error"). Unknown names select warn.
func NewLevel(level string) *Logger {
	if level == "debug" {
		return New(true)
	}
	lvl := zap.WarnLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zap.WarnLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}
	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnTrace sets the trace callback for bridge and dispatch events.
func (l *Logger) SetOnTrace(fn func(pc uint32, category, name, detail string)) {
	l.onTrace = fn
}

// Trace logs a bridge event and calls the trace callback if set.
// This is the primary method for kernel routines to report their activity.
func (l *Logger) Trace(pc uint32, category, name, detail string) {
	if l.onTrace != nil {
		l.onTrace(pc, category, name, detail)
	}

	l.Debug("call",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("detail", detail),
		zap.String("pc", Hex(pc)),
	)
}

// BridgeInstall logs when a thunk slot is bound to a routine.
func (l *Logger) BridgeInstall(category, name string, ordinal uint16, target uint32) {
	l.Debug("bridged",
		zap.String("cat", category),
		zap.String("fn", name),
		Ordinal(ordinal),
		Addr(target),
	)
}

// Fallback logs when an unregistered kernel routine is called.
func (l *Logger) Fallback(name string, ordinal uint16) {
	l.Debug("fallback",
		zap.String("fn", name),
		Ordinal(ordinal),
		zap.String("ret", "0"),
	)
}

// DispatchMiss logs an unresolved indirect call. The first miss at an
// address is a warning; repeats drop to debug.
func (l *Logger) DispatchMiss(addr, ret uint32, count int) {
	fields := []zap.Field{Addr(addr), Ptr("ret", ret), zap.Int("count", count)}
	if count == 1 {
		l.Warn("unresolved call", fields...)
		return
	}
	l.Debug("unresolved call", fields...)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("cat", category)),
		onTrace: l.onTrace,
	}
}

// WithSession returns a logger tagged with a runtime session id.
func (l *Logger) WithSession(id string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("session", id)),
		onTrace: l.onTrace,
	}
}

// Hex formats a 32-bit logical address as a hex string for logging.
func Hex(addr uint32) string {
	return Hex64(uint64(addr))
}

// Hex64 formats a host-width value as a hex string.
func Hex64(v uint64) string {
	return "0x" + hexString(v)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint32) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint32) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

// Ordinal creates a kernel export ordinal field.
func Ordinal(n uint16) zap.Field {
	return zap.Uint16("ordinal", n)
}

package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides structured logging for a named component. Services receive
// a *Logger at construction and log through nothing else.
type Logger struct {
	serviceName string
	version     string
	zl          *zap.SugaredLogger
	base        *zap.Logger
}

// New creates a new logger instance for the given component.
func New(serviceName, version string) *Logger {
	var enc zapcore.Encoder
	if isTerminal() {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(devCfg)
	} else {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), levelFromEnv())
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName), zap.String("version", version))

	return &Logger{
		serviceName: serviceName,
		version:     version,
		zl:          base.Sugar(),
		base:        base,
	}
}

func levelFromEnv() zapcore.Level {
	switch os.Getenv("LAKEKEEPER__LOG_LEVEL") {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// isTerminal checks if we're outputting to a terminal (for color support)
func isTerminal() bool {
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	fileInfo, _ := os.Stdout.Stat()
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// Named returns a child logger for a sub-component.
func (l *Logger) Named(name string) *Logger {
	child := l.base.Named(name)
	return &Logger{
		serviceName: l.serviceName + "." + name,
		version:     l.version,
		zl:          child.Sugar(),
		base:        child,
	}
}

// WithFields returns a logger with the given fields attached to every entry.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	child := l.zl.With(args...)
	return &Logger{
		serviceName: l.serviceName,
		version:     l.version,
		zl:          child,
		base:        child.Desugar(),
	}
}

func (l *Logger) Debug(msg string)                          { l.zl.Debug(msg) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.zl.Debugf(format, args...) }
func (l *Logger) Info(msg string)                           { l.zl.Info(msg) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zl.Infof(format, args...) }
func (l *Logger) Warn(msg string)                           { l.zl.Warn(msg) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zl.Warnf(format, args...) }
func (l *Logger) Error(msg string)                          { l.zl.Error(msg) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zl.Errorf(format, args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.zl.Fatalf(format, args...) }

// AuditEvent describes an authorization-relevant action for the audit stream.
type AuditEvent struct {
	Actor    string
	Action   string
	Entity   string
	Decision string
	Reason   string
}

// Audit emits an INFO entry tagged event_source=audit. Audit entries record
// every authorization decision and privileged mutation.
func (l *Logger) Audit(ev AuditEvent) {
	fields := []zap.Field{
		zap.String("event_source", "audit"),
		zap.String("actor", ev.Actor),
		zap.String("action", ev.Action),
		zap.String("entity", ev.Entity),
		zap.String("decision", ev.Decision),
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	l.base.Info("audit", fields...)
}

// Sync flushes buffered entries. Called on shutdown.
func (l *Logger) Sync() {
	_ = l.base.Sync()
}

// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const componentKey = "component"

// zapLogger is default implementation of the Logger interface.
// It is wrapped zap.SugaredLogger.
type zapLogger struct {
	base      *zap.Logger
	sugar     *zap.SugaredLogger
	component string
}

func loggerFromZapCore(core zapcore.Core) *zapLogger {
	return newZapLogger(zap.New(core), "")
}

func newZapLogger(base *zap.Logger, component string) *zapLogger {
	l := base
	if component != "" {
		l = base.With(zap.String(componentKey, component))
	}
	return &zapLogger{base: base, sugar: l.Sugar(), component: component}
}

func (l *zapLogger) With(attrs ...attribute.KeyValue) Logger {
	fields := make([]zap.Field, 0, len(attrs))
	for _, attr := range attrs {
		fields = append(fields, zap.Any(string(attr.Key), attr.Value.AsInterface()))
	}
	return newZapLogger(l.base.With(fields...), l.component)
}

func (l *zapLogger) WithComponent(component string) Logger {
	if l.component != "" {
		component = l.component + "." + component
	}
	return newZapLogger(l.base, component)
}

func (l *zapLogger) WithDuration(v time.Duration) Logger {
	return l.With(attribute.String("duration", v.String()))
}

func (l *zapLogger) Debug(_ context.Context, message string) {
	l.sugar.Debug(message)
}

func (l *zapLogger) Info(_ context.Context, message string) {
	l.sugar.Info(message)
}

func (l *zapLogger) Warn(_ context.Context, message string) {
	l.sugar.Warn(message)
}

func (l *zapLogger) Error(_ context.Context, message string) {
	l.sugar.Error(message)
}

func (l *zapLogger) Log(_ context.Context, level string, message string) {
	l.sugar.Log(parseLevel(level), message)
}

func (l *zapLogger) Debugf(_ context.Context, template string, args ...any) {
	l.sugar.Debugf(template, args...)
}

func (l *zapLogger) Infof(_ context.Context, template string, args ...any) {
	l.sugar.Infof(template, args...)
}

func (l *zapLogger) Warnf(_ context.Context, template string, args ...any) {
	l.sugar.Warnf(template, args...)
}

func (l *zapLogger) Errorf(_ context.Context, template string, args ...any) {
	l.sugar.Errorf(template, args...)
}

func (l *zapLogger) Logf(_ context.Context, level string, template string, args ...any) {
	l.sugar.Logf(parseLevel(level), template, args...)
}

func (l *zapLogger) Sync() error {
	return l.sugar.Sync()
}

// ZapLogger returns the underlying zap logger, for example for the etcd client.
func (l *zapLogger) ZapLogger() *zap.Logger {
	return l.sugar.Desugar()
}

func parseLevel(level string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return InfoLevel
	}
	return lvl
}

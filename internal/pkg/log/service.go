// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewServiceLogger creates a production logger for a long-running service.
// Debug messages are logged only if verbose is true.
func NewServiceLogger(w io.Writer, verbose bool, format LogFormat) Logger {
	level := InfoLevel
	if verbose {
		level = DebugLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.MessageKey = "message"
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	return loggerFromZapCore(zapcore.NewCore(format.encoder(encoderConfig), zapcore.Lock(zapcore.AddSync(w)), level))
}

// NewNopLogger returns a logger which discards all messages.
func NewNopLogger() Logger {
	return loggerFromZapCore(zapcore.NewNopCore())
}

// ZapLoggerOf returns the underlying zap logger or a no-op logger.
func ZapLoggerOf(logger Logger) *zap.Logger {
	if v, ok := logger.(interface{ ZapLogger() *zap.Logger }); ok {
		return v.ZapLogger()
	}
	return zap.NewNop()
}

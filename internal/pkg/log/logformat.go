// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/opusload/opus/internal/pkg/utils/errors"
)

// LogFormat selects the encoder of the service logger.
type LogFormat string

const (
	LogFormatConsole LogFormat = "console"
	LogFormatJSON    LogFormat = "json"
)

// NewLogFormat parses the format, an unknown value returns the console format and an error.
func NewLogFormat(v string) (LogFormat, error) {
	switch f := LogFormat(strings.ToLower(strings.TrimSpace(v))); f {
	case LogFormatConsole, LogFormatJSON:
		return f, nil
	default:
		return LogFormatConsole, errors.Errorf(`unexpected log format "%s", expected "console" or "json"`, v)
	}
}

func (f LogFormat) encoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	if f == LogFormatJSON {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

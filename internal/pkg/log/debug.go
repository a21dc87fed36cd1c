// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type debugLogger struct {
	*zapLogger
	all *syncBuffer
}

type syncBuffer struct {
	lock    sync.Mutex
	buf     bytes.Buffer
	connect []io.Writer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, w := range b.connect {
		_, _ = w.Write(p)
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

// NewDebugLogger creates a logger which stores all messages as JSON lines in memory.
func NewDebugLogger() DebugLogger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.MessageKey = "message"
	encoderConfig.TimeKey = ""
	encoderConfig.CallerKey = ""
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	all := &syncBuffer{}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(all), DebugLevel)
	return &debugLogger{zapLogger: loggerFromZapCore(core), all: all}
}

// ConnectTo duplicates all following messages to the writer, for example os.Stdout in a verbose test.
func (l *debugLogger) ConnectTo(writer io.Writer) {
	l.all.lock.Lock()
	defer l.all.lock.Unlock()
	l.all.connect = append(l.all.connect, writer)
}

func (l *debugLogger) Truncate() {
	l.all.lock.Lock()
	defer l.all.lock.Unlock()
	l.all.buf.Reset()
}

func (l *debugLogger) AllMessages() string {
	return l.all.String()
}

func (l *debugLogger) ErrorMessages() string {
	var out strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(l.AllMessages()))
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), `"level":"error"`) {
			out.WriteString(scanner.Text())
			out.WriteString("\n")
		}
	}
	return out.String()
}

func (l *debugLogger) CompareJSONMessages(expected string) error {
	return CompareJSONMessages(expected, l.AllMessages())
}

func (l *debugLogger) AssertJSONMessages(t assert.TestingT, expected string, msgAndArgs ...any) bool {
	return AssertJSONMessages(t, expected, l.AllMessages(), msgAndArgs...)
}

func (l *debugLogger) AssertNoJSONMessage(t assert.TestingT, unexpected string, msgAndArgs ...any) bool {
	return AssertNoJSONMessage(t, unexpected, l.AllMessages(), msgAndArgs...)
}

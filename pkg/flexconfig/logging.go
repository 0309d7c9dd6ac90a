package flexconfig

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// logFormatter is a plain timestamp+level+message formatter, adapted
// from the teacher's client.LogFormatter (pkg/client/log.go) for a
// daemon that writes straight to stderr rather than a rotated log file.
type logFormatter struct {
	timestampFormat string
}

// Format implements logrus.Formatter.
func (f *logFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := &bytes.Buffer{}
	b.WriteString(entry.Time.Format(f.timestampFormat))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, " %s=%+v", k, entry.Data[k])
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// SetupLogging builds the root logrus logger at the given level, wraps
// it for dlog per the teacher's dlog.WrapLogrus/SetFallbackLogger
// idiom (cmd/traffic/logger.go's makeBaseLogger), and returns a context
// carrying it for every goroutine dgroup spawns downstream.
func SetupLogging(ctx context.Context, level string) context.Context {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logFormatter{timestampFormat: "2006-01-02 15:04:05.0000"})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrusLogger.SetLevel(parsed)

	logger := dlog.WrapLogrus(logrusLogger)
	dlog.SetFallbackLogger(logger)
	return dlog.WithLogger(ctx, logger)
}

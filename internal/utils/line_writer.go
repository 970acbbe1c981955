package utils

import (
	"bytes"
	"log/slog"
	"sync"
	"time"
)

// LineFunc receives one complete, timestamped log line without the trailing newline.
type LineFunc func(line string)

// LineWriter implements io.Writer and delivers every complete line written to it
// to a callback, prefixed with a wall clock timestamp. It lets front ends follow
// the activity log without parsing slog records.
type LineWriter struct {
	fn         LineFunc
	timeFormat string
	now        func() time.Time

	mu  sync.Mutex
	buf bytes.Buffer
}

func NewLineWriter(fn LineFunc) *LineWriter {
	return &LineWriter{
		fn:         fn,
		timeFormat: time.TimeOnly,
		now:        time.Now,
	}
}

// Write implements io.Writer. Partial lines are kept until the newline arrives.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf.Next(idx+1), "\r\n"))
		w.fn("[" + w.now().Format(w.timeFormat) + "] " + line)
	}
	return len(p), nil
}

// NewLineHandler returns a slog handler that renders records as text lines
// (without the slog time attribute, the writer adds its own) into fn.
func NewLineHandler(fn LineFunc, level slog.Leveler) slog.Handler {
	return slog.NewTextHandler(NewLineWriter(fn), &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: dropTime,
	})
}

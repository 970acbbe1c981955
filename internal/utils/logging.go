// Package utils holds small helpers shared by the client and the relay.
package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LogInterceptor prefixes every line written to it with a sequence number and
// a timestamp before passing it on to the target.
type LogInterceptor struct {
	target io.Writer
	now    func() time.Time

	mu   sync.Mutex
	seq  uint64
	buf  bytes.Buffer
	line bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{
		target: target,
		now:    time.Now,
	}
}

// Write implements io.Writer. Incomplete lines wait for their newline or Close.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.buf.Write(p)
	for {
		idx := bytes.IndexByte(i.buf.Bytes(), '\n')
		if idx < 0 {
			return len(p), nil
		}
		if err := i.emit(bytes.TrimRight(i.buf.Next(idx+1), "\r\n")); err != nil {
			return len(p), err
		}
	}
}

// Close flushes a trailing partial line.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.buf.Len() == 0 {
		return nil
	}
	rest := bytes.TrimRight(i.buf.Bytes(), "\r\n")
	i.buf.Reset()
	return i.emit(rest)
}

func (i *LogInterceptor) emit(text []byte) error {
	i.seq++
	i.line.Reset()
	i.line.WriteString(slog.Uint64("line", i.seq).String())
	i.line.WriteByte(' ')
	i.line.WriteString(slog.String("time", i.now().Format(time.RFC3339)).String())
	i.line.WriteByte(' ')
	i.line.Write(text)
	i.line.WriteByte('\n')
	_, err := i.target.Write(i.line.Bytes())
	return err
}

// MultiLogHandler fans records out to several handlers.
type MultiLogHandler struct {
	handlers []slog.Handler
}

func NewMultiLogHandler(handlers ...slog.Handler) *MultiLogHandler {
	return &MultiLogHandler{handlers: handlers}
}

func (h *MultiLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle passes r to every handler that accepts its level and joins their errors.
func (h *MultiLogHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *MultiLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.each(func(handler slog.Handler) slog.Handler { return handler.WithAttrs(attrs) })
}

func (h *MultiLogHandler) WithGroup(name string) slog.Handler {
	return h.each(func(handler slog.Handler) slog.Handler { return handler.WithGroup(name) })
}

func (h *MultiLogHandler) each(fn func(slog.Handler) slog.Handler) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = fn(handler)
	}
	return NewMultiLogHandler(handlers...)
}

// LogOptions selects where process logs go.
type LogOptions struct {
	Level   slog.Level
	Console *os.File
	// LogFile, when set, receives a plain text copy of every record.
	LogFile string
}

// NewLogHandler builds the process log handler. The console gets colored tint
// output on a terminal and timestamped plain lines otherwise. The returned
// closer flushes and closes the log file, if any.
func NewLogHandler(opts LogOptions) (slog.Handler, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	var consoleHandler slog.Handler
	if isatty.IsTerminal(console.Fd()) || isatty.IsCygwinTerminal(console.Fd()) {
		consoleHandler = tint.NewHandler(console, &tint.Options{
			Level:      opts.Level,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		consoleHandler = NewLineHandler(func(line string) {
			fmt.Fprintln(console, line)
		}, opts.Level)
	}

	if opts.LogFile == "" {
		return consoleHandler, nopCloser{}, nil
	}

	if err := EnsureParent(opts.LogFile); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	interceptor := NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level:       opts.Level,
		ReplaceAttr: dropTime,
	})

	return NewMultiLogHandler(consoleHandler, fileHandler), &logFileCloser{interceptor, file}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type logFileCloser struct {
	interceptor *LogInterceptor
	file        *os.File
}

func (c *logFileCloser) Close() error {
	return errors.Join(c.interceptor.Close(), c.file.Close())
}

// dropTime removes the top level time attribute. The interceptor or line
// writer adds its own.
func dropTime(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && len(groups) == 0 {
		return slog.Attr{}
	}
	return a
}

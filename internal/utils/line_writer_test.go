package utils

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineWriterSplitsLines(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(line string) { lines = append(lines, line) })
	w.now = func() time.Time { return time.Date(2024, 1, 1, 12, 30, 45, 0, time.UTC) }

	_, err := w.Write([]byte("first\nsec"))
	require.NoError(t, err)
	assert.Equal(t, []string{"[12:30:45] first"}, lines)

	_, err = w.Write([]byte("ond\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"[12:30:45] first", "[12:30:45] second"}, lines)
}

func TestLineHandlerDropsSlogTime(t *testing.T) {
	var lines []string
	logger := slog.New(NewLineHandler(func(line string) { lines = append(lines, line) }, slog.LevelInfo))

	logger.Debug("hidden")
	logger.Info("file created", "path", "docs/readme.txt")

	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `msg="file created" path=docs/readme.txt`)
	assert.NotContains(t, lines[0], "time=")
}

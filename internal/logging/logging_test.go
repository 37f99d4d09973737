package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			level, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, level)
		})
	}

	_, err := ParseLevel("verbose")
	assert.EqualError(t, err, `unknown log level "verbose"`)
}

func TestNew(t *testing.T) {
	t.Run("text output through tint", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closeFn, err := New(Options{Level: "info", NoColor: true, Output: &buf})
		require.NoError(t, err)
		defer closeFn()

		logger.Debug("hidden")
		logger.Info("received reply", "correlationId", "abc")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "INF received reply")
		assert.Contains(t, out, "correlationId=abc")
	})

	t.Run("json output", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _, err := New(Options{Level: "debug", Format: "json", Output: &buf})
		require.NoError(t, err)

		logger.Debug("sent request", "destination", "jms/ExampleQueue")

		var record map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "sent request", record["msg"])
		assert.Equal(t, "DEBUG", record["level"])
		assert.Equal(t, "jms/ExampleQueue", record["destination"])
	})

	t.Run("file output is json and also reaches the console", func(t *testing.T) {
		var buf bytes.Buffer
		path := filepath.Join(t.TempDir(), "mmate-rr.log")
		logger, closeFn, err := New(Options{
			Level:     "info",
			NoColor:   true,
			Output:    &buf,
			File:      path,
			MaxSizeMB: 1,
		})
		require.NoError(t, err)

		logger.With("component", "server").Warn("discarded request")
		require.NoError(t, closeFn())

		assert.Contains(t, buf.String(), "discarded request")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 1)

		var record map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
		assert.Equal(t, "discarded request", record["msg"])
		assert.Equal(t, "server", record["component"])
	})

	t.Run("rejects unknown settings", func(t *testing.T) {
		_, _, err := New(Options{Level: "loud"})
		assert.Error(t, err)
		_, _, err = New(Options{Format: "xml"})
		assert.EqualError(t, err, `unknown log format "xml"`)
	})
}

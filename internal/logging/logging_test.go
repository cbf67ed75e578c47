package logging

import (
	"bytes"
	"errors"
	"log/slog"
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
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewWriter(t *testing.T) {
	var buf bytes.Buffer
	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)
	log := NewWriter(&buf, level, true)

	log.Info("hidden")
	log.Warn("unreadable record", "oid", "0x2a", "empty", "", "err", errors.New("truncated"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "unreadable record")
	assert.Contains(t, out, "oid=0x2a")
	assert.Contains(t, out, "truncated")
	assert.NotContains(t, out, "empty=")
	assert.NotContains(t, out, "\x1b[", "no color codes")

	level.Set(slog.LevelDebug)
	buf.Reset()
	log.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringToLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := StringToLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := StringToLevel("verbose")
	assert.Error(t, err)

	assert.Equal(t, "WARN", LevelToString(slog.LevelWarn))
}

func TestRedactsSensitiveAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.With("smtp_password", "hunter2").Info("connecting",
		"user", "mailer",
		"Authorization", "Bearer abc",
		slog.Group("server", "api_key", "k-123", "host", "smtp.example.com"))

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "Bearer abc")
	assert.NotContains(t, out, "k-123")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, Redacted, record["smtp_password"])
	assert.Equal(t, "mailer", record["user"])
	server := record["server"].(map[string]any)
	assert.Equal(t, Redacted, server["api_key"])
	assert.Equal(t, "smtp.example.com", server["host"])
}

func TestFlattensLineBreaks(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("subject\nlevel=ERROR forged", "subject", "hi\r\nmsg=fake", "error", errors.New("550\nrejected"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "550 rejected")
}

func TestLevelManager(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "error"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	GetLevelManager().SetLevel(slog.LevelDebug)
	defer GetLevelManager().SetLevel(slog.LevelInfo)

	logger.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Equal(t, slog.LevelDebug, GetLevelManager().GetLevel())
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, _, err := New(Options{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, _, err = New(Options{Format: "xml"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "invalid log format")
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "smtp-pool.log")
	var buf bytes.Buffer

	logger, closer, err := New(Options{Level: "info", Format: "json", File: path}, &buf)
	require.NoError(t, err)

	logger.Info("to both", "password", "hunter2")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, buf.String(), string(data))
	assert.NotContains(t, string(data), "hunter2")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	rf, err := OpenRotatingFile(path, 10, 2)
	require.NoError(t, err)
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rf.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	for i := 0; i < 5; i++ {
		_, err := rf.Write([]byte("12345678\n"))
		require.NoError(t, err)
	}
	require.NoError(t, rf.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var rotated int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "app.log.") {
			rotated++
		}
	}
	assert.Equal(t, 2, rotated, "only maxFiles rotated copies are kept")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "12345678\n", string(data))

	_, err = rf.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":  slog.LevelDebug,
		"INFO":   slog.LevelInfo,
		" warn ": slog.LevelWarn,
		"error":  slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestHandlerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	lv := &slog.LevelVar{}
	lv.Set(slog.LevelWarn)
	log := slog.New(NewHandler(&buf, lv))

	log.Info("quiet")
	assert.Empty(t, buf.String())

	log.Warn("persist failed", "page", 7)
	assert.Contains(t, buf.String(), "persist failed")
	assert.Contains(t, buf.String(), "page=7")
	assert.NotContains(t, buf.String(), "\x1b[", "no color when not a terminal")
}

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_TextFormatSortsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithConfig(Config{Level: DEBUG, Output: &buf})

	l.WithField("component", "registry").Info("session opened", "id", "abc", "path", "uploads/x.bin")

	line := buf.String()
	assert.Contains(t, line, "[INFO] session opened |")
	assert.True(t, strings.Index(line, "component=") < strings.Index(line, "id="))
	assert.True(t, strings.Index(line, "id=") < strings.Index(line, "path="))
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithConfig(Config{Level: WARN, Output: &buf})

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogger_DerivedSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithConfig(Config{Level: ERROR, Output: &buf})
	child := root.WithField("component", "handler")

	root.SetLevel(DEBUG)
	child.Debug("now visible")

	assert.Contains(t, buf.String(), "now visible")
}

func TestLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithConfig(Config{Level: INFO, Output: &buf, Format: "json"})

	l.Error("flush failed", "error", errors.New("unexpected EOF"), "bytes", 42)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "flush failed", entry["msg"])
	assert.Equal(t, "unexpected EOF", entry["error"])
	assert.Equal(t, float64(42), entry["bytes"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"warning", WARN, false},
		{"Error", ERROR, false},
		{"verbose", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

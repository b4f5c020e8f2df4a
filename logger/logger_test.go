package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default config", cfg: DefaultConfig()},
		{name: "json to stdout", cfg: Config{Level: "debug", Format: "json", Output: "stdout"}},
		{name: "empty level is info", cfg: Config{Format: "json", Output: "stderr"}},
		{name: "unknown level", cfg: Config{Level: "chatty"}, wantErr: true},
		{name: "unwritable file", cfg: Config{Output: filepath.Join(t.TempDir(), "no", "such", "dir.log")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestNew_JSONWriter(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Format: "json", Writer: &buf})
	require.NoError(t, err)

	// WHEN
	ForOwner(l, "agent-7").Named("engine").Info("item flushed", zap.String("item_id", "i1"))
	l.Debug("dropped")

	// THEN: one JSON line carrying the owner, name and fields
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "engine", entry["logger"])
	assert.Equal(t, "item flushed", entry["msg"])
	assert.Equal(t, "agent-7", entry["owner_id"])
	assert.Equal(t, "i1", entry["item_id"])
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldcash.log")
	l, err := New(Config{Level: "warn", Format: "console", Output: path})
	require.NoError(t, err)

	l.Info("below threshold")
	l.Warn("anchor missing")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "anchor missing")
	assert.NotContains(t, string(data), "below threshold")
}

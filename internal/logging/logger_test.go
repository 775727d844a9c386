package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesDebugFileAsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "debug.log")

	l, err := New(Options{Level: "warn", DebugFile: path})
	require.NoError(t, err)

	l.Debug("subscription opened", zap.String("label", "project"))
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan(), "expected a log line")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	assert.Equal(t, "subscription opened", entry["msg"])
	assert.Equal(t, "project", entry["label"])
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestNilAndNopAreSafe(t *testing.T) {
	var l *Logger
	assert.NoError(t, l.Close())
	assert.NoError(t, Nop().Close())
	assert.NotNil(t, OrNop(nil))
}

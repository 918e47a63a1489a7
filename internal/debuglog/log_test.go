package debuglog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readEntries decodes every JSON line written to path.
func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e), "line %q", sc.Text())
		entries = append(entries, e)
	}
	require.NoError(t, sc.Err())
	return entries
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"Warning": LevelWarn,
		"warn":    LevelWarn,
		"ERROR":   LevelError,
		"off":     LevelOff,
		"verbose": LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		got := ParseLogLevel(in)
		assert.Equal(t, want, got, "ParseLogLevel(%q)", in)
		if in == "debug" || in == "off" {
			assert.Equal(t, want, ParseLogLevel(got.String()), "round trip of %s", got)
		}
	}
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestSetup_FiltersBelowLevel(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "stow.log")
	require.NoError(t, Setup(LevelWarn, logPath))
	t.Cleanup(func() { _ = Setup(LevelOff) })

	Debugf("job %s started", "enwiki:Cat")
	Infof("stored %d bytes", 512)
	Warnf("job %s failed: %s", "enwiki:Dog", "timeout")
	Errorf("flushing saved list: %s", "disk full")
	require.NoError(t, Close())

	entries := readEntries(t, logPath)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0]["level"])
	assert.Equal(t, "job enwiki:Dog failed: timeout", entries[0]["msg"])
	assert.Equal(t, "error", entries[1]["level"])
	assert.Equal(t, "stow", entries[1]["logger"])
	assert.Equal(t, LevelWarn, GetLevel())
}

func TestSetup_OffWritesNothing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Setup(LevelOff, filepath.Join(dir, "stow.log")))

	Errorf("never written")
	assert.Equal(t, LevelOff, GetLevel())

	_, err := os.Stat(filepath.Join(dir, "stow.log"))
	assert.True(t, os.IsNotExist(err), "no log file should be created when logging is off")
}

func TestWithFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "stow.log")
	require.NoError(t, Setup(LevelDebug, logPath))
	t.Cleanup(func() { _ = Setup(LevelOff) })

	WithFields(map[string]any{
		"key":   "en.wikipedia.org/wiki/Cat.jpg",
		"width": 320,
		"run":   "r-1",
	}).Debugf("served variant %d from cache", 440)
	require.NoError(t, Close())

	entries := readEntries(t, logPath)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "served variant 440 from cache", e["msg"])
	assert.Equal(t, "en.wikipedia.org/wiki/Cat.jpg", e["key"])
	assert.EqualValues(t, 320, e["width"])
	assert.Equal(t, "r-1", e["run"])
	assert.Contains(t, e, "ts")
}

func TestSetLevel_AppliesToOpenLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "stow.log")
	require.NoError(t, Setup(LevelError, logPath))
	t.Cleanup(func() { _ = Setup(LevelOff) })

	Infof("dropped")
	SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, GetLevel())
	Debugf("kept")
	require.NoError(t, Close())

	entries := readEntries(t, logPath)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["msg"])
}

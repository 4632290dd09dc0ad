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
)

// resetLogger restores the default logger state after a test.
func resetLogger(t *testing.T) {
	t.Cleanup(func() {
		InitWithWriter(os.Stdout, "INFO", "text")
	})
}

func TestLevelFiltering(t *testing.T) {
	resetLogger(t)

	buf := new(bytes.Buffer)
	InitWithWriter(buf, "INFO", "text")

	Debug("hidden")
	Info("visible info")
	Warn("visible warn")
	Error("visible error")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible info")
	assert.Contains(t, out, "visible warn")
	assert.Contains(t, out, "visible error")
}

func TestSetLevelAtRuntime(t *testing.T) {
	resetLogger(t)

	buf := new(bytes.Buffer)
	InitWithWriter(buf, "ERROR", "text")

	Info("suppressed")
	assert.Empty(t, buf.String())

	SetLevel("DEBUG")
	Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")

	// Invalid levels are ignored.
	SetLevel("CHATTY")
	Debug("still visible")
	assert.Contains(t, buf.String(), "still visible")
}

func TestJSONFormat(t *testing.T) {
	resetLogger(t)

	buf := new(bytes.Buffer)
	InitWithWriter(buf, "INFO", "json")

	Info("structured message", "batch_id", 7, "frames", 25)

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))

	assert.Equal(t, "structured message", record["msg"])
	assert.Equal(t, float64(7), record["batch_id"])
	assert.Equal(t, float64(25), record["frames"])
	assert.Equal(t, "INFO", record["level"])
}

func TestInitWithFileOutput(t *testing.T) {
	resetLogger(t)

	path := filepath.Join(t.TempDir(), "pipeline.log")
	require.NoError(t, Init(Config{Level: "INFO", Format: "text", Output: path}))

	Info("written to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestInitRejectsUnwritablePath(t *testing.T) {
	resetLogger(t)

	err := Init(Config{Output: filepath.Join(t.TempDir(), "no", "such", "dir", "x.log")})
	assert.Error(t, err)
}

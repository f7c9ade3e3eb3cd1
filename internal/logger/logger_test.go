package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetFormat("text")
		SetOutput(os.Stdout)
		SetLevel("info")
	})

	SetLevel("warn")
	Infof("hidden %d", 1)
	Warnf("shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 2")

	buf.Reset()
	SetFormat("json")
	With("execution", "e-1").Warn("progress")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "e-1", rec["execution"])
	assert.Equal(t, "progress", rec["msg"])
}

func TestScriptWriter(t *testing.T) {
	var buf bytes.Buffer
	SetScriptWriter(&buf)
	t.Cleanup(func() { SetScriptWriter(nil) })

	LogScript("e-1", "s-1", 12, []string{"hello", "world"})
	out := buf.String()
	assert.Contains(t, out, "[SCRIPT][e-1][s-1][bar 12]")
	assert.Contains(t, out, "hello\nworld\n")

	buf.Reset()
	LogScript("e-1", "s-1", 13, nil)
	assert.Empty(t, buf.String())
}

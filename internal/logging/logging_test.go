package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(zapcore.AddSync(&buf))
	defer SetOutput(zapcore.AddSync(&bytes.Buffer{}))

	require.NoError(t, SetLevel("WARN"))
	defer func() { _ = SetLevel("INFO") }()

	Info("hidden %d", 1)
	Warn("shown %s", "warning")

	out := buf.String()
	assert.NotContains(t, out, "hidden 1")
	assert.Contains(t, out, "shown warning")
	assert.Contains(t, out, "WARN")
}

func TestSetLevelInvalid(t *testing.T) {
	err := SetLevel("LOUD")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "LOUD")
}

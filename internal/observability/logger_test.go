package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/taskpilot/taskpilot/internal/config"
)

func TestInitializeOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	sink := &zaptest.Buffer{}
	Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "test"}, sink)

	first := GetLogger()
	require.NotNil(t, first)

	// A second Initialize must not replace the stored logger.
	Initialize(config.LoggerConfig{Level: "error", Format: "console", ServiceName: "other"}, &zaptest.Buffer{})
	assert.Same(t, first, GetLogger())

	first.Info("hello")
	assert.Contains(t, sink.String(), `"hello"`)
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	sink := &zaptest.Buffer{}
	Initialize(config.LoggerConfig{Level: "chatty", Format: "json", ServiceName: "test"}, sink)

	logger := GetLogger()
	logger.Debug("too quiet")
	logger.Info("loud enough")

	out := sink.String()
	assert.NotContains(t, out, "too quiet")
	assert.Contains(t, out, "loud enough")
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	// Must not panic and must hand back something usable.
	logger := GetLogger()
	require.NotNil(t, logger)
	logger.Info("fallback works")
}

func TestNewEncoderFormats(t *testing.T) {
	assert.NotNil(t, newEncoder("console"))
	assert.NotNil(t, newEncoder("json"))
	// Unknown formats degrade to JSON rather than erroring.
	enc := newEncoder("yaml")
	_, ok := enc.(zapcore.Encoder)
	assert.True(t, ok)
}

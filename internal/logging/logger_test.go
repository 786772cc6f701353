package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerLevelsFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	l.Debug("should not appear")
	l.Info("should not appear either")
	l.Warn("visible warning", "conn", 7)
	l.Error("visible error")

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "visible warning")
	require.Contains(t, out, "conn=7")
	require.Contains(t, out, "visible error")
}

func TestDefaultLoggerSingleton(t *testing.T) {
	a := Default()
	b := Default()
	require.Same(t, a, b)

	var buf bytes.Buffer
	custom := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	SetDefault(custom)
	defer SetDefault(a)

	Info("hello")
	require.True(t, strings.Contains(buf.String(), "hello"))
}

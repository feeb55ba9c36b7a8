package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]slog.Level{
		"trace": LevelTrace,
		"DEBUG": LevelDebug,
		"info":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
		"crit":  LevelCrit,
	} {
		got, err := ParseLevel(input)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestModuleGatingFiltersTraceAndDebug(t *testing.T) {
	var buf bytes.Buffer
	prev := Root()
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))
	defer SetDefault(prev)

	DisableModule(SandboxMonitoring)
	Debug(SandboxMonitoring, "hidden")
	Trace(SandboxMonitoring, "also hidden")
	require.Empty(t, buf.String())

	EnableModule(SandboxMonitoring)
	defer DisableModule(SandboxMonitoring)
	Debug(SandboxMonitoring, "visible", "k", "v")
	out := buf.String()
	require.Contains(t, out, "visible")
	require.Contains(t, out, SandboxMonitoring)

	// info and above ignore module gating
	buf.Reset()
	DisableModule(SandboxMonitoring)
	Info(SandboxMonitoring, "always on")
	require.Contains(t, buf.String(), "always on")
}

func TestWithCarriesAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewTerminalHandlerWithLevel(&buf, LevelDebug, false)).With("height", 7)
	l.Info(StoreMonitoring, "committed")
	require.True(t, strings.Contains(buf.String(), "height=7"))
}

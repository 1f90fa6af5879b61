package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestSecretMasksValue(t *testing.T) {
	require.Equal(t, RedactedValue, Secret("jwt", "hunter2").Value.String())
	require.Equal(t, "", Secret("jwt", " ").Value.String())
}

package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestWithStream_AddsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("debug", false, &buf)
	defer InitWithWriter("info", false, &bytes.Buffer{})

	WithStream("mjpeg", "wide").Info().Int("clients", 3).Msg("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "mjpeg", entry["component"])
	assert.Equal(t, "wide", entry["stream"])
	assert.Equal(t, float64(3), entry["clients"])
	assert.Equal(t, "hello", entry["message"])
}

func TestInit_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("warn", false, &buf)
	defer InitWithWriter("info", false, &bytes.Buffer{})

	WithComponent("test").Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	WithComponent("test").Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

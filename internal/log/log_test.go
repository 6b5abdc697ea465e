package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"Error":   LevelError,
		"":        LevelInfo,
		"chatty":  LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com/path/to/private.ics?token=abcd": "https://example.com/...(redacted)",
		"https://user:pw@calendar.example.com/x":             "https://calendar.example.com/...(redacted)",
		"http://127.0.0.1:8080?key=1":                        "http://127.0.0.1:8080/...(redacted)",
		"not a url":                                          "...(redacted)",
	}
	for in, want := range cases {
		assert.Equal(t, want, RedactURL(in), in)
	}
}

func TestLoggingDropsOddKeyValues(t *testing.T) {
	SetLevel(LevelDebug)
	defer SetLevel(LevelInfo)

	assert.NotPanics(t, func() {
		Debug("odd", "key")
		Info("pairs", "a", 1, "b", "two")
		Warn("warned", "k", "v", "dangling")
		Error("failed", nil, "k", "v")
	})
}

package logging

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":       "debug",
		"warn":        "warn",
		"error":       "error",
		"info":        "info",
		"":            "info",
		"unknown-foo": "info",
	}
	for input, want := range cases {
		got := parseLevel(input).String()
		if got != want {
			t.Fatalf("parseLevel(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewProducesUsableLogger(t *testing.T) {
	logger := New(Options{Level: "debug"})
	if logger.GetLevel().String() != "debug" {
		t.Fatalf("logger level = %q, want debug", logger.GetLevel().String())
	}
}

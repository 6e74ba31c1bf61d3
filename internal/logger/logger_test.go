package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelDebug))

	log.Info("channel funded", "channel", "ab12", "balance", 60)

	line := buf.String()
	if !strings.Contains(line, "[INF] channel funded") {
		t.Fatalf("missing level and message: %q", line)
	}

	if !strings.Contains(line, "channel=ab12") || !strings.Contains(line, "balance=60") {
		t.Errorf("missing attributes: %q", line)
	}
}

func TestHandlerMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelWarn))

	log.Info("dropped")
	log.Debug("dropped")
	log.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("records below minimum were written: %q", out)
	}

	if !strings.Contains(out, "[WRN] kept") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelInfo)).With("counterparty", "0x01")

	log.Info("settlement initiated", "round", 7)

	line := buf.String()
	if !strings.Contains(line, "counterparty=0x01 round=7") {
		t.Errorf("derived attributes not written in order: %q", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}

		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

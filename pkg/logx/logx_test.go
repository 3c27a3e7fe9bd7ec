package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "engine"))

	log.Debug("hidden")
	log.Info("alert created", String("id", "a1"), Int("unread", 3), Bool("critical", true))
	log.Warn("dispatch failed", Err(errors.New("boom")))

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2: %s", len(lines), buf.String())
	}
	first := lines[0]
	if first["message"] != "alert created" || first["comp"] != "engine" || first["id"] != "a1" || first["unread"] != float64(3) {
		t.Fatalf("first line = %v", first)
	}
	if lines[1]["err"] != "boom" || lines[1]["level"] != "warn" {
		t.Fatalf("second line = %v", lines[1])
	}
}

func TestErrorKeyDoesNotDependOnConstructorOrder(t *testing.T) {
	t.Parallel()
	var before, after bytes.Buffer
	first := NewWriter(&before, "info")
	svc, _ := New(Config{Level: "error"}, nil)
	defer svc.Close()
	_ = NewConsole("error")
	second := NewWriter(&after, "info")

	for _, tt := range []struct {
		name string
		log  Logger
		buf  *bytes.Buffer
	}{
		{name: "before", log: first, buf: &before},
		{name: "after", log: second, buf: &after},
	} {
		tt.log.Error("store write failed", Err(errors.New("disk full")))
		lines := decodeLines(t, tt.buf)
		if len(lines) != 1 || lines[0]["err"] != "disk full" || lines[0]["error"] != nil {
			t.Fatalf("%s: line = %v, want err key only", tt.name, lines)
		}
		if c, _ := lines[0]["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
			t.Fatalf("%s: caller = %q", tt.name, c)
		}
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero Logger.IsZero() = false")
	}
	zero.Info("must not panic")
	if Nop().IsZero() {
		t.Fatalf("Nop().IsZero() = true")
	}
}

func TestFormatRelayLine(t *testing.T) {
	t.Parallel()
	got := formatRelayLine([]byte(`{"level":"warn","message":"queue full","time":"x","comp":"engine","pending":12}`))
	want := "[WARN] queue full\n- comp=engine\n- pending=12"
	if got != want {
		t.Fatalf("formatRelayLine = %q, want %q", got, want)
	}
	if got := formatRelayLine([]byte("not json\n")); got != "not json" {
		t.Fatalf("formatRelayLine(raw) = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{in: "short", max: 10, want: "short"},
		{in: "abcdefghijklmnop", max: 12, want: "abcdefghi..."},
		{in: "abcdef", max: 4, want: "abcd"},
		{in: "abc", max: 0, want: "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

type chanSender chan string

func (c chanSender) SendText(_ context.Context, text string) error {
	c <- text
	return nil
}

func TestServiceRelaysWarnings(t *testing.T) {
	t.Parallel()
	sent := make(chanSender, 8)
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "crowdalert.log")},
		Relay: RelayConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, nil)
	defer svc.Close()
	svc.SetSender(sent)

	log.Info("not relayed")
	log.Warn("banner presenter failed", String("id", "a1"))

	select {
	case text := <-sent:
		if !strings.HasPrefix(text, "[WARN] banner presenter failed") || !strings.Contains(text, "- id=a1") {
			t.Fatalf("relayed = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("warning not relayed")
	}
	select {
	case text := <-sent:
		t.Fatalf("unexpected relay %q", text)
	case <-time.After(50 * time.Millisecond):
	}
}

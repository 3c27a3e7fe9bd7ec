package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const relayTextLimit = 3500

// relayWriter is a zerolog LevelWriter that forwards selected lines to the relay worker.
type relayWriter struct{ svc *Service }

func (w *relayWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *relayWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}
	s.mu.Lock()
	lim := s.limiter
	minLevel := s.minLevel
	hasSender := s.sender != nil
	s.mu.Unlock()

	if !hasSender || lim == nil || level < minLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}
	msg := formatRelayLine(p)
	if msg == "" {
		return len(p), nil
	}
	// Never block core logging.
	select {
	case s.relayQueue <- msg:
	default:
	}
	return len(p), nil
}

// formatRelayLine renders a zerolog JSON line as "[LEVEL] message" followed by
// sorted key=value lines.
func formatRelayLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), relayTextLimit)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), relayTextLimit)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}

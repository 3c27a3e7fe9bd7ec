package alert

import (
	"strings"
	"time"
)

// Level is the severity of an alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// ParseLevel maps a raw level to a known Level. Unknown values map to LevelInfo
// and ok=false, which routes them hub-only.
func ParseLevel(raw string) (lvl Level, ok bool) {
	switch Level(strings.ToLower(strings.TrimSpace(raw))) {
	case LevelInfo:
		return LevelInfo, true
	case LevelWarning:
		return LevelWarning, true
	case LevelCritical:
		return LevelCritical, true
	default:
		return LevelInfo, false
	}
}

// Location is a [lat, lon] pair.
type Location [2]float64

// Alert is a normalized safety alert.
type Alert struct {
	ID             string    `json:"id,omitempty"`
	Level          Level     `json:"level"`
	Category       string    `json:"category"`
	Zone           string    `json:"zone"`
	Message        string    `json:"message"`
	Value          Measure   `json:"value"`
	Threshold      *Measure  `json:"threshold,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	Location       *Location `json:"location,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// DedupeKey is the identity used to correlate repeated observations of the
// same ongoing condition.
func (a Alert) DedupeKey() string {
	return DedupeKey(a.Category, a.Zone, a.Level)
}

func DedupeKey(category, zone string, level Level) string {
	return category + "|" + zone + "|" + string(level)
}

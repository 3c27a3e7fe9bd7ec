package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Measure is an observed value or threshold. Feeds send numbers for single
// sensors and free text for combined conditions ("Density: 225, Exit: 90/min").
type Measure struct {
	Number   float64
	Text     string
	IsNumber bool
}

func Number(v float64) Measure { return Measure{Number: v, IsNumber: true} }

func Text(s string) Measure { return Measure{Text: s} }

func (m Measure) IsZero() bool { return !m.IsNumber && m.Text == "" }

func (m Measure) String() string {
	if m.IsNumber {
		return strconv.FormatFloat(m.Number, 'f', -1, 64)
	}
	return m.Text
}

func (m Measure) MarshalJSON() ([]byte, error) {
	switch {
	case m.IsNumber:
		return json.Marshal(m.Number)
	case m.Text != "":
		return json.Marshal(m.Text)
	default:
		return []byte("null"), nil
	}
}

func (m *Measure) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = Measure{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*m = Text(strings.TrimSpace(s))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("measure: want number or string: %w", err)
	}
	*m = Number(f)
	return nil
}

// Stamp is a source timestamp. It accepts RFC 3339, zone-less ISO 8601
// (interpreted as UTC) and unix seconds or milliseconds.
type Stamp struct {
	time.Time
}

var stampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (s *Stamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		s.Time = time.Time{}
		return nil
	}
	if b[0] != '"' {
		var n float64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		s.Time = fromUnix(n)
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Time = parseStamp(raw)
	return nil
}

func (s Stamp) MarshalJSON() ([]byte, error) {
	if s.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(s.Time.Format(time.RFC3339Nano))
}

// parseStamp returns the zero time for unparseable input; the caller then
// stamps the alert with its receipt time.
func parseStamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range stampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return fromUnix(n)
	}
	return time.Time{}
}

func fromUnix(n float64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC()
}

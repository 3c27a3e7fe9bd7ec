package alert

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrMalformed marks a raw record that cannot become an Alert.
	ErrMalformed = errors.New("malformed alert")
	// ErrNotAlert marks a feed record of another type (bus, weather, metro, ...).
	ErrNotAlert = errors.New("not an alert record")
)

// Raw is one record as delivered by the push feed.
type Raw struct {
	Type           string    `json:"type,omitempty"`
	ID             string    `json:"id,omitempty"`
	Level          string    `json:"level" validate:"required"`
	Category       string    `json:"category" validate:"required"`
	Zone           string    `json:"zone" validate:"required"`
	Message        string    `json:"message"`
	Value          Measure   `json:"value"`
	Threshold      *Measure  `json:"threshold,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	Location       *Location `json:"location,omitempty"`
	Timestamp      Stamp     `json:"timestamp"`
}

// validate is initialised once; custom registrations belong in init().
var validate = validator.New()

// NewID returns a lexicographically sortable notification id.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// Decode parses a single feed record.
func Decode(b []byte) (Raw, error) {
	var r Raw
	if err := json.Unmarshal(b, &r); err != nil {
		return Raw{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return r, nil
}

// DecodeBatch parses either one JSON object or an array of objects.
func DecodeBatch(b []byte) ([]Raw, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if b[0] != '[' {
		r, err := Decode(b)
		if err != nil {
			return nil, err
		}
		return []Raw{r}, nil
	}
	var out []Raw
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

// Normalize turns a raw record into an Alert. receivedAt stamps alerts whose
// source timestamp is missing or unparseable. The returned Alert keeps the
// source id (possibly empty); id assignment happens at insertion.
func Normalize(r Raw, receivedAt time.Time) (Alert, error) {
	if t := strings.TrimSpace(r.Type); t != "" && !strings.EqualFold(t, "alert") {
		return Alert{}, fmt.Errorf("%w: type %q", ErrNotAlert, t)
	}

	r.Level = strings.TrimSpace(r.Level)
	r.Category = strings.TrimSpace(r.Category)
	r.Zone = strings.TrimSpace(r.Zone)
	if err := validate.Struct(&r); err != nil {
		return Alert{}, fmt.Errorf("%w: %s", ErrMalformed, describe(err))
	}

	lvl, _ := ParseLevel(r.Level)
	ts := r.Timestamp.Time
	if ts.IsZero() {
		ts = receivedAt
	}
	return Alert{
		ID:             strings.TrimSpace(r.ID),
		Level:          lvl,
		Category:       r.Category,
		Zone:           r.Zone,
		Message:        strings.TrimSpace(r.Message),
		Value:          r.Value,
		Threshold:      r.Threshold,
		Recommendation: strings.TrimSpace(r.Recommendation),
		Location:       r.Location,
		Timestamp:      ts,
	}, nil
}

func describe(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

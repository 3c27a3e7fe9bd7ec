package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true},
  "engine": {"queue_size": 512},
  "lifecycle": {"aging_every": "10s"},
  "http": {"enabled": true, "addr": "127.0.0.1:9090"},
  "kafka": {"enabled": true, "brokers": ["localhost:9092"], "topic": "alerts", "rate_per_sec": 50}
}`

const sampleYAML = `
logging:
  level: debug
  console: true
engine:
  queue_size: 512
lifecycle:
  aging_every: 10s
http:
  enabled: true
  addr: 127.0.0.1:9090
kafka:
  enabled: true
  brokers: [localhost:9092]
  topic: alerts
  rate_per_sec: 50
`

func TestDecodeJSONAndYAMLAgree(t *testing.T) {
	t.Parallel()
	j, err := Decode("crowdalert.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	y, err := Decode("crowdalert.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if d := Diff(j, y); !d.Empty() {
		t.Fatalf("json and yaml differ in %v", d.Sections)
	}
	if j.Engine.QueueSize != 512 || j.Kafka == nil || j.Kafka.Topic != "alerts" {
		t.Fatalf("decoded = %+v", j)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		in   string
	}{
		{name: "unknown key", file: "c.json", in: `{"plugins": {}}`},
		{name: "unknown nested key", file: "c.json", in: `{"engine": {"workers": 2}}`},
		{name: "trailing data", file: "c.json", in: `{} {}`},
		{name: "bad yaml", file: "c.yml", in: "logging: [unclosed"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.file, []byte(tt.in)); err == nil {
				t.Fatalf("Decode(%q) succeeded", tt.in)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: time.Minute},
		{raw: "0s", want: time.Minute},
		{raw: "90s", want: 90 * time.Second},
		{raw: "-1s", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x", tt.raw, time.Minute)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationOrDefault(%q) err = %v", tt.raw, err)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestDiffSections(t *testing.T) {
	t.Parallel()
	base, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	next := *base
	next.Logging.Level = "info"
	k := *base.Kafka
	k.RatePerSec = 100
	next.Kafka = &k
	next.Telegram = &TelegramConfig{Enabled: true, Token: "secret"}

	d := Diff(base, &next)
	want := []string{"kafka", "logging", "telegram"}
	if len(d.Sections) != len(want) {
		t.Fatalf("sections = %v, want %v", d.Sections, want)
	}
	for i := range want {
		if d.Sections[i] != want[i] {
			t.Fatalf("sections = %v, want %v", d.Sections, want)
		}
	}
	if len(d.Restart) != 1 || d.Restart[0] != "telegram" {
		t.Fatalf("restart = %v, want only telegram", d.Restart)
	}

	k2 := k
	k2.Topic = "alerts-v2"
	next2 := next
	next2.Kafka = &k2
	if d := Diff(&next, &next2); !d.Has("kafka") || len(d.Restart) != 1 || d.Restart[0] != "kafka" {
		t.Fatalf("topic change = %+v", d)
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "crowdalert.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get does not return the loaded config")
	}

	rejected := make(chan struct{}, 1)
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Engine.QueueSize < 0 {
			select {
			case rejected <- struct{}{}:
			default:
			}
			return os.ErrInvalid
		}
		return nil
	})
	updates, unsubscribe := m.Subscribe(1)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// The watcher registers asynchronously; keep rewriting until it reports.
	next := `{"logging": {"level": "warn"}}`
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	var got *Config
	for got == nil {
		select {
		case got = <-updates:
		case <-tick.C:
			_ = os.WriteFile(path, []byte(next), 0o600)
		case <-deadline:
			t.Fatalf("no config update published")
		}
	}
	if got.Logging.Level != "warn" || m.Get().Logging.Level != "warn" {
		t.Fatalf("published = %+v", got.Logging)
	}

	if err := os.WriteFile(path, []byte(`{"engine": {"queue_size": -1}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-rejected:
	case <-time.After(5 * time.Second):
		t.Fatalf("validator not consulted")
	}
	if m.Get().Logging.Level != "warn" {
		t.Fatalf("rejected config was committed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch = %v", err)
	}
}

package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"crowdalert/internal/config"
	"crowdalert/internal/dispatch"
	"crowdalert/internal/engine"
	"crowdalert/internal/httpapi"
	"crowdalert/internal/ingest"
	"crowdalert/internal/lifecycle"
	"crowdalert/internal/storage"
	"crowdalert/internal/transport/telegram"
	logx "crowdalert/pkg/logx"
)

// EnvTelegramToken overrides telegram.token so the secret can stay out of
// the config file.
const EnvTelegramToken = "CROWDALERT_TELEGRAM_TOKEN"

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Relay: logx.RelayConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	if e.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("engine.queue_size must be >= 0")
	}
	if e.Capacity < 0 {
		return engine.Config{}, fmt.Errorf("engine.capacity must be >= 0")
	}
	retention, err := config.ParseDurationField("engine.retention", e.Retention)
	if err != nil {
		return engine.Config{}, err
	}
	unreadAge, err := config.ParseDurationField("engine.unread_age", e.UnreadAge)
	if err != nil {
		return engine.Config{}, err
	}
	pulse, err := config.ParseDurationField("engine.pulse", e.Pulse)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		QueueSize:     e.QueueSize,
		Capacity:      e.Capacity,
		Retention:     retention,
		UnreadAge:     unreadAge,
		PulseDuration: pulse,
	}, nil
}

func mapLifecycleConfig(cfg *config.Config) (lifecycle.Config, error) {
	l := cfg.Lifecycle
	out := lifecycle.Config{Enabled: l.Enabled == nil || *l.Enabled}
	var err error
	if out.AgingEvery, err = config.ParseDurationField("lifecycle.aging_every", l.AgingEvery); err != nil {
		return lifecycle.Config{}, err
	}
	if out.BannerEvery, err = config.ParseDurationField("lifecycle.banner_every", l.BannerEvery); err != nil {
		return lifecycle.Config{}, err
	}
	if out.DedupEvery, err = config.ParseDurationField("lifecycle.dedup_every", l.DedupEvery); err != nil {
		return lifecycle.Config{}, err
	}
	if out.Timeout, err = config.ParseDurationField("lifecycle.timeout", l.Timeout); err != nil {
		return lifecycle.Config{}, err
	}
	return out, nil
}

// mapDispatchConfig treats an omitted section as enabled with defaults.
func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	if cfg.Dispatch == nil {
		return dispatch.Config{Enabled: true}, nil
	}
	d := cfg.Dispatch
	for name, v := range map[string]int{
		"dispatch.workers":      d.Workers,
		"dispatch.queue_size":   d.QueueSize,
		"dispatch.rate_per_sec": d.RatePerSec,
		"dispatch.retry_max":    d.RetryMax,
		"dispatch.history_size": d.HistorySize,
	} {
		if v < 0 {
			return dispatch.Config{}, fmt.Errorf("%s must be >= 0", name)
		}
	}
	base, err := config.ParseDurationField("dispatch.retry_base", d.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("dispatch.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	callTimeout, err := config.ParseDurationField("dispatch.call_timeout", d.CallTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:       d.Enabled,
		Workers:       d.Workers,
		QueueSize:     d.QueueSize,
		RatePerSec:    d.RatePerSec,
		RetryMax:      d.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		CallTimeout:   callTimeout,
		HistorySize:   d.HistorySize,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: driver, DSN: strings.TrimSpace(sc.DSN)}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, bool, error) {
	h := cfg.HTTP
	if h.IngestRatePerSec < 0 || h.IngestBurst < 0 || h.MaxBodyBytes < 0 {
		return httpapi.Config{}, false, fmt.Errorf("http: rate, burst and max_body_bytes must be >= 0")
	}
	out := httpapi.Config{
		Addr:             strings.TrimSpace(h.Addr),
		CORSOrigins:      h.CORSOrigins,
		IngestRatePerSec: float64(h.IngestRatePerSec),
		IngestBurst:      h.IngestBurst,
		MaxBodyBytes:     int64(h.MaxBodyBytes),
	}
	if out.IngestRatePerSec == 0 {
		out.IngestRatePerSec = 20
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return httpapi.Config{}, false, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return httpapi.Config{}, false, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationField("http.shutdown_timeout", h.ShutdownTimeout); err != nil {
		return httpapi.Config{}, false, err
	}
	return out, h.Enabled, nil
}

func mapKafkaConfig(cfg *config.Config) (ingest.Config, error) {
	if cfg.Kafka == nil || !cfg.Kafka.Enabled {
		return ingest.Config{}, nil
	}
	k := cfg.Kafka
	if k.RatePerSec < 0 || k.Burst < 0 {
		return ingest.Config{}, fmt.Errorf("kafka.rate_per_sec and kafka.burst must be >= 0")
	}
	if len(k.Brokers) == 0 || strings.TrimSpace(k.Topic) == "" {
		return ingest.Config{}, fmt.Errorf("kafka.brokers and kafka.topic are required when kafka.enabled")
	}
	return ingest.Config{
		Enabled:    true,
		Brokers:    k.Brokers,
		Topic:      strings.TrimSpace(k.Topic),
		GroupID:    strings.TrimSpace(k.GroupID),
		RatePerSec: k.RatePerSec,
		Burst:      k.Burst,
	}, nil
}

// mapTelegramConfig also reports whether banners are relayed to the chat.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	if cfg.Telegram == nil || !cfg.Telegram.Enabled {
		return telegram.Config{}, false, nil
	}
	t := cfg.Telegram
	token := strings.TrimSpace(t.Token)
	if env := strings.TrimSpace(os.Getenv(EnvTelegramToken)); env != "" {
		token = env
	}
	if token == "" {
		return telegram.Config{}, false, fmt.Errorf("telegram.token (or %s) is required when telegram.enabled", EnvTelegramToken)
	}
	if t.ChatID == 0 {
		return telegram.Config{}, false, fmt.Errorf("telegram.chat_id is required when telegram.enabled")
	}
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return telegram.Config{}, false, fmt.Errorf("telegram.timezone: invalid %q: %w", tz, err)
		}
	}
	return telegram.Config{
		Enabled:     true,
		Token:       token,
		ChatID:      t.ChatID,
		ThreadID:    t.ThreadID,
		PollTimeout: poll,
		Commands:    t.Commands,
		Timezone:    strings.TrimSpace(t.Timezone),
	}, t.Banners, nil
}

// validate runs every mapping so a bad reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLifecycleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapKafkaConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	return nil
}

package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m"). Omitted
// sections fall back to defaults; unknown keys are rejected.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Engine    EngineConfig    `json:"engine"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	Dispatch  *DispatchConfig `json:"dispatch,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	HTTP      HTTPConfig      `json:"http"`
	Kafka     *KafkaConfig    `json:"kafka,omitempty"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warn+ log lines to the telegram chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// EngineConfig holds the fixed engine parameters. Changes need a restart.
//
// Defaults: queue_size 1024, capacity 50, retention "10m",
// unread_age "2m", pulse "3s".
type EngineConfig struct {
	QueueSize int    `json:"queue_size,omitempty"`
	Capacity  int    `json:"capacity,omitempty"`
	Retention string `json:"retention,omitempty"`
	UnreadAge string `json:"unread_age,omitempty"`
	Pulse     string `json:"pulse,omitempty"`
}

// LifecycleConfig sets the sweep cadence. Enabled is a pointer so an
// omitted key means on.
type LifecycleConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	AgingEvery  string `json:"aging_every,omitempty"`
	BannerEvery string `json:"banner_every,omitempty"`
	DedupEvery  string `json:"dedup_every,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// DispatchConfig controls the directive delivery pipeline. If the whole
// section is omitted, dispatch is enabled with defaults.
type DispatchConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	CallTimeout   string `json:"call_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// StorageConfig controls the optional persistence of preferences and the
// audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./crowdalert.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// CORSOrigins lists allowed browser origins; empty allows none.
	CORSOrigins []string `json:"cors_origins,omitempty"`

	// Per client IP limit on POST /v1/alerts.
	IngestRatePerSec int `json:"ingest_rate_per_sec,omitempty"`
	IngestBurst      int `json:"ingest_burst,omitempty"`
	MaxBodyBytes     int `json:"max_body_bytes,omitempty"`
}

type KafkaConfig struct {
	Enabled    bool     `json:"enabled"`
	Brokers    []string `json:"brokers"`
	Topic      string   `json:"topic"`
	GroupID    string   `json:"group_id,omitempty"`
	RatePerSec int      `json:"rate_per_sec,omitempty"`
	Burst      int      `json:"burst,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// Banners relays SHOW_BANNER directives to the chat.
	Banners  bool   `json:"banners"`
	Commands bool   `json:"commands"`
	Timezone string `json:"timezone,omitempty"`
}

package config

import (
	"reflect"
	"sort"
	"strings"

	logx "crowdalert/pkg/logx"
)

// Restart-only sections. Changes are reported but not applied live.
var restartOnly = map[string]bool{
	"engine":   true,
	"storage":  true,
	"http":     true,
	"telegram": true,
}

// Change summarizes a config reload.
type Change struct {
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	// Attrs are safe to log; secrets are reported as *_set booleans.
	Attrs []logx.Field
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, attrs ...logx.Field) {
		c.Sections = append(c.Sections, section)
		c.Attrs = append(c.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Engine != newCfg.Engine {
		mark("engine", logx.Int("engine.queue_size", newCfg.Engine.QueueSize), logx.Int("engine.capacity", newCfg.Engine.Capacity))
	}
	if !reflect.DeepEqual(oldCfg.Lifecycle, newCfg.Lifecycle) {
		mark("lifecycle",
			logx.String("lifecycle.aging_every", newCfg.Lifecycle.AgingEvery),
			logx.String("lifecycle.banner_every", newCfg.Lifecycle.BannerEvery),
			logx.String("lifecycle.dedup_every", newCfg.Lifecycle.DedupEvery),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		d := DispatchConfig{Enabled: true}
		if newCfg.Dispatch != nil {
			d = *newCfg.Dispatch
		}
		mark("dispatch",
			logx.Bool("dispatch.enabled", d.Enabled),
			logx.Int("dispatch.workers", d.Workers),
			logx.Int("dispatch.rate_per_sec", d.RatePerSec),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		var s StorageConfig
		if newCfg.Storage != nil {
			s = *newCfg.Storage
		}
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(s.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http",
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Int("http.ingest_rate_per_sec", newCfg.HTTP.IngestRatePerSec),
		)
	}
	if !reflect.DeepEqual(oldCfg.Kafka, newCfg.Kafka) {
		var k KafkaConfig
		if newCfg.Kafka != nil {
			k = *newCfg.Kafka
		}
		mark("kafka",
			logx.Bool("kafka.enabled", k.Enabled),
			logx.String("kafka.topic", k.Topic),
			logx.Int("kafka.rate_per_sec", k.RatePerSec),
		)
		// Only the rate applies live.
		var o KafkaConfig
		if oldCfg.Kafka != nil {
			o = *oldCfg.Kafka
		}
		o.RatePerSec, o.Burst = k.RatePerSec, k.Burst
		if !reflect.DeepEqual(o, k) {
			c.Restart = append(c.Restart, "kafka")
		}
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		var t TelegramConfig
		if newCfg.Telegram != nil {
			t = *newCfg.Telegram
		}
		mark("telegram",
			logx.Bool("telegram.enabled", t.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(t.Token) != ""),
			logx.Bool("telegram.banners", t.Banners),
			logx.Bool("telegram.commands", t.Commands),
		)
	}

	for _, s := range c.Sections {
		if restartOnly[s] {
			c.Restart = append(c.Restart, s)
		}
	}
	sort.Strings(c.Sections)
	sort.Strings(c.Restart)
	return c
}

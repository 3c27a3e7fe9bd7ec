package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "crowdalert/pkg/logx"
)

// Validator checks a parsed config before it is committed by Watch.
type Validator func(ctx context.Context, cfg *Config) error

// Manager loads the config file, keeps the last good version and publishes
// changes detected on disk.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu also serializes publish with Unsubscribe so a closed channel is
	// never sent to.
	subsMu sync.Mutex
	subs   map[uint64]chan *Config
	seq    uint64

	validate Validator
	debounce time.Duration
}

func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		log:      logx.Nop(),
		subs:     map[uint64]chan *Config{},
		debounce: 250 * time.Millisecond,
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

func (m *Manager) SetValidator(fn Validator) { m.validate = fn }

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Decode parses JSON, or YAML when name ends in .yaml/.yml. Unknown keys
// and trailing data are errors.
func Decode(name string, b []byte) (*Config, error) {
	jb, err := toJSON(name, b)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", filepath.Base(name), err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, fmt.Errorf("config %s: trailing data", filepath.Base(name))
		}
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving each committed change. A slow
// subscriber loses the oldest pending config, never the newest.
func (m *Manager) Subscribe(buffer int) (<-chan *Config, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.seq++
	id := m.seq
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subsMu.Unlock()
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload parses, skips unchanged content, validates, commits and publishes.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

// Watch reloads the file when it changes until ctx ends. The watcher is
// recreated with backoff if fsnotify breaks.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() { m.reload(ctx) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	bo := newBackoff(250*time.Millisecond, 5*time.Second)
	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch setup failed", logx.String("dir", dir), logx.Err(err))
			if !sleepCtx(ctx, bo.next()) {
				return nil
			}
			continue
		}
		bo.reset()
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		if stop := m.watchLoop(ctx, w, file, schedule); stop {
			_ = w.Close()
			return nil
		}
		_ = w.Close()
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
	return nil
}

// watchLoop handles events until ctx ends (true) or the watcher breaks
// (false).
func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, schedule func()) bool {
	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&ops != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			if err == nil {
				continue
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				schedule()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
			if errors.Is(err, fsnotify.ErrClosed) {
				return false
			}
		}
	}
}

type backoff struct {
	base, max, cur time.Duration
	rng            *rand.Rand
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, cur: base, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *backoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur = min(b.cur*2, b.max)
	return wait
}

func (b *backoff) reset() { b.cur = b.base }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Relay   RelayConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// RelayConfig controls forwarding of log lines to an operator chat.
type RelayConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// TextSender delivers a formatted log line to a remote sink.
type TextSender interface {
	SendText(ctx context.Context, text string) error
}

// Service owns the zerolog root and swaps its writers at runtime.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File

	sender      TextSender
	relayQueue  chan string
	relayOnce   sync.Once
	relayCancel context.CancelFunc
	relayWG     sync.WaitGroup

	// guarded by mu
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

// New creates the logging service, applies cfg immediately and returns the root Logger.
// sender may be nil; the relay sink is then inert.
func New(cfg Config, sender TextSender) (*Service, Logger) {
	s := &Service{
		cfg:        cfg,
		sender:     sender,
		relayQueue: make(chan string, 256),
	}
	s.root.Store(newRoot(newConsoleWriter(os.Stdout), cfg.Level))
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender installs the relay sender after construction (the relay adapter
// usually needs a logger itself).
func (s *Service) SetSender(sender TextSender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.relayCancel
	s.relayCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.relayWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps logger outputs and level. Safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = parseLevel(cfg.Relay.MinLevel, zerolog.WarnLevel)
	rps := cfg.Relay.RatePerSec
	if rps < 1 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./crowdalert.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Relay.Enabled {
		s.relayOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.relayCancel = cancel
			s.relayWG.Add(1)
			go func() {
				defer s.relayWG.Done()
				s.relayWorker(ctx)
			}()
		})
		writers = append(writers, &relayWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	s.root.Store(newRoot(zerolog.MultiLevelWriter(writers...), cfg.Level))
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func (s *Service) relayWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.relayQueue:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			_ = sender.SendText(ctx, msg)
		}
	}
}

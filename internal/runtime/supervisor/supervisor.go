// Package supervisor runs named background loops with panic recovery and
// restart-with-backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "crowdalert/pkg/logx"
)

// Supervisor owns a context and every goroutine started through it.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	errOnce     sync.Once
	firstErr    error

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	stats map[string]*LoopStats
}

// LoopStats is a best-effort view of one named loop, for health output.
type LoopStats struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Starts    int       `json:"starts"`
	Panics    int       `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitempty"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels every loop when one returns a non-nil error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		stats:  map[string]*LoopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) setErr(err error) {
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.firstErr = err
		s.mu.Unlock()
	})
	if s.cancelOnErr {
		s.cancel()
	}
}

// Snapshot lists loop stats sorted by name.
func (s *Supervisor) Snapshot() []LoopStats {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]LoopStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) note(name string, fn func(*LoopStats)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &LoopStats{Name: name}
		s.stats[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

// run executes fn once, converting a panic into an error.
func (s *Supervisor) run(name string, fn func(context.Context) error) (err error) {
	s.note(name, func(st *LoopStats) { st.Running = true; st.Starts++ })
	defer func() {
		if r := recover(); r != nil {
			s.note(name, func(st *LoopStats) { st.Panics++ })
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		s.note(name, func(st *LoopStats) {
			st.Running = false
			if err != nil && !errors.Is(err, context.Canceled) {
				st.LastErr = err.Error()
				st.LastErrAt = time.Now()
			}
		})
	}()
	return fn(s.ctx)
}

// Go runs fn once. A non-nil error (other than cancellation) becomes the
// supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.run(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) && s.ctx.Err() == nil {
			s.setErr(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int
	publishErr  bool
}

type RestartOption func(*restartCfg)

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; n <= 0 means unlimited.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first failure as the supervisor error
// while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishErr = enabled }
}

// GoRestart runs fn until it returns nil or the context ends, restarting on
// error or panic with jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			startedAt := time.Now()
			err := s.run(name, fn)
			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			if cfg.publishErr {
				s.setErr(err)
			}
			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}
			// A loop that ran for a while failed for a new reason.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff + time.Duration(rng.Int63n(int64(backoff)/5+1))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	}()
}

// Stop cancels every loop and waits for them until ctx ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

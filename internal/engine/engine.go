// Package engine is the single owner of the notification store, the dedup
// index, the banner slot and the critical pulse.
//
// Every mutation and every read runs as an operation on one goroutine (Run),
// in the order it was posted. Public methods only post operations, so the
// transport delivering alerts never blocks on engine work.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"crowdalert/internal/clock"
	"crowdalert/internal/dedup"
	"crowdalert/internal/dispatch"
	"crowdalert/internal/eventbus"
	"crowdalert/internal/notification"
	"crowdalert/internal/prefs"
	logx "crowdalert/pkg/logx"
)

var (
	ErrQueueFull      = errors.New("engine queue full")
	ErrStopped        = errors.New("engine stopped")
	ErrAlreadyRunning = errors.New("engine already running")
)

// Config holds the fixed engine parameters.
type Config struct {
	QueueSize     int
	UnreadAge     time.Duration
	PulseDuration time.Duration
	Capacity      int
	Retention     time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.UnreadAge <= 0 {
		c.UnreadAge = notification.DefaultUnreadAge
	}
	if c.PulseDuration <= 0 {
		c.PulseDuration = 3 * time.Second
	}
	if c.Capacity <= 0 {
		c.Capacity = notification.Capacity
	}
	if c.Retention <= 0 {
		c.Retention = notification.RetentionAge
	}
	return c
}

// PrefsSource is read on every operation so changes apply to the next
// decision.
type PrefsSource interface {
	Get() prefs.Preferences
}

// Dispatcher receives channel directives. It must not block.
type Dispatcher interface {
	Dispatch(d dispatch.Delivery) error
}

type op struct {
	name string
	fn   func()
	done chan struct{} // nil for fire-and-forget
}

type Engine struct {
	cfg   Config
	clock clock.Clock
	prefs PrefsSource
	disp  Dispatcher
	bus   eventbus.Bus
	log   logx.Logger

	ops     chan op
	done    chan struct{}
	running atomic.Bool

	// Owned by the Run goroutine.
	store      *notification.Store
	index      *dedup.Index
	banner     *bannerSlot
	pulseUntil time.Time

	stats counters
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithDispatcher(d Dispatcher) Option { return func(e *Engine) { e.disp = d } }

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

func WithLogger(l logx.Logger) Option { return func(e *Engine) { e.log = l } }

func New(cfg Config, p PrefsSource, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:   cfg,
		clock: clock.System{},
		prefs: p,
		log:   logx.Nop(),
		ops:   make(chan op, cfg.QueueSize),
		done:  make(chan struct{}),
		store: notification.New(notification.WithCapacity(cfg.Capacity), notification.WithRetention(cfg.Retention)),
		index: dedup.New(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run processes operations until ctx ends. It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.done)
	e.log.Debug("engine loop started", logx.Int("queue", cap(e.ops)))
	for {
		select {
		case <-ctx.Done():
			e.log.Debug("engine loop stopped", logx.Int("pending", len(e.ops)))
			return nil
		case o := <-e.ops:
			e.apply(o)
		}
	}
}

// apply runs one operation; a panic is logged and the loop goes on.
func (e *Engine) apply(o op) {
	defer func() {
		if r := recover(); r != nil {
			e.stats.panics.Add(1)
			e.log.Error("engine operation panicked", logx.String("op", o.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		if o.done != nil {
			close(o.done)
		}
	}()
	o.fn()
}

// post enqueues without waiting.
func (e *Engine) post(o op) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.ops <- o:
		return nil
	default:
		return ErrQueueFull
	}
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(ctx context.Context, name string, fn func()) error {
	o := op{name: name, fn: fn, done: make(chan struct{})}
	select {
	case e.ops <- o:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-o.done:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", name, ctx.Err())
	}
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.clock.Now(), Data: data})
}

type counters struct {
	received atomic.Uint64
	created  atomic.Uint64
	merged   atomic.Uint64
	rejected atomic.Uint64
	skipped  atomic.Uint64
	dropped  atomic.Uint64
	panics   atomic.Uint64
}

// Stats are cumulative ingest counters.
type Stats struct {
	Received uint64 `json:"received"`
	Created  uint64 `json:"created"`
	Merged   uint64 `json:"merged"`
	Rejected uint64 `json:"rejected"`
	Skipped  uint64 `json:"skipped"`
	Dropped  uint64 `json:"dropped"`
	Panics   uint64 `json:"panics"`
	Pending  int    `json:"pending"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Received: e.stats.received.Load(),
		Created:  e.stats.created.Load(),
		Merged:   e.stats.merged.Load(),
		Rejected: e.stats.rejected.Load(),
		Skipped:  e.stats.skipped.Load(),
		Dropped:  e.stats.dropped.Load(),
		Panics:   e.stats.panics.Load(),
		Pending:  len(e.ops),
	}
}

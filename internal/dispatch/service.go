package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"crowdalert/internal/eventbus"
	"crowdalert/internal/routing"
	rtsup "crowdalert/internal/runtime/supervisor"
	logx "crowdalert/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("dispatcher disabled")
	ErrQueueFull = errors.New("dispatcher queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

type route struct {
	name string
	p    Presenter
}

type job struct {
	d Delivery
	r route
}

// Service is the async delivery pipeline:
// queue + worker pool + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus

	cfg     Config
	limiter *rate.Limiter
	routes  map[routing.Channel][]route

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	hmu     sync.Mutex
	history []Record
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, routes: map[routing.Channel][]route{}}
	s.applyLocked(cfg)
	return s
}

// Register attaches a presenter to channels. Presenters registered for the
// same channel all receive each delivery.
func (s *Service) Register(name string, p Presenter, channels ...routing.Channel) {
	if p == nil {
		return
	}
	s.mu.Lock()
	for _, c := range channels {
		s.routes[c] = append(s.routes[c], route{name: name, p: p})
	}
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s.cfg = cfg
	// Burst equals the per-second rate so a critical burst is not smeared.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. Queue size and worker count are fixed until the next
// Stop/Start cycle.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("dispatch worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.queue, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Dispatch enqueues d for every presenter of its channel and returns
// without waiting for delivery.
func (s *Service) Dispatch(d Delivery) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	routes := append([]route(nil), s.routes[d.Channel]...)
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if d.ChannelName == "" {
		d.ChannelName = d.Channel.String()
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	var dropped error
	for _, r := range routes {
		select {
		case q <- job{d: d, r: r}:
		default:
			s.publish(eventbus.DispatchDropped, d, r.name, ErrQueueFull)
			dropped = ErrQueueFull
		}
	}
	return dropped
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	if isCue(j.d.Channel) {
		maxAttempts = 1
	}
	var (
		lastErr  error
		attempts int
	)
	for attempts = 1; attempts <= maxAttempts; attempts++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		lastErr = safePresent(callCtx, j.r.p, j.d)
		cancel()
		if lastErr == nil {
			break
		}
		s.log.Debug("presenter failed", logx.String("presenter", j.r.name), logx.Err(lastErr), logx.Int("attempt", attempts), logx.Int("max", maxAttempts))
		if attempts == maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempts))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	if attempts > maxAttempts {
		attempts = maxAttempts
	}

	rec := Record{Delivery: j.d, Presenter: j.r.name, OK: lastErr == nil, Attempts: attempts, Done: time.Now()}
	if lastErr != nil {
		rec.Error = lastErr.Error()
		s.log.Warn("delivery failed", logx.String("presenter", j.r.name), logx.String("channel", j.d.ChannelName), logx.String("id", j.d.Notification.ID), logx.Err(lastErr))
		s.publish(eventbus.DispatchFailed, j.d, j.r.name, lastErr)
	} else {
		s.publish(eventbus.DispatchSent, j.d, j.r.name, nil)
	}
	s.appendHistory(rec, cfg.HistorySize)
}

// safePresent keeps a panicking presenter from killing the worker.
func safePresent(ctx context.Context, p Presenter, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("presenter panic: %v", r)
		}
	}()
	return p.Present(ctx, d)
}

func (s *Service) publish(typ string, d Delivery, presenter string, err error) {
	if s.bus == nil {
		return
	}
	ev := DeliveryEvent{Channel: d.ChannelName, NotificationID: d.Notification.ID, Presenter: presenter, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// History returns recent delivery outcomes, oldest first.
func (s *Service) History() []Record {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Record(nil), s.history...)
}

func (s *Service) appendHistory(r Record, max int) {
	s.hmu.Lock()
	s.history = append(s.history, r)
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}

// Supervisor exposes worker stats for health output; nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

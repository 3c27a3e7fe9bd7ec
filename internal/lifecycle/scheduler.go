// Package lifecycle triggers the engine's periodic sweeps on cron schedules.
//
// The sweeps themselves run on the engine loop; this package only decides
// when. Each job is an "@every" schedule so cadence can be changed live.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"crowdalert/internal/engine"
	"crowdalert/internal/prefs"
	logx "crowdalert/pkg/logx"
)

// Sweeper is implemented by *engine.Engine.
type Sweeper interface {
	SweepAging(ctx context.Context) (engine.SweepResult, error)
	SweepBanner(ctx context.Context) (engine.SweepResult, error)
	SweepDedup(ctx context.Context) (engine.SweepResult, error)
}

type Config struct {
	Enabled     bool
	AgingEvery  time.Duration
	BannerEvery time.Duration
	DedupEvery  time.Duration
	// Timeout bounds one sweep call, including the wait for the engine loop.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AgingEvery <= 0 {
		c.AgingEvery = 5 * time.Second
	}
	if c.BannerEvery <= 0 {
		c.BannerEvery = time.Second
	}
	if c.DedupEvery <= 0 {
		c.DedupEvery = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

const (
	JobAging  = "aging"
	JobBanner = "banner"
	JobDedup  = "dedup"
)

// JobStatus is a point-in-time view of one sweep job.
type JobStatus struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Runs    uint64    `json:"runs"`
	Changed uint64    `json:"changed"`
	LastRun time.Time `json:"last_run,omitempty"`
	Next    time.Time `json:"next,omitempty"`
	LastErr string    `json:"last_err,omitempty"`
}

type job struct {
	name  string
	spec  string
	run   func(ctx context.Context) (engine.SweepResult, error)
	entry cron.EntryID

	runs    uint64
	changed uint64
	lastRun time.Time
	lastErr string
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	sw     Sweeper
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	jobs   map[string]*job
}

func New(cfg Config, sw Sweeper, log logx.Logger) *Service {
	s := &Service{
		cfg:    cfg.withDefaults(),
		sw:     sw,
		log:    log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	s.jobs = map[string]*job{
		JobAging:  {name: JobAging, run: sw.SweepAging},
		JobBanner: {name: JobBanner, run: sw.SweepBanner},
		JobDedup:  {name: JobDedup, run: sw.SweepDedup},
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start registers the jobs and starts cron. Jobs stop when ctx ends or on
// Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("lifecycle sweeps disabled")
		return nil
	}
	s.ctx = ctx
	if err := s.startLocked(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) startLocked() error {
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	every := map[string]time.Duration{
		JobAging:  s.cfg.AgingEvery,
		JobBanner: s.cfg.BannerEvery,
		JobDedup:  s.cfg.DedupEvery,
	}
	for _, name := range []string{JobAging, JobBanner, JobDedup} {
		j := s.jobs[name]
		spec := fmt.Sprintf("@every %s", every[name])
		id, err := c.AddFunc(spec, func() { s.runJob(j) })
		if err != nil {
			return fmt.Errorf("lifecycle: schedule %s %q: %w", name, spec, err)
		}
		j.spec, j.entry = spec, id
	}
	s.c = c
	c.Start()
	s.log.Info("lifecycle sweeps started",
		logx.Duration("aging", s.cfg.AgingEvery),
		logx.Duration("banner", s.cfg.BannerEvery),
		logx.Duration("dedup", s.cfg.DedupEvery))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("lifecycle sweeps stopped")
}

// Apply swaps the cadence. Running schedules are rebuilt when anything
// changed.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	ctx := s.ctx
	s.mu.Unlock()

	if old == cfg {
		return nil
	}
	if running {
		s.Stop()
	}
	if !cfg.Enabled || ctx == nil || ctx.Err() != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked()
}

// RunNow runs one job immediately on the caller's goroutine.
func (s *Service) RunNow(ctx context.Context, name string) (engine.SweepResult, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return engine.SweepResult{}, fmt.Errorf("lifecycle: unknown job %q", name)
	}
	return s.exec(ctx, j)
}

func (s *Service) runJob(j *job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	_, _ = s.exec(ctx, j)
}

func (s *Service) exec(ctx context.Context, j *job) (engine.SweepResult, error) {
	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	r, err := j.run(runCtx)

	s.mu.Lock()
	j.runs++
	j.lastRun = start
	j.changed += uint64(r.Aged + r.Expired + r.Pruned + r.Cleared)
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, engine.ErrStopped), errors.Is(err, context.Canceled):
		s.log.Debug("sweep skipped", logx.String("job", j.name), logx.Err(err))
	case err != nil:
		s.log.Warn("sweep failed", logx.String("job", j.name), logx.Err(err), logx.Duration("took", time.Since(start)))
	}
	return r, err
}

// Follow runs the dedup and aging sweeps whenever preferences change, so a
// shorter window or a re-enabled autoReadOld takes effect without waiting
// for the next tick. It returns when ctx ends or changes is closed.
func (s *Service) Follow(ctx context.Context, changes <-chan prefs.Preferences) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if _, err := s.RunNow(ctx, JobDedup); err != nil && ctx.Err() == nil {
				s.log.Warn("dedup sweep after preference change failed", logx.Err(err))
			}
			if _, err := s.RunNow(ctx, JobAging); err != nil && ctx.Err() == nil {
				s.log.Warn("aging sweep after preference change failed", logx.Err(err))
			}
		}
	}
}

func (s *Service) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{
			Name:    j.name,
			Spec:    j.spec,
			Runs:    j.runs,
			Changed: j.changed,
			LastRun: j.lastRun,
			LastErr: j.lastErr,
		}
		if s.c != nil {
			st.Next = s.c.Entry(j.entry).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// cronLogger adapts logx to cron's logger for the Recover and
// SkipIfStillRunning wrappers.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}

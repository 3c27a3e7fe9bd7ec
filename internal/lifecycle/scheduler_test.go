package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"crowdalert/internal/engine"
	"crowdalert/internal/prefs"
	logx "crowdalert/pkg/logx"
)

type fakeSweeper struct {
	aging, banner, dedup atomic.Int32
	fail                 error
}

func (f *fakeSweeper) SweepAging(context.Context) (engine.SweepResult, error) {
	f.aging.Add(1)
	return engine.SweepResult{Aged: 2, Expired: 1}, f.fail
}

func (f *fakeSweeper) SweepBanner(context.Context) (engine.SweepResult, error) {
	f.banner.Add(1)
	return engine.SweepResult{Cleared: 1}, f.fail
}

func (f *fakeSweeper) SweepDedup(context.Context) (engine.SweepResult, error) {
	f.dedup.Add(1)
	return engine.SweepResult{Pruned: 3}, f.fail
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	c := Config{}.withDefaults()
	if c.AgingEvery != 5*time.Second || c.BannerEvery != time.Second || c.DedupEvery != 30*time.Second {
		t.Fatalf("defaults = %+v", c)
	}
}

func TestRunNowCountsChanges(t *testing.T) {
	t.Parallel()
	sw := &fakeSweeper{}
	s := New(Config{}, sw, logx.Nop())

	r, err := s.RunNow(context.Background(), JobAging)
	if err != nil || r.Aged != 2 {
		t.Fatalf("RunNow = %+v, %v", r, err)
	}
	if _, err := s.RunNow(context.Background(), "compact"); err == nil {
		t.Fatalf("unknown job accepted")
	}

	var aging JobStatus
	for _, st := range s.Snapshot() {
		if st.Name == JobAging {
			aging = st
		}
	}
	if aging.Runs != 1 || aging.Changed != 3 {
		t.Fatalf("status = %+v, want 1 run and 3 changes", aging)
	}
}

func TestRunNowRecordsError(t *testing.T) {
	t.Parallel()
	sw := &fakeSweeper{fail: errors.New("loop busy")}
	s := New(Config{}, sw, logx.Nop())
	if _, err := s.RunNow(context.Background(), JobDedup); err == nil {
		t.Fatalf("error not returned")
	}
	for _, st := range s.Snapshot() {
		if st.Name == JobDedup && st.LastErr != "loop busy" {
			t.Fatalf("LastErr = %q", st.LastErr)
		}
	}
}

func TestScheduledSweepsRun(t *testing.T) {
	t.Parallel()
	sw := &fakeSweeper{}
	s := New(Config{Enabled: true, AgingEvery: time.Second, BannerEvery: time.Second, DedupEvery: time.Second}, sw, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitFor(t, func() bool { return sw.banner.Load() > 0 && sw.aging.Load() > 0 && sw.dedup.Load() > 0 })
	for _, st := range s.Snapshot() {
		if st.Spec != "@every 1s" {
			t.Fatalf("%s spec = %q", st.Name, st.Spec)
		}
	}
}

func TestDisabledDoesNotSchedule(t *testing.T) {
	t.Parallel()
	sw := &fakeSweeper{}
	s := New(Config{Enabled: false}, sw, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, st := range s.Snapshot() {
		if st.Spec != "" {
			t.Fatalf("job %s scheduled while disabled", st.Name)
		}
	}
}

func TestApplyReschedules(t *testing.T) {
	t.Parallel()
	sw := &fakeSweeper{}
	s := New(Config{Enabled: true}, sw, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := s.Apply(Config{Enabled: true, DedupEvery: 2 * time.Minute}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for _, st := range s.Snapshot() {
		if st.Name == JobDedup && st.Spec != "@every 2m0s" {
			t.Fatalf("dedup spec = %q", st.Spec)
		}
	}
}

func TestFollowSweepsOnPreferenceChange(t *testing.T) {
	t.Parallel()
	sw := &fakeSweeper{}
	s := New(Config{}, sw, logx.Nop())
	changes := make(chan prefs.Preferences, 1)
	done := make(chan error, 1)
	go func() { done <- s.Follow(context.Background(), changes) }()

	changes <- prefs.Defaults()
	waitFor(t, func() bool { return sw.dedup.Load() == 1 && sw.aging.Load() == 1 })
	close(changes)
	if err := <-done; err != nil {
		t.Fatalf("Follow = %v", err)
	}
}

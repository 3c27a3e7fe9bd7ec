package dispatch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crowdalert/internal/alert"
	"crowdalert/internal/eventbus"
	"crowdalert/internal/notification"
	"crowdalert/internal/routing"
	logx "crowdalert/pkg/logx"
)

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}
}

func delivery(id string, c routing.Channel) Delivery {
	return Delivery{
		Channel: c,
		Notification: notification.Notification{Alert: alert.Alert{
			ID: id, Level: alert.LevelCritical, Category: "crowd_density", Zone: "Stadium Area",
		}},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestDispatchRoutesByChannel(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)
	var (
		mu  sync.Mutex
		got []string
	)
	rec := func(name string) Presenter {
		return PresenterFunc(func(_ context.Context, d Delivery) error {
			mu.Lock()
			got = append(got, name+":"+d.ChannelName)
			mu.Unlock()
			return nil
		})
	}
	s.Register("audio", rec("audio"), routing.PlayCriticalSound, routing.PlayWarningSound)
	s.Register("banner", rec("banner"), routing.ShowBanner)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Dispatch(delivery("n1", routing.ShowBanner)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := s.Dispatch(delivery("n1", routing.PlayCriticalSound)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, func() bool { return len(s.History()) == 2 })

	mu.Lock()
	defer mu.Unlock()
	want := map[string]bool{"banner:SHOW_BANNER": true, "audio:PLAY_CRITICAL_SOUND": true}
	for _, g := range got {
		if !want[g] {
			t.Fatalf("unexpected delivery %q", g)
		}
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(testConfig(), logx.Nop(), bus)
	var calls atomic.Int32
	s.Register("flaky", PresenterFunc(func(context.Context, Delivery) error {
		if calls.Add(1) < 3 {
			return errors.New("audio device busy")
		}
		return nil
	}), routing.ShowBanner)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Dispatch(delivery("n1", routing.ShowBanner)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, func() bool { return len(s.History()) == 1 })
	h := s.History()[0]
	if !h.OK || h.Attempts != 3 {
		t.Fatalf("record = %+v, want ok after 3 attempts", h)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.DispatchSent {
			t.Fatalf("event = %s, want %s", e.Type, eventbus.DispatchSent)
		}
	case <-time.After(time.Second):
		t.Fatalf("no bus event")
	}
}

func TestDispatchFailureAndPanicAreContained(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)
	s.Register("broken", PresenterFunc(func(context.Context, Delivery) error {
		return errors.New("no audio device")
	}), routing.PlayWarningSound)
	s.Register("panicky", PresenterFunc(func(context.Context, Delivery) error {
		panic("renderer crashed")
	}), routing.PlayWarningSound)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Dispatch(delivery("n1", routing.PlayWarningSound)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, func() bool { return len(s.History()) == 2 })
	for _, r := range s.History() {
		if r.OK || r.Attempts != 1 || r.Error == "" {
			t.Fatalf("record = %+v, want failure after 1 attempt", r)
		}
	}
}

func TestCuesAreNotRetried(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)
	var calls atomic.Int32
	s.Register("screen", PresenterFunc(func(context.Context, Delivery) error {
		calls.Add(1)
		return errors.New("display asleep")
	}), routing.ShowToast, routing.PlayCriticalSound, routing.ShowBanner)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for _, c := range []routing.Channel{routing.ShowToast, routing.PlayCriticalSound, routing.ShowBanner} {
		if err := s.Dispatch(delivery("n1", c)); err != nil {
			t.Fatalf("Dispatch(%s): %v", c, err)
		}
	}
	waitFor(t, func() bool { return len(s.History()) == 3 })
	for _, r := range s.History() {
		want := 1
		if r.Delivery.Channel == routing.ShowBanner {
			want = 3
		}
		if r.OK || r.Attempts != want {
			t.Fatalf("%s record = %+v, want %d attempts", r.Delivery.ChannelName, r, want)
		}
	}
	if got := calls.Load(); got != 5 {
		t.Fatalf("presenter calls = %d, want 5", got)
	}
}

func TestDispatchDisabledAndStopped(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	if err := New(cfg, logx.Nop(), nil).Dispatch(delivery("x", routing.ShowToast)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	s := New(testConfig(), logx.Nop(), nil)
	if err := s.Dispatch(delivery("x", routing.ShowToast)); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestDispatchQueueFull(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.QueueSize = 1
	s := New(cfg, logx.Nop(), nil)
	block := make(chan struct{})
	s.Register("slow", PresenterFunc(func(ctx context.Context, _ Delivery) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}), routing.ShowToast)
	s.Start(context.Background())
	defer func() {
		close(block)
		s.Stop(context.Background())
	}()

	var full bool
	for i := 0; i < 10 && !full; i++ {
		full = errors.Is(s.Dispatch(delivery("n", routing.ShowToast)), ErrQueueFull)
	}
	if !full {
		t.Fatalf("queue never reported full")
	}
}

func TestLogPresenter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := LogPresenter{Log: logx.NewWriter(&buf, "info")}
	d := delivery("n1", routing.PlayCriticalSound)
	d.ChannelName = "PLAY_CRITICAL_SOUND"
	d.Volume = 0.5
	if err := p.Present(context.Background(), d); err != nil {
		t.Fatalf("Present: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"channel":"PLAY_CRITICAL_SOUND"`, `"zone":"Stadium Area"`, `"volume":0.5`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log line %s missing %s", out, want)
		}
	}
}

func TestToastTTL(t *testing.T) {
	t.Parallel()
	if ToastTTL(alert.LevelCritical) != 8*time.Second || ToastTTL(alert.LevelWarning) != 6*time.Second {
		t.Fatalf("unexpected toast durations")
	}
}

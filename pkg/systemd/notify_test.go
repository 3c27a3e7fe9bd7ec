package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Tests swap the package-level notify hook, so they do not run in parallel.

type notifications struct {
	mu    sync.Mutex
	state []string
}

func (n *notifications) record(_ bool, state string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = append(n.state, state)
	return true, nil
}

func (n *notifications) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.state...)
}

func withRecorder(t *testing.T) *notifications {
	t.Helper()
	n := &notifications{}
	prev := notify
	notify = n.record
	t.Cleanup(func() { notify = prev })
	return n
}

func TestStateMessages(t *testing.T) {
	n := withRecorder(t)
	if sent, err := Ready(); !sent || err != nil {
		t.Fatalf("Ready() = %v, %v", sent, err)
	}
	_, _ = Reloaded("config applied")
	_, _ = Stopping()

	want := []string{daemon.SdNotifyReady, "STATUS=config applied", daemon.SdNotifyStopping}
	got := n.all()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPingEveryStopsWithContext(t *testing.T) {
	n := withRecorder(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pingEvery(ctx, 5*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(n.all()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("watchdog pings = %d, want >= 2", len(n.all()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pingEvery = %v", err)
	}
	for _, s := range n.all() {
		if s != daemon.SdNotifyWatchdog {
			t.Fatalf("unexpected state %q", s)
		}
	}
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	if err := Watchdog(context.Background()); err != nil {
		t.Fatalf("Watchdog = %v", err)
	}
}

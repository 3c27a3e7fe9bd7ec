// Package systemd reports service state to systemd over the notify socket.
// Every call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

// Ready reports that startup finished. sent is false outside systemd.
func Ready() (sent bool, err error) {
	return notify(false, daemon.SdNotifyReady)
}

// Stopping reports that shutdown began.
func Stopping() (bool, error) {
	return notify(false, daemon.SdNotifyStopping)
}

// Reloaded reports the outcome of a config reload in the unit status line.
func Reloaded(status string) (bool, error) {
	return notify(false, "STATUS="+status)
}

// Watchdog pings the systemd watchdog at half the configured interval until
// ctx ends. It returns immediately when the watchdog is not enabled.
func Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	return pingEvery(ctx, interval/2)
}

func pingEvery(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := notify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}

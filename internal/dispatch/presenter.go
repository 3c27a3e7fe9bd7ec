package dispatch

import (
	"context"
	"time"

	"crowdalert/internal/alert"
	"crowdalert/internal/routing"
	logx "crowdalert/pkg/logx"
)

// ToastTTL is how long a toast for level stays on screen.
func ToastTTL(level alert.Level) time.Duration {
	if level == alert.LevelCritical {
		return 8 * time.Second
	}
	return 6 * time.Second
}

// isCue reports channels delivered at most once. A sound or toast that
// arrives after a retry backoff no longer matches the alert it announces.
func isCue(c routing.Channel) bool {
	switch c {
	case routing.PlayCriticalSound, routing.PlayWarningSound, routing.ShowToast:
		return true
	}
	return false
}

// LogPresenter writes every delivery as a structured cue line. Dashboards
// tail these lines to play sounds and show toasts.
type LogPresenter struct {
	Log logx.Logger
}

func (p LogPresenter) Present(_ context.Context, d Delivery) error {
	n := d.Notification
	fields := []logx.Field{
		logx.String("channel", d.ChannelName),
		logx.String("id", n.ID),
		logx.String("level", string(n.Level)),
		logx.String("category", n.Category),
		logx.String("zone", n.Zone),
		logx.String("message", n.Message),
	}
	if d.Volume > 0 {
		fields = append(fields, logx.Float64("volume", d.Volume))
	}
	if d.TTL > 0 {
		fields = append(fields, logx.Duration("ttl", d.TTL))
	}
	p.Log.Info("cue", fields...)
	return nil
}

package engine

import (
	"context"
	"time"

	"crowdalert/internal/eventbus"
	"crowdalert/internal/notification"
	logx "crowdalert/pkg/logx"
)

// bannerSlot is the single banner position. Showing a new banner replaces
// the old one together with its deadline.
type bannerSlot struct {
	id        string
	shownAt   time.Time
	dismissAt time.Time
}

// Banner is the current banner with the latest state of its notification.
type Banner struct {
	Notification notification.Notification `json:"notification"`
	ShownAt      time.Time                 `json:"shownAt"`
	DismissAt    time.Time                 `json:"dismissAt"`
}

// Indicator feeds the bell badge.
type Indicator struct {
	UnreadCount    int  `json:"unreadCount"`
	HasNewCritical bool `json:"hasNewCritical"`
}

// Snapshot is a consistent view of the engine state.
type Snapshot struct {
	Notifications []notification.Notification `json:"notifications"`
	Indicator     Indicator                   `json:"indicator"`
	Banner        *Banner                     `json:"banner,omitempty"`
	DedupEntries  int                         `json:"dedupEntries"`
}

// Reasons carried by IDEvent.
const (
	readAcknowledged = "acknowledged"
	readAged         = "aged"
	goneRetention    = "retention"
	goneCapacity     = "capacity"
)

// IDEvent is published for read, dismissed, expired and banner events.
type IDEvent struct {
	IDs    []string `json:"ids"`
	Reason string   `json:"reason"`
}

func (e *Engine) showBanner(n notification.Notification, now time.Time, ttl time.Duration) {
	if prev := e.banner; prev != nil && prev.id != n.ID {
		e.publish(eventbus.BannerCleared, IDEvent{IDs: []string{prev.id}, Reason: "superseded"})
	}
	e.banner = &bannerSlot{id: n.ID, shownAt: now, dismissAt: now.Add(ttl)}
	e.publish(eventbus.BannerShown, IDEvent{IDs: []string{n.ID}, Reason: "critical"})
}

func (e *Engine) clearBanner(reason string) bool {
	if e.banner == nil {
		return false
	}
	id := e.banner.id
	e.banner = nil
	e.publish(eventbus.BannerCleared, IDEvent{IDs: []string{id}, Reason: reason})
	return true
}

// clearBannerFor clears the banner when it shows one of ids.
func (e *Engine) clearBannerFor(reason string, ids ...string) {
	if e.banner == nil {
		return
	}
	for _, id := range ids {
		if id == e.banner.id {
			e.clearBanner(reason)
			return
		}
	}
}

// forget handles a notification that left the store.
func (e *Engine) forget(n notification.Notification, reason string) {
	e.clearBannerFor(reason, n.ID)
	e.publish(eventbus.NotificationExpired, IDEvent{IDs: []string{n.ID}, Reason: reason})
}

// markRead publishes a read transition. Only an operator acknowledgement
// takes the banner down; aging leaves it to its own deadline.
func (e *Engine) markRead(ids []string, reason string) {
	if len(ids) == 0 {
		return
	}
	if reason != readAged {
		e.clearBannerFor(reason, ids...)
	}
	e.publish(eventbus.NotificationRead, IDEvent{IDs: ids, Reason: reason})
}

// MarkRead acknowledges ids and returns how many were unread. Unknown and
// already-read ids are ignored.
func (e *Engine) MarkRead(ctx context.Context, ids []string) (int, error) {
	var changed []string
	err := e.call(ctx, "mark_read", func() {
		changed = e.store.MarkRead(ids)
		e.markRead(changed, readAcknowledged)
	})
	return len(changed), err
}

// MarkAllRead acknowledges everything, as when the operator opens the hub.
func (e *Engine) MarkAllRead(ctx context.Context) (int, error) {
	var changed []string
	err := e.call(ctx, "mark_all_read", func() {
		changed = e.store.MarkAllRead()
		e.markRead(changed, readAcknowledged)
	})
	return len(changed), err
}

// Dismiss removes id from the hub. It returns notification.ErrNotFound for
// unknown ids.
func (e *Engine) Dismiss(ctx context.Context, id string) error {
	found := false
	err := e.call(ctx, "dismiss", func() {
		var n notification.Notification
		n, found = e.store.Dismiss(id)
		if !found {
			return
		}
		e.clearBannerFor("dismissed", n.ID)
		e.publish(eventbus.NotificationDismissed, IDEvent{IDs: []string{n.ID}, Reason: "dismissed"})
		e.log.Debug("notification dismissed", logx.String("id", n.ID), logx.Bool("was_unread", !n.Read))
	})
	if err != nil {
		return err
	}
	if !found {
		return notification.ErrNotFound
	}
	return nil
}

// DismissBanner clears the banner and cancels its auto-dismiss. It reports
// whether a banner was showing.
func (e *Engine) DismissBanner(ctx context.Context) (bool, error) {
	var cleared bool
	err := e.call(ctx, "dismiss_banner", func() { cleared = e.clearBanner("dismissed") })
	return cleared, err
}

func (e *Engine) List(ctx context.Context, f notification.Filter) ([]notification.Notification, error) {
	var out []notification.Notification
	err := e.call(ctx, "list", func() { out = notification.Apply(e.store.List(), f) })
	return out, err
}

func (e *Engine) Get(ctx context.Context, id string) (notification.Notification, error) {
	var (
		n  notification.Notification
		ok bool
	)
	if err := e.call(ctx, "get", func() { n, ok = e.store.Get(id) }); err != nil {
		return n, err
	}
	if !ok {
		return n, notification.ErrNotFound
	}
	return n, nil
}

func (e *Engine) Indicator(ctx context.Context) (Indicator, error) {
	var ind Indicator
	err := e.call(ctx, "indicator", func() { ind = e.indicator(e.clock.Now()) })
	return ind, err
}

func (e *Engine) indicator(now time.Time) Indicator {
	return Indicator{
		UnreadCount:    e.store.Unread(),
		HasNewCritical: now.Before(e.pulseUntil),
	}
}

// Banner returns the current banner or nil.
func (e *Engine) Banner(ctx context.Context) (*Banner, error) {
	var b *Banner
	err := e.call(ctx, "banner", func() { b = e.bannerView() })
	return b, err
}

func (e *Engine) bannerView() *Banner {
	if e.banner == nil {
		return nil
	}
	n, ok := e.store.Get(e.banner.id)
	if !ok {
		return nil
	}
	return &Banner{Notification: n, ShownAt: e.banner.shownAt, DismissAt: e.banner.dismissAt}
}

func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := e.call(ctx, "snapshot", func() {
		s = Snapshot{
			Notifications: e.store.List(),
			Indicator:     e.indicator(e.clock.Now()),
			Banner:        e.bannerView(),
			DedupEntries:  e.index.Len(),
		}
	})
	return s, err
}

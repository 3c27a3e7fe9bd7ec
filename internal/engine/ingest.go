package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"crowdalert/internal/alert"
	"crowdalert/internal/dispatch"
	"crowdalert/internal/eventbus"
	"crowdalert/internal/notification"
	"crowdalert/internal/routing"
	logx "crowdalert/pkg/logx"
)

// Outcome is published with alert.created and alert.merged.
type Outcome struct {
	Notification notification.Notification `json:"notification"`
	Duplicate    bool                      `json:"duplicate"`
	Directives   routing.Directives        `json:"directives"`
}

// Rejection is published with alert.rejected.
type Rejection struct {
	Reason   string `json:"reason"`
	Category string `json:"category,omitempty"`
	Zone     string `json:"zone,omitempty"`
}

// IngestJSON decodes one record or an array of records and ingests each.
// It returns how many were queued; the error joins every per-record
// failure. Non-alert feed records are skipped silently.
func (e *Engine) IngestJSON(b []byte) (int, error) {
	raws, err := alert.DecodeBatch(b)
	if err != nil {
		e.reject(err, alert.Raw{})
		return 0, err
	}
	var (
		accepted int
		errs     []error
	)
	for i, r := range raws {
		err := e.IngestRaw(r)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, alert.ErrNotAlert):
		default:
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
		}
	}
	return accepted, errors.Join(errs...)
}

// IngestRaw normalizes r and queues it. Malformed records are logged and
// dropped here, before they reach the loop.
func (e *Engine) IngestRaw(r alert.Raw) error {
	e.stats.received.Add(1)
	a, err := alert.Normalize(r, e.clock.Now())
	if err != nil {
		if errors.Is(err, alert.ErrNotAlert) {
			e.stats.skipped.Add(1)
			e.log.Trace("feed record skipped", logx.String("type", r.Type))
			return err
		}
		e.reject(err, r)
		return err
	}
	return e.enqueue(a)
}

// Ingest queues an already built alert. Level is re-parsed so an unknown
// value routes as info.
func (e *Engine) Ingest(a alert.Alert) error {
	e.stats.received.Add(1)
	a.Category = strings.TrimSpace(a.Category)
	a.Zone = strings.TrimSpace(a.Zone)
	if a.Category == "" || a.Zone == "" || strings.TrimSpace(string(a.Level)) == "" {
		err := fmt.Errorf("%w: level, category and zone are required", alert.ErrMalformed)
		e.reject(err, alert.Raw{Category: a.Category, Zone: a.Zone})
		return err
	}
	a.Level, _ = alert.ParseLevel(string(a.Level))
	if a.Timestamp.IsZero() {
		a.Timestamp = e.clock.Now()
	}
	return e.enqueue(a)
}

func (e *Engine) enqueue(a alert.Alert) error {
	err := e.post(op{name: "ingest", fn: func() { e.process(a) }})
	if err != nil {
		e.stats.dropped.Add(1)
		e.log.Warn("alert dropped", logx.String("key", a.DedupeKey()), logx.Err(err))
	}
	return err
}

func (e *Engine) reject(err error, r alert.Raw) {
	e.stats.rejected.Add(1)
	e.log.Warn("alert rejected", logx.Err(err), logx.String("category", r.Category), logx.String("zone", r.Zone))
	e.publish(eventbus.AlertRejected, Rejection{Reason: err.Error(), Category: r.Category, Zone: r.Zone})
}

// process runs on the loop: classify, insert or merge, route, present.
func (e *Engine) process(a alert.Alert) {
	now := e.clock.Now()
	p := e.prefs.Get()
	key := a.DedupeKey()

	if a.ID == "" || e.store.Has(a.ID) {
		a.ID = alert.NewID()
	}
	c := e.index.Classify(key, a.ID, now, p.DedupWindow(), e.store.IsUnread)
	res := e.store.InsertOrMerge(a, c.Duplicate, c.TargetID, now)

	// Route on what actually happened: a duplicate whose target vanished was
	// inserted and is surfaced as new.
	dup := res.Merged
	n := res.Notification
	if !dup && (c.Duplicate || n.ID != c.TargetID) {
		e.index.Bind(key, n.ID, now)
	}
	for _, gone := range res.Expired {
		e.forget(gone, goneRetention)
	}
	for _, gone := range res.Evicted {
		e.forget(gone, goneCapacity)
	}

	d := routing.Route(n.Level, dup, p)
	if !dup && n.Level == alert.LevelCritical {
		e.pulseUntil = now.Add(e.cfg.PulseDuration)
	}
	if d.Has(routing.ShowBanner) {
		e.showBanner(n, now, p.BannerAutoDismiss())
	}
	e.present(n, d, p.Volume(), now)

	out := Outcome{Notification: n, Duplicate: dup, Directives: d}
	if dup {
		e.stats.merged.Add(1)
		e.publish(eventbus.AlertMerged, out)
		e.log.Debug("alert merged", logx.String("id", n.ID), logx.String("key", key), logx.Int("updated", n.UpdatedCount))
		return
	}
	e.stats.created.Add(1)
	e.publish(eventbus.AlertCreated, out)
	e.log.Debug("alert created", logx.String("id", n.ID), logx.String("key", key), logx.String("directives", d.String()), logx.Bool("fallback", res.FellBack))
}

// present hands directives to the dispatcher. Failures are logged only.
func (e *Engine) present(n notification.Notification, d routing.Directives, volume float64, now time.Time) {
	if e.disp == nil || d.Empty() {
		return
	}
	for _, c := range d.List() {
		del := dispatch.Delivery{Channel: c, ChannelName: c.String(), Notification: n, At: now}
		switch c {
		case routing.PlayCriticalSound, routing.PlayWarningSound:
			del.Volume = volume
		case routing.ShowToast:
			del.TTL = dispatch.ToastTTL(n.Level)
		}
		if err := e.dispatch(del); err != nil && !errors.Is(err, dispatch.ErrDisabled) {
			e.log.Warn("directive not delivered", logx.String("channel", c.String()), logx.String("id", n.ID), logx.Err(err))
		}
	}
}

func (e *Engine) dispatch(d dispatch.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()
	return e.disp.Dispatch(d)
}

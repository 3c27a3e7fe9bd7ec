package engine

import (
	"context"
	"time"

	logx "crowdalert/pkg/logx"
)

// SweepResult reports what one sweep changed.
type SweepResult struct {
	Aged    int `json:"aged"`
	Expired int `json:"expired"`
	Pruned  int `json:"pruned"`
	Cleared int `json:"cleared"`
}

// SweepAging expires notifications past retention and, when autoReadOld is
// on, marks those unread for longer than the unread age as read. Entries
// already read are not touched again.
func (e *Engine) SweepAging(ctx context.Context) (SweepResult, error) {
	var r SweepResult
	err := e.call(ctx, "sweep_aging", func() {
		now := e.clock.Now()
		for _, n := range e.store.Expire(now) {
			e.forget(n, goneRetention)
			r.Expired++
		}
		if !e.prefs.Get().AutoReadOld() {
			return
		}
		aged := e.store.AgeUnread(now, e.cfg.UnreadAge)
		e.markRead(aged, readAged)
		r.Aged = len(aged)
		if r.Aged > 0 || r.Expired > 0 {
			e.log.Debug("aging sweep", logx.Int("aged", r.Aged), logx.Int("expired", r.Expired))
		}
	})
	return r, err
}

// SweepBanner clears a banner whose deadline has passed and ends an expired
// critical pulse.
func (e *Engine) SweepBanner(ctx context.Context) (SweepResult, error) {
	var r SweepResult
	err := e.call(ctx, "sweep_banner", func() {
		now := e.clock.Now()
		if e.banner != nil && !now.Before(e.banner.dismissAt) {
			e.clearBanner("timeout")
			r.Cleared = 1
		}
		if !e.pulseUntil.IsZero() && !now.Before(e.pulseUntil) {
			e.pulseUntil = time.Time{}
		}
	})
	return r, err
}

// SweepDedup drops dedup entries not seen for twice the current window.
func (e *Engine) SweepDedup(ctx context.Context) (SweepResult, error) {
	var r SweepResult
	err := e.call(ctx, "sweep_dedup", func() {
		r.Pruned = e.index.Prune(e.clock.Now(), e.prefs.Get().DedupWindow())
		if r.Pruned > 0 {
			e.log.Debug("dedup pruned", logx.Int("pruned", r.Pruned), logx.Int("remaining", e.index.Len()))
		}
	})
	return r, err
}

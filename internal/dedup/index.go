// Package dedup correlates repeated observations of the same ongoing
// condition inside a sliding time window.
//
// The index is not safe for concurrent use; the engine owner loop is its
// only caller.
package dedup

import "time"

// Entry is the index value for one dedupe key.
type Entry struct {
	NotificationID string
	LastSeenAt     time.Time
}

// Classification is the outcome of Classify.
type Classification struct {
	Duplicate bool
	// TargetID is the notification a duplicate should merge into. For a new
	// classification it is the candidate id the key is now bound to.
	TargetID string
}

// LiveFunc reports whether a notification id is still a merge target.
type LiveFunc func(id string) bool

type Index struct {
	entries map[string]Entry
}

func New() *Index {
	return &Index{entries: map[string]Entry{}}
}

// Classify decides new vs duplicate for key at now.
//
// A key is a duplicate when it was seen less than window ago and its bound
// notification is still live. lastSeenAt is refreshed either way, which
// makes the window slide with a sustained condition. New classifications
// bind the key to candidateID.
func (x *Index) Classify(key, candidateID string, now time.Time, window time.Duration, live LiveFunc) Classification {
	e, ok := x.entries[key]
	dup := ok && now.Sub(e.LastSeenAt) < window && e.NotificationID != ""
	if dup && live != nil && !live(e.NotificationID) {
		dup = false
	}
	if dup {
		e.LastSeenAt = now
		x.entries[key] = e
		return Classification{Duplicate: true, TargetID: e.NotificationID}
	}
	x.entries[key] = Entry{NotificationID: candidateID, LastSeenAt: now}
	return Classification{TargetID: candidateID}
}

// Bind re-points key at id, used when a merge fell back to an insert.
func (x *Index) Bind(key, id string, now time.Time) {
	x.entries[key] = Entry{NotificationID: id, LastSeenAt: now}
}

// Prune removes entries last seen more than 2*window before now and returns
// how many were removed.
func (x *Index) Prune(now time.Time, window time.Duration) int {
	if window <= 0 {
		n := len(x.entries)
		x.entries = map[string]Entry{}
		return n
	}
	bound := 2 * window
	removed := 0
	for k, e := range x.entries {
		if now.Sub(e.LastSeenAt) > bound {
			delete(x.entries, k)
			removed++
		}
	}
	return removed
}

func (x *Index) Lookup(key string) (Entry, bool) {
	e, ok := x.entries[key]
	return e, ok
}

func (x *Index) Len() int { return len(x.entries) }

// Oldest returns the earliest lastSeenAt in the index.
func (x *Index) Oldest() (time.Time, bool) {
	var (
		min time.Time
		set bool
	)
	for _, e := range x.entries {
		if !set || e.LastSeenAt.Before(min) {
			min, set = e.LastSeenAt, true
		}
	}
	return min, set
}

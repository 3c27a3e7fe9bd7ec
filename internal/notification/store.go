// Package notification holds the bounded, time-retained collection of
// notifications and their read state.
//
// Store is not safe for concurrent use. The engine owner loop serializes
// every call.
package notification

import (
	"errors"
	"strings"
	"time"

	"crowdalert/internal/alert"
)

const (
	Capacity         = 50
	RetentionAge     = 10 * time.Minute
	DefaultUnreadAge = 2 * time.Minute
)

var ErrNotFound = errors.New("notification not found")

// Notification is an alert plus hub state.
type Notification struct {
	alert.Alert
	DedupeKey    string    `json:"dedupeKey"`
	Read         bool      `json:"read"`
	UpdatedCount int       `json:"updatedCount"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// Result describes what InsertOrMerge did.
type Result struct {
	Notification Notification
	Merged       bool
	// FellBack is set when a duplicate found no unread target and was
	// inserted as a new notification.
	FellBack bool
	// Expired lists entries past retention; Evicted those pushed out by
	// capacity.
	Expired []Notification
	Evicted []Notification
}

type Store struct {
	items     []*Notification // most recent first
	byID      map[string]*Notification
	unread    int
	capacity  int
	retention time.Duration
}

type Option func(*Store)

func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		byID:      map[string]*Notification{},
		capacity:  Capacity,
		retention: RetentionAge,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IsUnread reports whether id is stored and unread, i.e. still a merge target.
func (s *Store) IsUnread(id string) bool {
	n, ok := s.byID[id]
	return ok && !n.Read
}

func (s *Store) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// InsertOrMerge applies a classified alert at now.
//
// A duplicate merges into targetID when it is still unread, else into any
// unread entry with the same dedupe key. With no target it falls through to
// creation. New entries take a.ID unless it is empty or already stored.
func (s *Store) InsertOrMerge(a alert.Alert, duplicate bool, targetID string, now time.Time) Result {
	key := a.DedupeKey()
	if duplicate {
		if n := s.mergeTarget(key, targetID); n != nil {
			merge(n, a)
			return Result{Notification: clone(n), Merged: true}
		}
	}

	if a.ID == "" || s.Has(a.ID) {
		a.ID = alert.NewID()
	}
	n := &Notification{
		Alert:      a,
		DedupeKey:  key,
		ReceivedAt: now,
	}
	s.items = append([]*Notification{n}, s.items...)
	s.byID[n.ID] = n
	s.unread++

	return Result{
		Notification: clone(n),
		FellBack:     duplicate,
		Expired:      s.Expire(now),
		Evicted:      s.trim(),
	}
}

func (s *Store) mergeTarget(key, targetID string) *Notification {
	if n, ok := s.byID[targetID]; ok && !n.Read && n.DedupeKey == key {
		return n
	}
	for _, n := range s.items {
		if !n.Read && n.DedupeKey == key {
			return n
		}
	}
	return nil
}

func merge(n *Notification, a alert.Alert) {
	n.Value = a.Value
	n.Timestamp = a.Timestamp
	if a.Message != "" {
		n.Message = a.Message
	}
	if a.Recommendation != "" {
		n.Recommendation = a.Recommendation
	}
	if a.Threshold != nil {
		n.Threshold = a.Threshold
	}
	if a.Location != nil {
		n.Location = a.Location
	}
	n.UpdatedCount++
}

// trim drops the tail beyond capacity.
func (s *Store) trim() []Notification {
	if len(s.items) <= s.capacity {
		return nil
	}
	var out []Notification
	for _, n := range s.items[s.capacity:] {
		s.forget(n)
		out = append(out, *n)
	}
	s.items = s.items[:s.capacity:s.capacity]
	return out
}

func (s *Store) forget(n *Notification) {
	delete(s.byID, n.ID)
	if !n.Read {
		s.unread--
	}
}

// Expire removes entries older than the retention age regardless of read
// state.
func (s *Store) Expire(now time.Time) []Notification {
	var out []Notification
	kept := s.items[:0]
	for _, n := range s.items {
		if now.Sub(n.ReceivedAt) > s.retention {
			s.forget(n)
			out = append(out, *n)
			continue
		}
		kept = append(kept, n)
	}
	clear(s.items[len(kept):])
	s.items = kept
	return out
}

// MarkRead flips the given ids to read and returns the ids that changed.
// Already-read and unknown ids are ignored.
func (s *Store) MarkRead(ids []string) []string {
	var changed []string
	for _, id := range ids {
		n, ok := s.byID[id]
		if !ok || n.Read {
			continue
		}
		n.Read = true
		s.unread--
		changed = append(changed, id)
	}
	return changed
}

func (s *Store) MarkAllRead() []string {
	var changed []string
	for _, n := range s.items {
		if n.Read {
			continue
		}
		n.Read = true
		s.unread--
		changed = append(changed, n.ID)
	}
	return changed
}

// AgeUnread marks entries unread for at least age since receipt as read.
func (s *Store) AgeUnread(now time.Time, age time.Duration) []string {
	var changed []string
	for _, n := range s.items {
		if n.Read || now.Sub(n.ReceivedAt) < age {
			continue
		}
		n.Read = true
		s.unread--
		changed = append(changed, n.ID)
	}
	return changed
}

// Dismiss removes id. The boolean is false when id was not stored.
func (s *Store) Dismiss(id string) (Notification, bool) {
	n, ok := s.byID[id]
	if !ok {
		return Notification{}, false
	}
	s.forget(n)
	for i, it := range s.items {
		if it == n {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	return *n, true
}

func (s *Store) Get(id string) (Notification, bool) {
	n, ok := s.byID[id]
	if !ok {
		return Notification{}, false
	}
	return clone(n), true
}

// List returns copies, most recent first.
func (s *Store) List() []Notification {
	out := make([]Notification, 0, len(s.items))
	for _, n := range s.items {
		out = append(out, clone(n))
	}
	return out
}

func (s *Store) Len() int { return len(s.items) }

// Unread is the maintained unread counter.
func (s *Store) Unread() int { return s.unread }

// UnreadScan recounts unread entries; it must always equal Unread.
func (s *Store) UnreadScan() int {
	c := 0
	for _, n := range s.items {
		if !n.Read {
			c++
		}
	}
	return c
}

func clone(n *Notification) Notification {
	c := *n
	if n.Threshold != nil {
		t := *n.Threshold
		c.Threshold = &t
	}
	if n.Location != nil {
		l := *n.Location
		c.Location = &l
	}
	return c
}

// Filter selects notifications for hub views. Zero fields match everything.
type Filter struct {
	Level    alert.Level
	Category string
	Query    string
}

func (f Filter) Match(n Notification) bool {
	if f.Level != "" && n.Level != f.Level {
		return false
	}
	if f.Category != "" && !strings.EqualFold(n.Category, f.Category) {
		return false
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(n.Message), q) ||
		strings.Contains(strings.ToLower(n.Zone), q) ||
		strings.Contains(strings.ToLower(n.Category), q)
}

func Apply(ns []Notification, f Filter) []Notification {
	out := ns[:0:0]
	for _, n := range ns {
		if f.Match(n) {
			out = append(out, n)
		}
	}
	return out
}

package prefs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"crowdalert/internal/eventbus"
	"crowdalert/internal/storage"
	logx "crowdalert/pkg/logx"
)

// Store is the live preference document. Reads are synchronous; changes
// apply to the next routing decision and are pushed to subscribers.
//
// It is safe for concurrent use.
type Store struct {
	mu  sync.RWMutex
	cur Preferences
	// wmu orders writers so persisted and published documents match.
	wmu sync.Mutex

	st  storage.Store
	bus eventbus.Bus
	log logx.Logger

	subsMu sync.Mutex
	subs   []chan Preferences
}

// Open loads the persisted document. Missing, unreadable or corrupt state
// falls back to Defaults and never fails.
func Open(ctx context.Context, st storage.Store, bus eventbus.Bus, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{cur: Defaults(), st: st, bus: bus, log: log}
	if st == nil {
		return s
	}
	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	doc, ok, err := st.LoadPreferences(lctx)
	switch {
	case err != nil:
		log.Warn("preferences load failed; using defaults", logx.Err(err))
	case !ok:
		log.Debug("no stored preferences; using defaults")
	default:
		p, err := decode(doc)
		if err != nil {
			log.Warn("stored preferences corrupt; using defaults", logx.Err(err))
			break
		}
		s.cur = p
	}
	return s
}

// decode overlays doc on the defaults so fields missing from older
// documents keep their default value.
func decode(doc []byte) (Preferences, error) {
	p := Defaults()
	dec := json.NewDecoder(bytes.NewReader(doc))
	if err := dec.Decode(&p); err != nil {
		return Defaults(), err
	}
	return p.Sanitize(), nil
}

func (s *Store) Get() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update validates and applies a patch. The new document is in effect even
// when persisting it fails; the error is returned so callers can report it.
func (s *Store) Update(ctx context.Context, pt Patch) (Preferences, error) {
	if err := pt.Validate(); err != nil {
		return s.Get(), err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	next := pt.Apply(s.cur).Sanitize()
	s.cur = next
	s.mu.Unlock()
	return next, s.commit(ctx, next)
}

// Reset restores Defaults.
func (s *Store) Reset(ctx context.Context) (Preferences, error) {
	next := Defaults()
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	return next, s.commit(ctx, next)
}

func (s *Store) commit(ctx context.Context, p Preferences) error {
	s.publish(p)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.PrefsUpdated, Data: p})
	}
	if s.st == nil {
		return nil
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.st.SavePreferences(ctx, doc); err != nil {
		s.log.Warn("preferences save failed", logx.Err(err))
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// Subscribe returns a channel receiving every new document. A slow
// subscriber loses the oldest pending value, never the newest.
func (s *Store) Subscribe(buffer int) (<-chan Preferences, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Preferences, buffer)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			for i, c := range s.subs {
				if c == ch {
					last := len(s.subs) - 1
					s.subs[i] = s.subs[last]
					s.subs[last] = nil
					s.subs = s.subs[:last]
					close(ch)
					return
				}
			}
		})
	}
}

func (s *Store) publish(p Preferences) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- p:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p:
		default:
			s.log.Debug("preferences update dropped (subscriber slow)")
		}
	}
}

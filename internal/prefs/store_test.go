package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"crowdalert/internal/eventbus"
	"crowdalert/internal/storage"
	logx "crowdalert/pkg/logx"
)

type memStorage struct {
	mu      sync.Mutex
	doc     []byte
	loadErr error
	saveErr error
	saves   int
}

func (m *memStorage) AppendAudit(context.Context, storage.AuditEntry) error { return nil }
func (m *memStorage) Close() error                                          { return nil }

func (m *memStorage) LoadPreferences(context.Context) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, false, m.loadErr
	}
	return m.doc, m.doc != nil, nil
}

func (m *memStorage) SavePreferences(_ context.Context, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.doc = append([]byte(nil), doc...)
	return nil
}

func ptr[T any](v T) *T { return &v }

func TestOpenFallsBackToDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		st   storage.Store
	}{
		{"no storage", nil},
		{"empty", &memStorage{}},
		{"load error", &memStorage{loadErr: errors.New("disk gone")}},
		{"corrupt", &memStorage{doc: []byte(`{"sound": 12`)}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := Open(context.Background(), tt.st, nil, logx.Nop())
			if got := s.Get(); got != Defaults() {
				t.Fatalf("Get = %+v, want defaults", got)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	p := Defaults()
	if !p.SoundEnabled() || !p.CriticalSoundEnabled() || !p.WarningSoundEnabled() {
		t.Fatalf("sound defaults = %+v", p.Sound)
	}
	if !p.ShowBanner() || !p.ShowToast() || !p.AutoReadOld() {
		t.Fatalf("display defaults = %+v", p.Display)
	}
	if p.DedupWindow() != 60*time.Second || p.BannerAutoDismiss() != 30*time.Second {
		t.Fatalf("timing defaults = %+v", p.Timing)
	}
}

func TestOpenOverlaysPartialDocument(t *testing.T) {
	t.Parallel()
	st := &memStorage{doc: []byte(`{"sound":{"enabled":false},"timing":{"deduplicationWindowSeconds":-4}}`)}
	p := Open(context.Background(), st, nil, logx.Nop()).Get()
	if p.SoundEnabled() {
		t.Fatalf("sound.enabled = true, want stored false")
	}
	if !p.CriticalSoundEnabled() || !p.ShowBanner() {
		t.Fatalf("missing fields lost their defaults: %+v", p)
	}
	if p.Timing.DeduplicationWindowSeconds != DefaultDedupWindowSeconds {
		t.Fatalf("window = %d, want sanitized default", p.Timing.DeduplicationWindowSeconds)
	}
}

func TestUpdatePersistsAndPublishes(t *testing.T) {
	t.Parallel()
	st := &memStorage{}
	bus := eventbus.New()
	events, unsubBus := bus.Subscribe(4)
	defer unsubBus()

	s := Open(context.Background(), st, bus, logx.Nop())
	ch, unsub := s.Subscribe(1)
	defer unsub()

	got, err := s.Update(context.Background(), Patch{
		Sound:  &SoundPatch{WarningAlerts: ptr(false), Volume: ptr(0.8)},
		Timing: &TimingPatch{DeduplicationWindowSeconds: ptr(15)},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.WarningSoundEnabled() || got.Volume() != 0.8 || got.DedupWindow() != 15*time.Second {
		t.Fatalf("Update = %+v", got)
	}
	if !got.SoundEnabled() {
		t.Fatalf("unpatched field changed")
	}
	if s.Get() != got {
		t.Fatalf("Get = %+v, want %+v", s.Get(), got)
	}

	select {
	case p := <-ch:
		if p != got {
			t.Fatalf("subscriber got %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber not notified")
	}
	select {
	case e := <-events:
		if e.Type != eventbus.PrefsUpdated {
			t.Fatalf("event type = %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("bus not notified")
	}

	var stored Preferences
	if err := json.Unmarshal(st.doc, &stored); err != nil {
		t.Fatalf("stored doc: %v", err)
	}
	if stored != got {
		t.Fatalf("stored = %+v, want %+v", stored, got)
	}
}

func TestUpdateRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	st := &memStorage{}
	s := Open(context.Background(), st, nil, logx.Nop())
	_, err := s.Update(context.Background(), Patch{Timing: &TimingPatch{BannerAutoDismissSeconds: ptr(7200)}})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	_, err = s.Update(context.Background(), Patch{Sound: &SoundPatch{Volume: ptr(1.5)}})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if s.Get() != Defaults() || st.saves != 0 {
		t.Fatalf("rejected patch changed state")
	}
}

func TestUpdateSaveFailureKeepsNewDocument(t *testing.T) {
	t.Parallel()
	st := &memStorage{saveErr: errors.New("read-only")}
	s := Open(context.Background(), st, nil, logx.Nop())
	got, err := s.Update(context.Background(), Patch{Display: &DisplayPatch{ShowToast: ptr(false)}})
	if err == nil {
		t.Fatalf("expected save error")
	}
	if got.ShowToast() || s.Get().ShowToast() {
		t.Fatalf("document not applied after save failure")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	s := Open(context.Background(), &memStorage{}, nil, logx.Nop())
	if _, err := s.Update(context.Background(), Patch{Display: &DisplayPatch{ShowBanner: ptr(false)}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got != Defaults() || s.Get() != Defaults() {
		t.Fatalf("Reset = %+v", got)
	}
}

func TestSubscribeKeepsNewest(t *testing.T) {
	t.Parallel()
	s := Open(context.Background(), nil, nil, logx.Nop())
	ch, unsub := s.Subscribe(1)
	for i := 1; i <= 3; i++ {
		if _, err := s.Update(context.Background(), Patch{Timing: &TimingPatch{DeduplicationWindowSeconds: ptr(i * 10)}}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	p := <-ch
	if p.Timing.DeduplicationWindowSeconds != 30 {
		t.Fatalf("subscriber got window %d, want newest 30", p.Timing.DeduplicationWindowSeconds)
	}
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after unsubscribe")
	}
}

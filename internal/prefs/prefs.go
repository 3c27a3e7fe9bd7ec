// Package prefs holds the operator-tunable alert policy.
package prefs

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultDedupWindowSeconds   = 60
	DefaultBannerDismissSeconds = 30
	DefaultVolume               = 0.5

	maxSeconds = 3600
)

var ErrInvalid = errors.New("invalid preferences")

type Sound struct {
	Enabled        bool    `json:"enabled"`
	CriticalAlerts bool    `json:"criticalAlerts"`
	WarningAlerts  bool    `json:"warningAlerts"`
	Volume         float64 `json:"volume"`
}

type Display struct {
	ShowBanner  bool `json:"showBanner"`
	ShowToast   bool `json:"showToast"`
	AutoReadOld bool `json:"autoReadOld"`
}

type Timing struct {
	DeduplicationWindowSeconds int `json:"deduplicationWindowSeconds"`
	BannerAutoDismissSeconds   int `json:"bannerAutoDismissSeconds"`
}

// Preferences is the full policy document.
type Preferences struct {
	Sound   Sound   `json:"sound"`
	Display Display `json:"display"`
	Timing  Timing  `json:"timing"`
}

// Defaults is used on first start and whenever stored state is unreadable.
func Defaults() Preferences {
	return Preferences{
		Sound:   Sound{Enabled: true, CriticalAlerts: true, WarningAlerts: true, Volume: DefaultVolume},
		Display: Display{ShowBanner: true, ShowToast: true, AutoReadOld: true},
		Timing: Timing{
			DeduplicationWindowSeconds: DefaultDedupWindowSeconds,
			BannerAutoDismissSeconds:   DefaultBannerDismissSeconds,
		},
	}
}

func (p Preferences) SoundEnabled() bool         { return p.Sound.Enabled }
func (p Preferences) CriticalSoundEnabled() bool { return p.Sound.CriticalAlerts }
func (p Preferences) WarningSoundEnabled() bool  { return p.Sound.WarningAlerts }
func (p Preferences) Volume() float64            { return p.Sound.Volume }
func (p Preferences) ShowBanner() bool           { return p.Display.ShowBanner }
func (p Preferences) ShowToast() bool            { return p.Display.ShowToast }
func (p Preferences) AutoReadOld() bool          { return p.Display.AutoReadOld }

func (p Preferences) DedupWindow() time.Duration {
	return time.Duration(p.Timing.DeduplicationWindowSeconds) * time.Second
}

func (p Preferences) BannerAutoDismiss() time.Duration {
	return time.Duration(p.Timing.BannerAutoDismissSeconds) * time.Second
}

// Sanitize replaces out-of-range values with their defaults.
func (p Preferences) Sanitize() Preferences {
	if s := p.Timing.DeduplicationWindowSeconds; s <= 0 || s > maxSeconds {
		p.Timing.DeduplicationWindowSeconds = DefaultDedupWindowSeconds
	}
	if s := p.Timing.BannerAutoDismissSeconds; s <= 0 || s > maxSeconds {
		p.Timing.BannerAutoDismissSeconds = DefaultBannerDismissSeconds
	}
	if v := p.Sound.Volume; math.IsNaN(v) || v < 0 || v > 1 {
		p.Sound.Volume = DefaultVolume
	}
	return p
}

// Patch is a partial update. Nil fields keep their current value.
type Patch struct {
	Sound   *SoundPatch   `json:"sound,omitempty"`
	Display *DisplayPatch `json:"display,omitempty"`
	Timing  *TimingPatch  `json:"timing,omitempty"`
}

type SoundPatch struct {
	Enabled        *bool    `json:"enabled,omitempty"`
	CriticalAlerts *bool    `json:"criticalAlerts,omitempty"`
	WarningAlerts  *bool    `json:"warningAlerts,omitempty"`
	Volume         *float64 `json:"volume,omitempty" validate:"omitempty,min=0,max=1"`
}

type DisplayPatch struct {
	ShowBanner  *bool `json:"showBanner,omitempty"`
	ShowToast   *bool `json:"showToast,omitempty"`
	AutoReadOld *bool `json:"autoReadOld,omitempty"`
}

type TimingPatch struct {
	DeduplicationWindowSeconds *int `json:"deduplicationWindowSeconds,omitempty" validate:"omitempty,min=1,max=3600"`
	BannerAutoDismissSeconds   *int `json:"bannerAutoDismissSeconds,omitempty" validate:"omitempty,min=1,max=3600"`
}

var validate = validator.New()

// Validate rejects out-of-range values instead of silently defaulting them.
func (pt Patch) Validate() error {
	if err := validate.Struct(pt); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Apply returns p with the patch applied.
func (pt Patch) Apply(p Preferences) Preferences {
	if s := pt.Sound; s != nil {
		setBool(&p.Sound.Enabled, s.Enabled)
		setBool(&p.Sound.CriticalAlerts, s.CriticalAlerts)
		setBool(&p.Sound.WarningAlerts, s.WarningAlerts)
		if s.Volume != nil {
			p.Sound.Volume = *s.Volume
		}
	}
	if d := pt.Display; d != nil {
		setBool(&p.Display.ShowBanner, d.ShowBanner)
		setBool(&p.Display.ShowToast, d.ShowToast)
		setBool(&p.Display.AutoReadOld, d.AutoReadOld)
	}
	if t := pt.Timing; t != nil {
		if t.DeduplicationWindowSeconds != nil {
			p.Timing.DeduplicationWindowSeconds = *t.DeduplicationWindowSeconds
		}
		if t.BannerAutoDismissSeconds != nil {
			p.Timing.BannerAutoDismissSeconds = *t.BannerAutoDismissSeconds
		}
	}
	return p
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

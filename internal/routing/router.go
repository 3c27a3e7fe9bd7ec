// Package routing decides which presentation channels fire for a classified
// alert.
package routing

import (
	"encoding/json"
	"strings"

	"crowdalert/internal/alert"
)

// Channel is one presentation directive.
type Channel uint8

const (
	PlayCriticalSound Channel = 1 << iota
	PlayWarningSound
	ShowToast
	ShowBanner
	HubOnly
)

var channelNames = []struct {
	c    Channel
	name string
}{
	{ShowBanner, "SHOW_BANNER"},
	{PlayCriticalSound, "PLAY_CRITICAL_SOUND"},
	{PlayWarningSound, "PLAY_WARNING_SOUND"},
	{ShowToast, "SHOW_TOAST"},
	{HubOnly, "HUB_ONLY"},
}

func (c Channel) String() string {
	for _, n := range channelNames {
		if n.c == c {
			return n.name
		}
	}
	return "UNKNOWN"
}

// Policy is the subset of preferences the router reads.
type Policy interface {
	SoundEnabled() bool
	CriticalSoundEnabled() bool
	WarningSoundEnabled() bool
	ShowBanner() bool
	ShowToast() bool
}

// Directives is a set of channels.
type Directives uint8

func (d Directives) Has(c Channel) bool { return d&Directives(c) != 0 }

func (d Directives) Empty() bool { return d == 0 }

func (d Directives) with(c Channel) Directives { return d | Directives(c) }

// Of builds a set, mostly for tests.
func Of(cs ...Channel) Directives {
	var d Directives
	for _, c := range cs {
		d = d.with(c)
	}
	return d
}

// List returns the channels in a stable order.
func (d Directives) List() []Channel {
	var out []Channel
	for _, n := range channelNames {
		if d.Has(n.c) {
			out = append(out, n.c)
		}
	}
	return out
}

func (d Directives) String() string {
	cs := d.List()
	names := make([]string, 0, len(cs))
	for _, c := range cs {
		names = append(names, c.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

func (d Directives) MarshalJSON() ([]byte, error) {
	cs := d.List()
	names := make([]string, 0, len(cs))
	for _, c := range cs {
		names = append(names, c.String())
	}
	return json.Marshal(names)
}

// Route applies the severity decision table. Duplicates never fire a
// channel. Warnings can at most play the warning sound whatever the display
// preferences say.
func Route(level alert.Level, duplicate bool, p Policy) Directives {
	if duplicate {
		return 0
	}
	var d Directives
	switch level {
	case alert.LevelCritical:
		if p.ShowBanner() {
			d = d.with(ShowBanner)
		}
		if p.SoundEnabled() && p.CriticalSoundEnabled() {
			d = d.with(PlayCriticalSound)
		}
		if p.ShowToast() {
			d = d.with(ShowToast)
		}
	case alert.LevelWarning:
		if p.SoundEnabled() && p.WarningSoundEnabled() {
			d = d.with(PlayWarningSound)
		}
	default:
		d = d.with(HubOnly)
	}
	return d
}

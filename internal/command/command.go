// Package command defines the abstract control requests accepted by the
// server and validates them before they reach a device session.
package command

import (
	"fmt"
	"regexp"
)

// Kind identifies one control action or query.
type Kind string

// Actions translated to device key events or intents.
const (
	KindHome           Kind = "home"
	KindBack           Kind = "back"
	KindMenu           Kind = "menu"
	KindUp             Kind = "up"
	KindDown           Kind = "down"
	KindLeft           Kind = "left"
	KindRight          Kind = "right"
	KindEnter          Kind = "enter"
	KindVolumeUp       Kind = "volume_up"
	KindVolumeDown     Kind = "volume_down"
	KindMediaPlay      Kind = "media_play"
	KindMediaPause     Kind = "media_pause"
	KindMediaPlayPause Kind = "media_play_pause"
	KindMediaNext      Kind = "media_next"
	KindMediaPrevious  Kind = "media_previous"
	KindTurnOn         Kind = "turn_on"
	KindTurnOff        Kind = "turn_off"
	KindLaunchApp      Kind = "launch_app"
	KindStopApp        Kind = "stop_app"
)

// Queries that read device state without changing it.
const (
	KindState       Kind = "state"
	KindCurrentApp  Kind = "current_app"
	KindRunningApps Kind = "running_apps"
	KindAppState    Kind = "app_state"
)

// A restrictive application id: letters and dots only.
var appIDRE = regexp.MustCompile(`^[a-zA-Z][a-z\.A-Z]+$`)

var kinds = map[Kind]bool{
	KindHome: true, KindBack: true, KindMenu: true,
	KindUp: true, KindDown: true, KindLeft: true, KindRight: true,
	KindEnter: true, KindVolumeUp: true, KindVolumeDown: true,
	KindMediaPlay: true, KindMediaPause: true, KindMediaPlayPause: true,
	KindMediaNext: true, KindMediaPrevious: true,
	KindTurnOn: true, KindTurnOff: true,
	KindLaunchApp: true, KindStopApp: true,
	KindState: true, KindCurrentApp: true, KindRunningApps: true,
	KindAppState: true,
}

var appKinds = map[Kind]bool{
	KindLaunchApp: true,
	KindStopApp:   true,
	KindAppState:  true,
}

// Command is a transient control request for one device.
type Command struct {
	Kind Kind   `json:"action"`
	App  string `json:"app,omitempty"`
}

// ValidationError reports a malformed request, rejected before any device
// session is involved.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidAppID reports whether an application id is acceptable.
func ValidAppID(app string) bool {
	return appIDRE.MatchString(app)
}

// NeedsApp reports whether the kind carries an application parameter.
func (k Kind) NeedsApp() bool {
	return appKinds[k]
}

// Parse builds a Command from a request action name and optional app id.
func Parse(action, app string) (Command, error) {
	cmd := Command{Kind: Kind(action), App: app}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// Validate checks the command shape.
func (c Command) Validate() error {
	if !kinds[c.Kind] {
		return ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", string(c.Kind))}
	}
	if c.Kind.NeedsApp() {
		if !ValidAppID(c.App) {
			return ValidationError{Field: "app", Reason: fmt.Sprintf("bad application id %q", c.App)}
		}
	} else if c.App != "" {
		return ValidationError{Field: "app", Reason: fmt.Sprintf("action %q takes no application id", string(c.Kind))}
	}
	return nil
}

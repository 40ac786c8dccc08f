package adb

import (
	"context"
	"crypto/rsa"
	"fmt"
	"regexp"
	"strings"

	"github.com/aftvgo/aftvserver/internal/command"
	"github.com/aftvgo/aftvserver/internal/driver"
)

// Android key event codes used by the Fire TV remote surface.
const (
	keyMenu       = 1
	keyHome       = 3
	keyBack       = 4
	keyUp         = 19
	keyDown       = 20
	keyLeft       = 21
	keyRight      = 22
	keyVolumeUp   = 24
	keyVolumeDown = 25
	keyPower      = 26
	keyEnter      = 66
	keyPlayPause  = 85
	keyNext       = 87
	keyPrevious   = 88
	keyPlay       = 126
	keyPause      = 127
)

// Device power states.
const (
	StateOn           = "on"
	StateIdle         = "idle"
	StateOff          = "off"
	StatePlaying      = "play"
	StatePaused       = "pause"
	StateStandby      = "standby"
	StateDisconnected = "disconnected"
)

const (
	packageLauncher = "com.amazon.tv.launcher"
	intentLaunch    = "android.intent.category.LAUNCHER"
	intentHome      = "android.intent.category.HOME"
)

// Matches window manager output for app and activity name gathering, e.g.
// mCurrentFocus=Window{299091cd u0 com.netflix.ninja/com.netflix.ninja.MainActivity}
var windowRE = regexp.MustCompile(`Window\{(.+?) (.+) ([^/}]+?)(?:/([^}]+?))?\}`)

var keyCodes = map[command.Kind]int{
	command.KindHome:           keyHome,
	command.KindBack:           keyBack,
	command.KindMenu:           keyMenu,
	command.KindUp:             keyUp,
	command.KindDown:           keyDown,
	command.KindLeft:           keyLeft,
	command.KindRight:          keyRight,
	command.KindEnter:          keyEnter,
	command.KindVolumeUp:       keyVolumeUp,
	command.KindVolumeDown:     keyVolumeDown,
	command.KindMediaPlay:      keyPlay,
	command.KindMediaPause:     keyPause,
	command.KindMediaPlayPause: keyPlayPause,
	command.KindMediaNext:      keyNext,
	command.KindMediaPrevious:  keyPrevious,
}

// shellRunner abstracts the authenticated ADB link so the translation layer
// can be tested against canned shell output.
type shellRunner interface {
	Shell(ctx context.Context, cmdline string) (string, error)
	Close() error
}

// Driver implements driver.Driver for the Fire TV family.
type Driver struct{}

func NewDriver() *Driver {
	return &Driver{}
}

func (*Driver) Family() string {
	return "firetv"
}

func (*Driver) Dial(ctx context.Context, dev driver.Device) (driver.Conn, error) {
	key, err := credentialKey(dev.Credential)
	if err != nil {
		return nil, err
	}
	conn, err := Dial(ctx, dev.Addr, key)
	if err != nil {
		return nil, err
	}
	return &fireTV{sh: conn}, nil
}

func credentialKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		return nil, nil
	}
	k, err := LoadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load adb key: %w", err)
	}
	return k, nil
}

// fireTV translates abstract commands into adb shell invocations, mirroring
// the Fire TV remote debugging surface.
type fireTV struct {
	sh shellRunner
}

func (f *fireTV) Run(ctx context.Context, cmd command.Command) (driver.Result, error) {
	if code, ok := keyCodes[cmd.Kind]; ok {
		return driver.Result{}, f.key(ctx, code)
	}

	switch cmd.Kind {
	case command.KindTurnOn:
		state, err := f.state(ctx)
		if err != nil {
			return driver.Result{}, err
		}
		if state == StateOff {
			if err := f.key(ctx, keyPower); err != nil {
				return driver.Result{}, err
			}
		}
		return driver.Result{}, nil

	case command.KindTurnOff:
		state, err := f.state(ctx)
		if err != nil {
			return driver.Result{}, err
		}
		if state != StateOff {
			if err := f.key(ctx, keyPower); err != nil {
				return driver.Result{}, err
			}
		}
		return driver.Result{}, nil

	case command.KindLaunchApp:
		out, err := f.sendIntent(ctx, cmd.App, intentLaunch)
		return driver.Result{Output: out}, err

	case command.KindStopApp:
		// There is no reliable force-stop on Fire TV; going home pushes
		// the app to the background.
		out, err := f.sendIntent(ctx, packageLauncher, intentHome)
		return driver.Result{Output: out}, err

	case command.KindState:
		state, err := f.state(ctx)
		return driver.Result{State: state}, err

	case command.KindCurrentApp:
		app, err := f.currentApp(ctx)
		return driver.Result{App: app}, err

	case command.KindRunningApps:
		apps, err := f.runningApps(ctx)
		return driver.Result{RunningApps: apps}, err

	case command.KindAppState:
		state, err := f.appState(ctx, cmd.App)
		return driver.Result{State: state}, err
	}

	return driver.Result{}, driver.ProtocolError{Family: "firetv", Detail: fmt.Sprintf("untranslatable command %q", string(cmd.Kind))}
}

func (f *fireTV) Ping(ctx context.Context) error {
	_, err := f.sh.Shell(ctx, "echo 1")
	return err
}

func (f *fireTV) Close() error {
	return f.sh.Close()
}

func (f *fireTV) key(ctx context.Context, code int) error {
	_, err := f.sh.Shell(ctx, fmt.Sprintf("input keyevent %d", code))
	return err
}

func (f *fireTV) sendIntent(ctx context.Context, pkg, intent string) (string, error) {
	return f.sh.Shell(ctx, fmt.Sprintf("monkey -p %s -c %s 1; echo $?", pkg, intent))
}

// state derives the power state from dumpsys output and the focused window.
func (f *fireTV) state(ctx context.Context) (string, error) {
	screenOn, err := f.dumpHas(ctx, "power", "Display Power", "state=ON")
	if err != nil {
		return "", err
	}
	if !screenOn {
		return StateOff, nil
	}
	awake, err := f.dumpHas(ctx, "power", "mWakefulness", "Awake")
	if err != nil {
		return "", err
	}
	if !awake {
		return StateIdle, nil
	}
	app, err := f.currentApp(ctx)
	if err != nil {
		return "", err
	}
	if app != nil && app.Package == packageLauncher {
		return StateStandby, nil
	}
	noLocks, err := f.dumpHas(ctx, "power", "Locks", "size=0")
	if err != nil {
		return "", err
	}
	if !noLocks {
		// A held wake lock means something is playing.
		return StatePlaying, nil
	}
	return StatePaused, nil
}

func (f *fireTV) currentApp(ctx context.Context) (*driver.App, error) {
	out, err := f.dump(ctx, "window windows", "mCurrentFocus")
	if err != nil {
		return nil, err
	}
	matches := windowRE.FindStringSubmatch(strings.ReplaceAll(out, "\r", ""))
	if matches == nil {
		return nil, nil
	}
	return &driver.App{Package: matches[3], Activity: matches[4]}, nil
}

// runningApps lists user applications: ps rows for u0_a uids, last column.
func (f *fireTV) runningApps(ctx context.Context) ([]string, error) {
	out, err := f.sh.Shell(ctx, "ps")
	if err != nil {
		return nil, err
	}
	var apps []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "u0_a") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		apps = append(apps, fields[len(fields)-1])
	}
	return apps, nil
}

func (f *fireTV) appState(ctx context.Context, app string) (string, error) {
	state, err := f.state(ctx)
	if err != nil {
		return "", err
	}
	if state == StateOff {
		return StateOff, nil
	}
	current, err := f.currentApp(ctx)
	if err != nil {
		return "", err
	}
	if current != nil && current.Package == app {
		return StateOn, nil
	}
	return StateOff, nil
}

func (f *fireTV) dump(ctx context.Context, service, grep string) (string, error) {
	return f.sh.Shell(ctx, fmt.Sprintf("dumpsys %s | grep \"%s\"", service, grep))
}

func (f *fireTV) dumpHas(ctx context.Context, service, grep, search string) (bool, error) {
	out, err := f.dump(ctx, service, grep)
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.TrimSpace(out), search), nil
}

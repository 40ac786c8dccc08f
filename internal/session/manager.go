package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aftvgo/aftvserver/internal/command"
	"github.com/aftvgo/aftvserver/internal/config"
	"github.com/aftvgo/aftvserver/internal/driver"
)

// Status is a point-in-time snapshot of one device session.
type Status struct {
	Name    string
	Session string
	Addr    string
	Family  string
	State   State
}

// Manager owns one session per configured device and routes commands to
// them by device name.
type Manager struct {
	registry *driver.Registry

	mu       sync.RWMutex
	sessions map[string]*Session
	devices  map[string]config.Device

	hookMu      sync.RWMutex
	onState     func(device string, state State)
	onReconnect func(device string, attempt int)
}

// NewManager builds sessions for every device in cfg. No device is dialled
// until its first command or an explicit Connect.
func NewManager(cfg *config.Config, reg *driver.Registry) (*Manager, error) {
	m := &Manager{
		registry: reg,
		sessions: make(map[string]*Session, len(cfg.Devices)),
		devices:  make(map[string]config.Device, len(cfg.Devices)),
	}
	for name, dev := range cfg.Devices {
		if err := m.startSession(name, dev); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// OnStateChange registers a hook invoked on every session state transition.
// The hook must be fast and must not call back into the manager's sessions.
func (m *Manager) OnStateChange(fn func(device string, state State)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onState = fn
}

// OnReconnectAttempt registers a hook invoked before each reconnect attempt.
func (m *Manager) OnReconnectAttempt(fn func(device string, attempt int)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onReconnect = fn
}

// Execute routes one command to the named device. Unknown names fail before
// any network I/O.
func (m *Manager) Execute(ctx context.Context, device string, cmd command.Command) (driver.Result, error) {
	s, err := m.lookup(device)
	if err != nil {
		return driver.Result{}, err
	}
	return s.Execute(ctx, cmd)
}

// Connect forces a connection attempt for the named device.
func (m *Manager) Connect(ctx context.Context, device string) error {
	s, err := m.lookup(device)
	if err != nil {
		return err
	}
	return s.Connect(ctx)
}

// State returns the session state for the named device.
func (m *Manager) State(device string) (State, error) {
	s, err := m.lookup(device)
	if err != nil {
		return StateUnconfigured, err
	}
	return s.State(), nil
}

// Devices returns a snapshot of all sessions, sorted by device name.
func (m *Manager) Devices() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.sessions))
	for name, s := range m.sessions {
		dev := m.devices[name]
		out = append(out, Status{
			Name:    name,
			Session: s.ID(),
			Addr:    dev.Addr(),
			Family:  dev.Family,
			State:   s.State(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Add registers a device at runtime. An existing session under the same
// name is torn down and replaced.
func (m *Manager) Add(name string, dev config.Device) error {
	if !config.ValidDeviceName(name) {
		return command.ValidationError{Field: "device_id", Reason: "must match ^[-\\w]+$"}
	}
	dev.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[name]; ok {
		old.close()
		delete(m.sessions, name)
		delete(m.devices, name)
	}
	return m.startSession(name, dev)
}

// ApplyConfig reconciles the sessions with an updated configuration:
// removed devices are closed, changed ones are torn down and recreated with
// the new parameters, added ones start unconfigured. An unknown device
// family rejects the whole update, leaving the sessions untouched.
func (m *Manager) ApplyConfig(updated *config.Config) (config.Diff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	diff := config.DiffDevices(m.devices, updated.Devices)
	for _, name := range append(diff.Added, diff.Changed...) {
		if _, err := m.registry.Lookup(updated.Devices[name].Family); err != nil {
			return config.Diff{}, fmt.Errorf("device %q: %w", name, err)
		}
	}

	for _, name := range diff.Removed {
		m.sessions[name].close()
		delete(m.sessions, name)
		delete(m.devices, name)
	}
	for _, name := range diff.Changed {
		m.sessions[name].close()
		delete(m.sessions, name)
		delete(m.devices, name)
	}
	for _, name := range append(diff.Changed, diff.Added...) {
		if err := m.startSession(name, updated.Devices[name]); err != nil {
			return diff, err
		}
	}
	return diff, nil
}

// Close tears down every session and waits for their background loops.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.sessions {
		s.close()
		delete(m.sessions, name)
		delete(m.devices, name)
	}
}

func (m *Manager) lookup(device string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[device]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", device, ErrUnknownDevice)
	}
	return s, nil
}

// startSession is called with mu held (or before the manager is shared).
func (m *Manager) startSession(name string, dev config.Device) error {
	drv, err := m.registry.Lookup(dev.Family)
	if err != nil {
		return fmt.Errorf("device %q: %w", name, err)
	}
	target := driver.Device{
		Name:       name,
		Addr:       dev.Addr(),
		Family:     dev.Family,
		Credential: dev.Credential,
	}
	m.sessions[name] = newSession(target, drv, m.notifyState, m.notifyReconnect)
	m.devices[name] = dev
	return nil
}

func (m *Manager) notifyState(device string, st State) {
	m.hookMu.RLock()
	fn := m.onState
	m.hookMu.RUnlock()
	if fn != nil {
		fn(device, st)
	}
}

func (m *Manager) notifyReconnect(device string, attempt int) {
	m.hookMu.RLock()
	fn := m.onReconnect
	m.hookMu.RUnlock()
	if fn != nil {
		fn(device, attempt)
	}
}

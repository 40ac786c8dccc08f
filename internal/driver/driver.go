// Package driver defines the pluggable contract between the session manager
// and concrete device-family transports.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aftvgo/aftvserver/internal/command"
)

// Transport-level errors shared across device families.
var (
	// ErrAuthRejected indicates the device refused the stored credential.
	ErrAuthRejected = errors.New("device rejected credential")

	// ErrTimeout indicates the device did not answer a handshake or
	// heartbeat within its deadline.
	ErrTimeout = errors.New("device timed out")

	// ErrLinkLost indicates a read or write failure on an established
	// connection. The session recovers from it by reconnecting.
	ErrLinkLost = errors.New("device link lost")
)

// ProtocolError reports an unexpected response on the device wire protocol.
type ProtocolError struct {
	Family string
	Detail string
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: %s", e.Family, e.Detail)
}

// Device describes one dial target.
type Device struct {
	Name       string
	Addr       string
	Family     string
	Credential string
}

// App identifies a focused application on the device.
type App struct {
	Package  string `json:"package"`
	Activity string `json:"activity,omitempty"`
}

// Result carries the outcome of a command. Which fields are set depends on
// the command kind.
type Result struct {
	State       string
	App         *App
	RunningApps []string
	Output      string
}

// Conn is an established, authenticated link to one device.
type Conn interface {
	// Run translates the command into device wire messages and waits for
	// the device acknowledgement.
	Run(ctx context.Context, cmd command.Command) (Result, error)

	// Ping probes the link. An error marks the link as lost.
	Ping(ctx context.Context) error

	Close() error
}

// Driver dials devices of one family.
type Driver interface {
	Family() string
	Dial(ctx context.Context, dev Device) (Conn, error)
}

// Registry resolves a device family name to its driver.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry builds a registry from the compiled-in drivers.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver, len(drivers))}
	for _, d := range drivers {
		r.drivers[d.Family()] = d
	}
	return r
}

// Lookup returns the driver for a family.
func (r *Registry) Lookup(family string) (Driver, error) {
	d, ok := r.drivers[family]
	if !ok {
		return nil, fmt.Errorf("unknown device family %q", family)
	}
	return d, nil
}

// Families returns the registered family names, sorted.
func (r *Registry) Families() []string {
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package session owns the long-lived device sessions: one per configured
// device, with lazy connection, heartbeating and background reconnection.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aftvgo/aftvserver/internal/command"
	"github.com/aftvgo/aftvserver/internal/driver"
)

var (
	// ErrUnknownDevice is returned for device names that are not
	// configured. No network I/O happens on this path.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrNotConnected is returned for commands sent while a reconnect is
	// pending. Commands are never queued behind a dead link.
	ErrNotConnected = errors.New("device not connected")

	// ErrClosed is returned after a session has been shut down.
	ErrClosed = errors.New("session closed")
)

// State of a device session.
type State int

const (
	// StateUnconfigured means the device is known but has never been
	// dialled. The first command connects it.
	StateUnconfigured State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	dialTimeout       = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 5 * time.Second
)

// Session drives the lifecycle of a single device connection.
type Session struct {
	id   string
	dev  driver.Device
	drv  driver.Driver
	back *backoff

	// cmdMu serializes commands so they reach the device in acceptance
	// order. It is never held while waiting on a reconnect.
	cmdMu sync.Mutex

	mu    sync.Mutex
	state State
	conn  driver.Conn

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	reconnectCh chan struct{}
	heartbeat   time.Duration

	onState     func(device string, state State)
	onReconnect func(device string, attempt int)
}

func newSession(dev driver.Device, drv driver.Driver, onState func(string, State), onReconnect func(string, int)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          uuid.NewString(),
		dev:         dev,
		drv:         drv,
		back:        newBackoff(),
		state:       StateUnconfigured,
		ctx:         ctx,
		cancel:      cancel,
		reconnectCh: make(chan struct{}, 1),
		heartbeat:   heartbeatInterval,
		onState:     onState,
		onReconnect: onReconnect,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// ID is the session identifier, unique per session lifetime.
func (s *Session) ID() string {
	return s.id
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Execute runs one command against the device. An unconfigured session is
// connected first; a disconnected one fails fast with ErrNotConnected.
func (s *Session) Execute(ctx context.Context, cmd command.Command) (driver.Result, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	conn, err := s.ensureConnected(ctx)
	if err != nil {
		return driver.Result{}, err
	}
	res, err := conn.Run(ctx, cmd)
	if err != nil && isLinkFailure(err) {
		s.connectionLost(conn, err)
	}
	return res, err
}

// Connect forces a connection attempt for a session that has never been
// dialled. It is a no-op when already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	_, err := s.ensureConnected(ctx)
	return err
}

// ensureConnected is called with cmdMu held.
func (s *Session) ensureConnected(ctx context.Context) (driver.Conn, error) {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	case StateDisconnected, StateConnecting:
		s.mu.Unlock()
		return nil, ErrNotConnected
	case StateClosed:
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.setState(StateConnecting)
	s.mu.Unlock()

	conn, err := s.drv.Dial(ctx, s.dev)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil, ErrClosed
	}
	if err != nil {
		s.setState(StateDisconnected)
		s.mu.Unlock()
		s.triggerReconnect()
		return nil, err
	}
	s.conn = conn
	s.back.reset()
	s.setState(StateConnected)
	s.mu.Unlock()

	log.Printf("session %s: connected to %s (%s)", s.id, s.dev.Name, s.dev.Addr)
	return conn, nil
}

// connectionLost moves an established session to Disconnected and wakes the
// reconnect loop. Stale calls for an already replaced conn are ignored.
func (s *Session) connectionLost(conn driver.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	_ = conn.Close()
	s.conn = nil
	s.setState(StateDisconnected)
	s.mu.Unlock()

	log.Printf("session %s: lost %s: %v", s.id, s.dev.Name, cause)
	s.triggerReconnect()
}

func (s *Session) triggerReconnect() {
	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
}

func (s *Session) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.reconnectCh:
			s.reconnect()
		case <-ticker.C:
			s.probe()
		}
	}
}

// reconnect retries the dial with exponential backoff until the session is
// connected again, closed, or replaced.
func (s *Session) reconnect() {
	for {
		s.mu.Lock()
		if s.state != StateDisconnected {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		delay := s.back.next()
		if s.onReconnect != nil {
			s.onReconnect(s.dev.Name, s.back.attemptCount())
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(s.ctx, dialTimeout)
		conn, err := s.drv.Dial(ctx, s.dev)
		cancel()
		if err != nil {
			log.Printf("session %s: reconnect %s failed: %v", s.id, s.dev.Name, err)
			continue
		}

		s.mu.Lock()
		if s.state != StateDisconnected {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.back.reset()
		s.setState(StateConnected)
		s.mu.Unlock()

		log.Printf("session %s: reconnected to %s", s.id, s.dev.Name)
		return
	}
}

// probe pings an established link. A failed ping counts as a link failure.
func (s *Session) probe() {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, heartbeatTimeout)
	err := conn.Ping(ctx)
	cancel()
	if err != nil {
		s.connectionLost(conn, err)
	}
}

// close shuts the session down and waits for its background loop.
func (s *Session) close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.setState(StateClosed)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if conn != nil {
		_ = conn.Close()
	}
}

// setState is called with mu held. The hook runs inline so transitions are
// observed in order; it must not call back into the session.
func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.state = next
	if s.onState != nil {
		s.onState(s.dev.Name, next)
	}
}

// isLinkFailure reports whether an error should tear the connection down
// rather than surface as a plain command failure.
func isLinkFailure(err error) bool {
	return errors.Is(err, driver.ErrLinkLost) || errors.Is(err, driver.ErrTimeout)
}

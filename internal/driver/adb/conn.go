package adb

import (
	"bytes"
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aftvgo/aftvserver/internal/driver"
)

const (
	handshakeTimeout = 10 * time.Second
	commandTimeout   = 10 * time.Second
)

// Conn is one authenticated ADB connection. Stream use is serialized: a
// single shell stream is in flight at any time.
type Conn struct {
	nc  net.Conn
	key *rsa.PrivateKey

	mu      sync.Mutex
	nextID  uint32
	broken  bool
	version uint32
	banner  string
}

// Dial connects to addr and performs the CNXN/AUTH handshake. key may be
// nil for devices that accept unauthenticated connections; any AUTH
// challenge then fails with driver.ErrAuthRejected.
func Dial(ctx context.Context, addr string, key *rsa.PrivateKey) (*Conn, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &Conn{nc: nc, key: key, nextID: 1}
	if err := c.handshake(ctx); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		return err
	}
	defer func() { _ = c.nc.SetDeadline(time.Time{}) }()

	banner := []byte("host::aftvserver\x00")
	if err := c.send(message{Command: cmdConnect, Arg0: protoVersion, Arg1: maxPayload, Payload: banner}); err != nil {
		return c.transportErr("handshake write", err)
	}

	sentSignature := false
	sentPublicKey := false
	for {
		msg, err := readMessage(c.nc)
		if err != nil {
			return c.transportErr("handshake read", err)
		}
		switch msg.Command {
		case cmdAuth:
			if msg.Arg0 != authToken {
				return driver.ProtocolError{Family: "adb", Detail: fmt.Sprintf("unexpected AUTH type %d", msg.Arg0)}
			}
			if c.key == nil {
				return fmt.Errorf("device requires authentication and no adb key is configured: %w", driver.ErrAuthRejected)
			}
			switch {
			case !sentSignature:
				sig, err := signToken(c.key, msg.Payload)
				if err != nil {
					return fmt.Errorf("sign auth token: %w", err)
				}
				if err := c.send(message{Command: cmdAuth, Arg0: authSignature, Payload: sig}); err != nil {
					return c.transportErr("handshake write", err)
				}
				sentSignature = true
			case !sentPublicKey:
				// Signature rejected; offer the public key so the device
				// can prompt the user to trust it.
				pk, err := encodePublicKey(&c.key.PublicKey)
				if err != nil {
					return fmt.Errorf("encode public key: %w", err)
				}
				if err := c.send(message{Command: cmdAuth, Arg0: authRSAPublicKey, Payload: pk}); err != nil {
					return c.transportErr("handshake write", err)
				}
				sentPublicKey = true
			default:
				return fmt.Errorf("signature and public key both refused: %w", driver.ErrAuthRejected)
			}
		case cmdConnect:
			c.version = msg.Arg0
			c.banner = string(bytes.TrimRight(msg.Payload, "\x00"))
			return nil
		default:
			return driver.ProtocolError{Family: "adb", Detail: fmt.Sprintf("unexpected %08x during handshake", msg.Command)}
		}
	}
}

// Shell opens a shell: stream, collects its output until the device closes
// the stream, and returns it.
func (c *Conn) Shell(ctx context.Context, cmdline string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return "", driver.ErrLinkLost
	}

	deadline := time.Now().Add(commandTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		return "", c.transportErr("set deadline", err)
	}
	defer func() { _ = c.nc.SetDeadline(time.Time{}) }()

	localID := c.nextID
	c.nextID++

	dest := append([]byte("shell:"+cmdline), 0)
	if err := c.send(message{Command: cmdOpen, Arg0: localID, Payload: dest}); err != nil {
		return "", c.transportErr("open stream", err)
	}

	var out bytes.Buffer
	for {
		msg, err := readMessage(c.nc)
		if err != nil {
			return "", c.transportErr("read stream", err)
		}
		if msg.Command != cmdOkay && msg.Command != cmdWrite && msg.Command != cmdClose {
			c.broken = true
			return "", driver.ProtocolError{Family: "adb", Detail: fmt.Sprintf("unexpected %08x on stream", msg.Command)}
		}
		if msg.Arg1 != localID {
			// Stale frame from a previous stream.
			continue
		}
		switch msg.Command {
		case cmdOkay:
			// Stream established, keep reading.
		case cmdWrite:
			out.Write(msg.Payload)
			if err := c.send(message{Command: cmdOkay, Arg0: localID, Arg1: msg.Arg0}); err != nil {
				return "", c.transportErr("ack write", err)
			}
		case cmdClose:
			_ = c.send(message{Command: cmdClose, Arg0: localID, Arg1: msg.Arg0})
			return out.String(), nil
		}
	}
}

func (c *Conn) send(msg message) error {
	_, err := c.nc.Write(msg.encode())
	return err
}

// transportErr marks the connection broken and classifies the failure.
func (c *Conn) transportErr(op string, err error) error {
	c.broken = true
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("adb %s: %v: %w", op, err, driver.ErrTimeout)
	}
	return fmt.Errorf("adb %s: %v: %w", op, err, driver.ErrLinkLost)
}

// Banner returns the device connect banner (e.g. "device::...").
func (c *Conn) Banner() string {
	return c.banner
}

func (c *Conn) Close() error {
	return c.nc.Close()
}

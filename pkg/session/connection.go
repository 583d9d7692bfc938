// Package session drives the authentication handshake that turns a
// discovered socket into a usable distribution session.
package session

import (
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"pullwire/pkg/protocol"
	"pullwire/pkg/secure"
)

// State tracks the lifecycle of a Connection.
type State int

const (
	// StateInert is the initial state before any handshake.
	StateInert State = iota

	// StateAuthenticating covers an in-flight login.
	StateAuthenticating

	// StateAuthenticated means login succeeded but no project has been
	// selected yet.
	StateAuthenticated

	// StateActive means the full handshake completed.
	StateActive

	// StateClosed is terminal. A closed connection never reactivates;
	// callers retry by discovering a new server and building a fresh
	// Connection.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInert:
		return "inert"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connection owns one socket and at most one secure channel, and walks
// them through the handshake sequence. Any handshake failure or an
// explicit Close is terminal for the instance.
//
// Login serializes concurrent callers on a per-connection guard. The
// remaining methods are not synchronized; callers must not mix Login
// with Initialize or the accessors across goroutines.
type Connection struct {
	// ID correlates log lines for this connection across retries.
	ID uuid.UUID

	conn      net.Conn
	ch        *secure.Channel
	serverKey []byte

	state   State
	devMode bool

	loginMu sync.Mutex
}

// New wraps a discovered socket in an inert Connection. serverKey, when
// non-empty, pins the server's public key during login.
func New(conn net.Conn, serverKey []byte) *Connection {
	return &Connection{ID: uuid.New(), conn: conn, serverKey: serverKey}
}

// Login runs the identity and version exchanges. On success the
// connection holds a fresh secure channel, replacing any prior one, and
// awaits Initialize. On any failure the transport and channel are
// released best-effort and the connection is permanently closed before
// the error is returned.
func (c *Connection) Login(name string, credential []byte) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	if c.state != StateInert || c.conn == nil {
		return &protocol.InvalidStateError{Op: "login", State: c.state.String()}
	}
	c.state = StateAuthenticating

	ch, err := secure.Handshake(c.conn, name, credential, c.serverKey)
	if err != nil {
		c.teardown()
		return &protocol.AuthError{Stage: "exchange", Err: err}
	}
	c.ch = ch

	line, err := c.roundTrip(protocol.Version)
	if err != nil {
		c.teardown()
		return &protocol.AuthError{Stage: "version", Err: err}
	}
	if _, ok := protocol.ParseAck(line); !ok {
		c.teardown()
		return &protocol.AuthError{Stage: "version", Err: fmt.Errorf("rejected: %q", line)}
	}

	c.state = StateAuthenticated
	return nil
}

// Initialize selects the project and platform for this session. It must
// follow a successful Login. An empty platformOverride falls back to
// the locally computed platform identifier; the reserved token "dev"
// switches the session into dev-mode.
func (c *Connection) Initialize(project, platformOverride string) error {
	if c.state != StateAuthenticated || c.ch == nil {
		return &protocol.InvalidStateError{Op: "initialize", State: c.state.String()}
	}

	if err := c.expectAck(project, "project"); err != nil {
		c.teardown()
		return err
	}

	platform := platformOverride
	if platform == "" {
		platform = DefaultPlatform()
	}
	if err := c.expectAck(platform, "platform"); err != nil {
		c.teardown()
		return err
	}

	c.state = StateActive
	c.devMode = platform == protocol.DevPlatform
	return nil
}

// InitializeForListing runs the narrow catalog handshake: login, then a
// single listAll exchange. The returned line is the server's delimited
// project catalog, verbatim. The connection never becomes active on
// this path and is only good for the one query.
func (c *Connection) InitializeForListing(name string, credential []byte) (string, error) {
	if err := c.Login(name, credential); err != nil {
		return "", err
	}

	line, err := c.roundTrip(protocol.CmdListAll)
	if err != nil {
		c.teardown()
		return "", &protocol.AuthError{Stage: "listing", Err: err}
	}
	if _, ok := protocol.ParseAck(line); !ok {
		c.teardown()
		return "", &protocol.AuthError{Stage: "listing", Err: fmt.Errorf("rejected: %q", line)}
	}

	catalog, err := c.ch.ReadLine()
	if err != nil {
		c.teardown()
		return "", &protocol.AuthError{Stage: "listing", Err: err}
	}
	return catalog, nil
}

// State returns the current lifecycle phase.
func (c *Connection) State() State { return c.state }

// IsActive reports whether the full handshake completed.
func (c *Connection) IsActive() bool { return c.state == StateActive }

// IsDevMode reports whether the session runs under the developer
// platform. It is only meaningful on an active connection.
func (c *Connection) IsDevMode() (bool, error) {
	if c.state != StateActive {
		return false, &protocol.InvalidStateError{Op: "dev-mode check", State: c.state.String()}
	}
	return c.devMode, nil
}

// Channel returns the live secured channel. Callers must never close
// it; teardown belongs to the connection.
func (c *Connection) Channel() (protocol.Channel, error) {
	if c.state != StateActive || c.ch == nil || c.ch.IsClosed() {
		return nil, &protocol.InvalidStateError{Op: "channel access", State: c.state.String()}
	}
	return c.ch, nil
}

// Close permanently tears down the connection. Safe on any state.
func (c *Connection) Close() {
	c.teardown()
}

// roundTrip writes one line and returns the response line.
func (c *Connection) roundTrip(line string) (string, error) {
	if err := c.ch.WriteLine(line); err != nil {
		return "", err
	}
	return c.ch.ReadLine()
}

// expectAck writes one line and requires an acknowledgment, converting
// a rejection into an authentication error naming the stage.
func (c *Connection) expectAck(line, stage string) error {
	resp, err := c.roundTrip(line)
	if err != nil {
		return &protocol.AuthError{Stage: stage, Err: err}
	}
	if _, ok := protocol.ParseAck(resp); !ok {
		return &protocol.AuthError{Stage: stage, Err: fmt.Errorf("%s unrecognized: %q", stage, resp)}
	}
	return nil
}

// teardown releases the channel and socket best-effort and marks the
// connection closed. Secondary errors are swallowed so the original
// failure stays visible to the caller.
func (c *Connection) teardown() {
	if c.ch != nil {
		_ = c.ch.Close() // closes the socket under it
	} else if c.conn != nil {
		_ = c.conn.Close()
	}
	c.ch = nil
	c.conn = nil
	c.devMode = false
	c.state = StateClosed
}

// DefaultPlatform is the locally computed platform identifier used when
// no override is supplied.
func DefaultPlatform() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}

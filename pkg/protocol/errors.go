package protocol

import (
	"errors"
	"fmt"
)

// ErrNoServer reports that discovery exhausted every candidate host
// without finding a reachable server.
var ErrNoServer = errors.New("no reachable distribution server")

// AuthError reports a rejected handshake step. Stage names the exchange
// that failed: "exchange", "version", "project", "platform" or
// "listing".
type AuthError struct {
	Stage string
	Err   error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication: %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("authentication: %s rejected", e.Stage)
}

func (e *AuthError) Unwrap() error { return e.Err }

// OpError reports an in-session command the peer rejected (NAK).
// Response carries the offending line verbatim.
type OpError struct {
	Command  string
	Response string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s rejected: %q", e.Command, e.Response)
}

// DiscrepancyError reports a payload that failed integrity verification
// after an otherwise clean exchange. It signals corruption or
// tampering, not a protocol-level rejection.
type DiscrepancyError struct {
	Expected string // digest declared by the peer
	Actual   string // digest computed over the received bytes
}

func (e *DiscrepancyError) Error() string {
	return fmt.Sprintf("payload discrepancy: expected sha256 %s, got %s", e.Expected, e.Actual)
}

// InvalidStateError reports an operation invoked on a connection that
// is not in the required state.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: connection is %s", e.Op, e.State)
}

// ConfigError reports a required injected callback that was not
// supplied.
type ConfigError struct {
	Callback string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("no %s callback configured", e.Callback)
}

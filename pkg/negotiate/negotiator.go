// Package negotiate implements the per-mode command/response
// sub-protocols that run on top of an active session, and the tagged
// result type they report through.
package negotiate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"pullwire/pkg/protocol"
)

// Mode selects which sub-protocol a negotiation runs.
type Mode int

const (
	// Update compares versions and downloads when the local install is
	// behind the server.
	Update Mode = iota

	// Download fetches the project binary and verifies its digest.
	Download

	// Console relays interactive commands; a dev-mode facility.
	Console

	// ListProjects is not reachable through the mode switch; catalog
	// queries use the listing handshake on the connection instead.
	ListProjects
)

func (m Mode) String() string {
	switch m {
	case Update:
		return "update"
	case Download:
		return "download"
	case Console:
		return "console"
	case ListProjects:
		return "list-projects"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MaxBinarySize bounds the accepted download payload.
const MaxBinarySize = 1 << 30

// PromptFunc obtains one line of user input for interactive flows.
type PromptFunc func(prompt string) (string, error)

// LogFunc surfaces caller-visible messages, such as peer console lines
// and version warnings.
type LogFunc func(msg string)

// Session is the slice of the connection the negotiator needs. It is
// satisfied by *session.Connection.
type Session interface {
	// Channel returns the live secured channel of an active session.
	Channel() (protocol.Channel, error)

	// IsDevMode reports whether the session runs under the developer
	// platform.
	IsDevMode() (bool, error)
}

// Negotiator runs mode sub-protocols over one active session. It never
// closes the session's channel; teardown stays with the connection.
type Negotiator struct {
	sess   Session
	local  *semver.Version
	prompt PromptFunc
	log    LogFunc
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithLocalVersion supplies the installed version, skipping the
// interactive prompt in Update mode.
func WithLocalVersion(v *semver.Version) Option {
	return func(n *Negotiator) { n.local = v }
}

// WithPrompt supplies the input callback required by interactive flows.
func WithPrompt(f PromptFunc) Option {
	return func(n *Negotiator) { n.prompt = f }
}

// WithLog supplies the message callback. Absent one, messages are
// discarded.
func WithLog(f LogFunc) Option {
	return func(n *Negotiator) { n.log = f }
}

// New builds a Negotiator over an active session.
func New(sess Session, opts ...Option) *Negotiator {
	n := &Negotiator{sess: sess}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		n.log = func(string) {}
	}
	return n
}

// Run executes one mode and propagates the first error encountered.
// Callers that only need a pass/fail answer can use RunSafe.
func (n *Negotiator) Run(mode Mode) (Result, error) {
	switch mode {
	case Update:
		return n.runUpdate()
	case Download:
		return n.runDownload()
	case Console:
		return n.runConsole()
	case ListProjects:
		return FailureResult(), &protocol.InvalidStateError{Op: "list projects", State: "mode negotiation"}
	default:
		return FailureResult(), &protocol.InvalidStateError{Op: mode.String(), State: "mode negotiation"}
	}
}

// RunSafe executes one mode and collapses any error into the Failure
// variant, discarding its kind and message.
func (n *Negotiator) RunSafe(mode Mode) Result {
	result, err := n.Run(mode)
	if err != nil {
		return FailureResult()
	}
	return result
}

// versionPattern extracts the numeric-dotted version from an
// acknowledgment payload.
var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+`)

// runUpdate resolves the local version, asks the server for the latest
// release, and acts on the three-way comparison. Being behind continues
// into the download sub-protocol within the same call.
func (n *Negotiator) runUpdate() (Result, error) {
	local, err := n.localVersion()
	if err != nil {
		return FailureResult(), err
	}

	payload, err := n.exchange(protocol.CmdVersion)
	if err != nil {
		return FailureResult(), err
	}
	match := versionPattern.FindString(payload)
	if match == "" {
		return FailureResult(), fmt.Errorf("no version in %q", payload)
	}
	remote, err := semver.NewVersion(match)
	if err != nil {
		return FailureResult(), fmt.Errorf("version %q: %w", match, err)
	}

	switch local.Compare(remote) {
	case 0:
		return SuccessResult(true), nil
	case 1:
		n.log(fmt.Sprintf("local version %s is ahead of server version %s", local, remote))
		return SuccessResult(true), nil
	default:
		return n.runDownload()
	}
}

// localVersion returns the configured version or prompts for one.
func (n *Negotiator) localVersion() (*semver.Version, error) {
	if n.local != nil {
		return n.local, nil
	}
	if n.prompt == nil {
		return nil, &protocol.ConfigError{Callback: "prompt"}
	}
	raw, err := n.prompt("installed version")
	if err != nil {
		return nil, err
	}
	v, err := semver.NewVersion(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("version %q: %w", raw, err)
	}
	return v, nil
}

// runDownload fetches the binary payload and verifies it against the
// digest the server declared. A mismatch is a discrepancy, not a
// rejection: the exchange succeeded and the data is bad.
func (n *Negotiator) runDownload() (Result, error) {
	expected, err := n.exchange(protocol.CmdChecksum)
	if err != nil {
		return FailureResult(), err
	}

	if _, err := n.exchange(protocol.CmdBinary); err != nil {
		return FailureResult(), err
	}

	ch, err := n.sess.Channel()
	if err != nil {
		return FailureResult(), err
	}
	payload, err := ch.ReadRaw(MaxBinarySize)
	if err != nil {
		return FailureResult(), err
	}

	sum := sha256.Sum256(payload)
	actual := hex.EncodeToString(sum[:])
	if actual != expected {
		return FailureResult(), &protocol.DiscrepancyError{Expected: expected, Actual: actual}
	}
	return BinaryResult(payload), nil
}

// runConsole relays prompt input to the server until the user types the
// disconnect sentinel. Peer lines are surfaced untranslated through the
// log callback. Outside dev-mode the console warns and proceeds.
func (n *Negotiator) runConsole() (Result, error) {
	dev, err := n.sess.IsDevMode()
	if err != nil {
		return FailureResult(), err
	}
	if !dev {
		n.log("console requested outside dev-mode; the server may reject commands")
	}
	if n.prompt == nil {
		return FailureResult(), &protocol.ConfigError{Callback: "prompt"}
	}
	ch, err := n.sess.Channel()
	if err != nil {
		return FailureResult(), err
	}

	for {
		input, err := n.prompt("> ")
		if err != nil {
			return FailureResult(), err
		}
		if input == protocol.Disconnect {
			return SuccessResult(true), nil
		}
		if err := ch.WriteLine(input); err != nil {
			return FailureResult(), err
		}
		line, err := ch.ReadLine()
		if err != nil {
			return FailureResult(), err
		}
		n.log(line)
	}
}

// exchange writes one command line and extracts the acknowledgment
// payload. A rejection converts to an OpError carrying the command.
func (n *Negotiator) exchange(cmd string) (string, error) {
	ch, err := n.sess.Channel()
	if err != nil {
		return "", err
	}
	if err := ch.WriteLine(cmd); err != nil {
		return "", err
	}
	line, err := ch.ReadLine()
	if err != nil {
		return "", err
	}
	payload, ok := protocol.ParseAck(line)
	if !ok {
		return "", &protocol.OpError{Command: cmd, Response: line}
	}
	return payload, nil
}

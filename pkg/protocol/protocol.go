// Package protocol defines the wire conventions of the distribution
// protocol: the command verbs, the ACK/NAK marker, the secured channel
// contract, and the error taxonomy shared by every layer of the client.
//
// Every exchange is one request line followed by one response line. An
// affirmative response begins with the literal marker "ACK: "; the rest
// of the line is the payload. Any line without the marker is a
// rejection (NAK).
package protocol

import "strings"

const (
	// Port is the fixed service port shared by every distribution server.
	Port = 1248

	// Version is the protocol revision sent as the first line once the
	// secure channel is up.
	Version = "4"

	// AckPrefix marks an affirmative response line.
	AckPrefix = "ACK: "

	// DevPlatform is the reserved platform token selecting the developer
	// project namespace. It also enables the interactive console.
	DevPlatform = "dev"

	// Disconnect is the console input sentinel that ends the session.
	Disconnect = "disconnect"
)

// Command verbs understood by the server.
const (
	CmdListAll  = "listAll"   // catalog query, only valid right after login
	CmdVersion  = "version"   // report the latest released version
	CmdChecksum = "sha256sum" // report the digest of the current binary
	CmdBinary   = "binary"    // announce a binary payload transfer
)

// Channel is the secured duplex line/byte stream produced by the
// authentication exchange. One frame carries one line or one raw
// payload. Channels belong to the connection that created them; callers
// other than the owning connection must never close one.
type Channel interface {
	// WriteLine sends one line. Blocks until the transport accepts it.
	WriteLine(s string) error

	// ReadLine blocks for the next line from the peer.
	ReadLine() (string, error)

	// ReadRaw blocks for the next raw payload. max bounds the accepted
	// payload size.
	ReadRaw(max int) ([]byte, error)

	// IsClosed reports whether the channel was torn down.
	IsClosed() bool

	// Close tears down the channel and its transport.
	Close() error
}

// ParseAck splits a response line into its payload. ok is false when
// the line lacks the ACK marker, meaning the peer rejected the request.
func ParseAck(line string) (payload string, ok bool) {
	if !strings.HasPrefix(line, AckPrefix) {
		return "", false
	}
	return line[len(AckPrefix):], true
}

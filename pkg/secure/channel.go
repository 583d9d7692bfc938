// Package secure implements the authenticated, encrypted channel the
// distribution protocol runs over: an X25519 key agreement followed by
// length-prefixed XChaCha20-Poly1305 frames. One frame carries one line
// or one raw payload.
//
// The handshake is asymmetric. The client opens with a hello frame
//
//	nonce(24) || ephemeral public key(32) || client name
//
// and the server answers with its own public key in a single frame.
// Both sides derive the symmetric key from the X25519 shared secret and
// the client credential; a client holding the wrong credential produces
// undecryptable frames, which surfaces as an authentication failure at
// the first exchange over the channel.
package secure

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	// frameHeaderSize is the big-endian length prefix on every frame.
	frameHeaderSize = 4

	// maxLineSize bounds a single text line on the wire.
	maxLineSize = 64 * 1024

	// maxHelloSize bounds the plaintext hello frame.
	maxHelloSize = chacha20poly1305.NonceSizeX + curve25519.PointSize + 256

	// aeadOverhead is the per-frame cost of the nonce and the Poly1305 tag.
	aeadOverhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

// ErrServerKeyMismatch reports a server whose public key does not match
// the pinned credential.
var ErrServerKeyMismatch = errors.New("server key does not match pinned credential")

// Channel is a secured duplex line/byte stream bound to one socket.
// Reads and writes are not synchronized against each other; the
// protocol is strictly request/response on a single goroutine.
type Channel struct {
	conn net.Conn
	key  []byte

	mu     sync.Mutex
	closed bool
}

// NewChannel wraps an established socket with a previously derived
// symmetric key. Most callers want Handshake or Accept instead.
func NewChannel(conn net.Conn, key []byte) *Channel {
	return &Channel{conn: conn, key: key}
}

// Handshake performs the client side of channel establishment on conn.
// serverKey, when non-empty, pins the server's expected public key; a
// mismatch fails the handshake before any key is derived.
func Handshake(conn net.Conn, clientName string, credential, serverKey []byte) (*Channel, error) {
	privateKey, publicKey := GenerateKeyPair()
	nonce := GenerateNonce()

	hello := make([]byte, 0, len(nonce)+len(publicKey)+len(clientName))
	hello = append(hello, nonce...)
	hello = append(hello, publicKey...)
	hello = append(hello, clientName...)
	if err := writeFrame(conn, hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	peerKey, err := readFrame(conn, curve25519.PointSize)
	if err != nil {
		return nil, fmt.Errorf("read server key: %w", err)
	}
	if len(peerKey) != curve25519.PointSize {
		return nil, fmt.Errorf("malformed server key (%d bytes)", len(peerKey))
	}
	if len(serverKey) > 0 && !bytes.Equal(peerKey, serverKey) {
		return nil, ErrServerKeyMismatch
	}

	key, err := DeriveKey(privateKey, peerKey, nonce, credential)
	if err != nil {
		return nil, err
	}
	return NewChannel(conn, key), nil
}

// Accept performs the server side of channel establishment on conn and
// returns the channel together with the client name from the hello
// frame. priv and pub may carry the server's static key pair; when nil,
// an ephemeral pair is generated.
func Accept(conn net.Conn, credential, priv, pub []byte) (*Channel, string, error) {
	hello, err := readFrame(conn, maxHelloSize)
	if err != nil {
		return nil, "", fmt.Errorf("read hello: %w", err)
	}
	if len(hello) < chacha20poly1305.NonceSizeX+curve25519.PointSize {
		return nil, "", fmt.Errorf("malformed hello (%d bytes)", len(hello))
	}
	nonce := hello[:chacha20poly1305.NonceSizeX]
	clientKey := hello[chacha20poly1305.NonceSizeX : chacha20poly1305.NonceSizeX+curve25519.PointSize]
	name := string(hello[chacha20poly1305.NonceSizeX+curve25519.PointSize:])

	if priv == nil {
		priv, pub = GenerateKeyPair()
	}
	if err := writeFrame(conn, pub); err != nil {
		return nil, "", fmt.Errorf("send server key: %w", err)
	}

	key, err := DeriveKey(priv, clientKey, nonce, credential)
	if err != nil {
		return nil, "", err
	}
	return NewChannel(conn, key), name, nil
}

// WriteLine encrypts s and sends it as one frame.
func (c *Channel) WriteLine(s string) error {
	if c.IsClosed() {
		return net.ErrClosed
	}
	frame, err := Encrypt(c.key, []byte(s))
	if err != nil {
		return err
	}
	return writeFrame(c.conn, frame)
}

// ReadLine blocks for the next frame and returns it as text.
func (c *Channel) ReadLine() (string, error) {
	data, err := c.readDecrypted(maxLineSize)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadRaw blocks for the next frame and returns it verbatim. max bounds
// the accepted payload size.
func (c *Channel) ReadRaw(max int) ([]byte, error) {
	return c.readDecrypted(max)
}

func (c *Channel) readDecrypted(max int) ([]byte, error) {
	if c.IsClosed() {
		return nil, net.ErrClosed
	}
	frame, err := readFrame(c.conn, max+aeadOverhead)
	if err != nil {
		return nil, err
	}
	plain, err := Decrypt(c.key, frame)
	if err != nil {
		return nil, err
	}
	if len(plain) > max {
		return nil, fmt.Errorf("payload of %d bytes exceeds limit %d", len(plain), max)
	}
	return plain, nil
}

// IsClosed reports whether the channel was torn down.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears down the channel and the socket under it. Safe to call
// multiple times.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func writeFrame(w io.Writer, payload []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader, max int) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if int64(n) > int64(max) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

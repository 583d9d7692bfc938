package session

import (
	"errors"
	"net"
	"testing"

	"pullwire/pkg/protocol"
	"pullwire/pkg/secure"
)

var testCredential = []byte("unit-test-credential")

// scriptServer accepts the secure handshake and then answers each
// incoming line with the next scripted reply. Pushed lines are sent
// unprompted once the replies run out.
type scriptServer struct {
	received []string
	done     chan struct{}
}

func serveScript(t *testing.T, conn net.Conn, credential []byte, replies, pushes []string) *scriptServer {
	t.Helper()
	s := &scriptServer{done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer conn.Close()
		ch, _, err := secure.Accept(conn, credential, nil, nil)
		if err != nil {
			return
		}
		for _, reply := range replies {
			line, err := ch.ReadLine()
			if err != nil {
				return
			}
			s.received = append(s.received, line)
			if err := ch.WriteLine(reply); err != nil {
				return
			}
		}
		for _, push := range pushes {
			if err := ch.WriteLine(push); err != nil {
				return
			}
		}
	}()
	return s
}

// dialScript wires a fresh Connection to a scripted server.
func dialScript(t *testing.T, replies, pushes []string) (*Connection, *scriptServer) {
	t.Helper()
	cConn, sConn := net.Pipe()
	srv := serveScript(t, sConn, testCredential, replies, pushes)
	conn := New(cConn, nil)
	t.Cleanup(conn.Close)
	return conn, srv
}

func TestLoginInitialize(t *testing.T) {
	conn, srv := dialScript(t, []string{"ACK: welcome", "ACK: project set", "ACK: platform set"}, nil)

	if err := conn.Login("buildbot", testCredential); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := conn.State(); got != StateAuthenticated {
		t.Fatalf("state after login = %v, want authenticated", got)
	}
	if conn.IsActive() {
		t.Fatal("connection must not be active before Initialize")
	}

	if err := conn.Initialize("calypso", "dev"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !conn.IsActive() {
		t.Fatal("connection should be active")
	}
	dev, err := conn.IsDevMode()
	if err != nil {
		t.Fatalf("IsDevMode: %v", err)
	}
	if !dev {
		t.Error("platform override dev should enable dev-mode")
	}
	if _, err := conn.Channel(); err != nil {
		t.Errorf("Channel: %v", err)
	}

	conn.Close()
	<-srv.done
	want := []string{protocol.Version, "calypso", "dev"}
	if len(srv.received) != len(want) {
		t.Fatalf("server saw %v, want %v", srv.received, want)
	}
	for i := range want {
		if srv.received[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, srv.received[i], want[i])
		}
	}
}

func TestInitializeDefaultPlatform(t *testing.T) {
	conn, srv := dialScript(t, []string{"ACK: welcome", "ACK: ok", "ACK: ok"}, nil)

	if err := conn.Login("buildbot", testCredential); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := conn.Initialize("calypso", ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	dev, err := conn.IsDevMode()
	if err != nil {
		t.Fatalf("IsDevMode: %v", err)
	}
	if dev {
		t.Error("default platform must not enable dev-mode")
	}

	conn.Close()
	<-srv.done
	if got := srv.received[2]; got != DefaultPlatform() {
		t.Errorf("platform line = %q, want %q", got, DefaultPlatform())
	}
}

func TestLoginVersionRejected(t *testing.T) {
	conn, _ := dialScript(t, []string{"protocol too old"}, nil)

	err := conn.Login("buildbot", testCredential)
	var authErr *protocol.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if authErr.Stage != "version" {
		t.Errorf("stage = %q, want version", authErr.Stage)
	}
	if conn.State() != StateClosed {
		t.Errorf("state = %v, want closed", conn.State())
	}

	// A failed handshake is terminal: every later call sees the closed
	// state, never a silent success.
	var stateErr *protocol.InvalidStateError
	if err := conn.Login("buildbot", testCredential); !errors.As(err, &stateErr) {
		t.Errorf("second Login = %v, want InvalidStateError", err)
	}
	if err := conn.Initialize("calypso", ""); !errors.As(err, &stateErr) {
		t.Errorf("Initialize after failure = %v, want InvalidStateError", err)
	}
}

func TestLoginWrongCredential(t *testing.T) {
	cConn, sConn := net.Pipe()
	serveScript(t, sConn, []byte("server-side-credential"), []string{"ACK: welcome"}, nil)
	conn := New(cConn, nil)
	t.Cleanup(conn.Close)

	err := conn.Login("buildbot", []byte("not-the-credential"))
	var authErr *protocol.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if conn.State() != StateClosed {
		t.Errorf("state = %v, want closed", conn.State())
	}
}

func TestAccessorsBeforeActive(t *testing.T) {
	conn, _ := dialScript(t, nil, nil)

	var stateErr *protocol.InvalidStateError
	if conn.IsActive() {
		t.Error("fresh connection reports active")
	}
	if _, err := conn.IsDevMode(); !errors.As(err, &stateErr) {
		t.Errorf("IsDevMode = %v, want InvalidStateError", err)
	}
	if _, err := conn.Channel(); !errors.As(err, &stateErr) {
		t.Errorf("Channel = %v, want InvalidStateError", err)
	}
	if err := conn.Initialize("calypso", ""); !errors.As(err, &stateErr) {
		t.Errorf("Initialize before login = %v, want InvalidStateError", err)
	}
}

func TestInitializeRejections(t *testing.T) {
	tests := []struct {
		name      string
		replies   []string
		wantStage string
	}{
		{
			name:      "project unrecognized",
			replies:   []string{"ACK: welcome", "no such project"},
			wantStage: "project",
		},
		{
			name:      "platform unrecognized",
			replies:   []string{"ACK: welcome", "ACK: ok", "unsupported platform"},
			wantStage: "platform",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _ := dialScript(t, tt.replies, nil)
			if err := conn.Login("buildbot", testCredential); err != nil {
				t.Fatalf("Login: %v", err)
			}

			err := conn.Initialize("calypso", "")
			var authErr *protocol.AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("err = %v, want AuthError", err)
			}
			if authErr.Stage != tt.wantStage {
				t.Errorf("stage = %q, want %q", authErr.Stage, tt.wantStage)
			}
			if conn.State() != StateClosed {
				t.Errorf("state = %v, want closed", conn.State())
			}
		})
	}
}

func TestInitializeForListing(t *testing.T) {
	conn, srv := dialScript(t,
		[]string{"ACK: welcome", "ACK: catalog follows"},
		[]string{"alpha;beta;gamma"})

	catalog, err := conn.InitializeForListing("buildbot", testCredential)
	if err != nil {
		t.Fatalf("InitializeForListing: %v", err)
	}
	if catalog != "alpha;beta;gamma" {
		t.Errorf("catalog = %q, want it verbatim", catalog)
	}
	if conn.IsActive() {
		t.Error("listing path must not activate the connection")
	}

	conn.Close()
	<-srv.done
	want := []string{protocol.Version, protocol.CmdListAll}
	if len(srv.received) != len(want) || srv.received[1] != protocol.CmdListAll {
		t.Errorf("server saw %v, want %v", srv.received, want)
	}
}

func TestListingRejected(t *testing.T) {
	conn, _ := dialScript(t, []string{"ACK: welcome", "catalog disabled"}, nil)

	_, err := conn.InitializeForListing("buildbot", testCredential)
	var authErr *protocol.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if authErr.Stage != "listing" {
		t.Errorf("stage = %q, want listing", authErr.Stage)
	}
	if conn.State() != StateClosed {
		t.Errorf("state = %v, want closed", conn.State())
	}
}

func TestCloseIsTerminal(t *testing.T) {
	conn, _ := dialScript(t, []string{"ACK: welcome", "ACK: ok", "ACK: ok"}, nil)

	if err := conn.Login("buildbot", testCredential); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := conn.Initialize("calypso", ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	conn.Close()

	var stateErr *protocol.InvalidStateError
	if _, err := conn.Channel(); !errors.As(err, &stateErr) {
		t.Errorf("Channel after Close = %v, want InvalidStateError", err)
	}
	if conn.IsActive() {
		t.Error("closed connection reports active")
	}
	if err := conn.Login("buildbot", testCredential); !errors.As(err, &stateErr) {
		t.Errorf("Login after Close = %v, want InvalidStateError", err)
	}
}

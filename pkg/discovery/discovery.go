// Package discovery locates a usable distribution server among the
// compiled-in candidate hosts.
package discovery

import (
	"net"
	"strconv"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"pullwire/pkg/protocol"
)

// Candidates is the fixed, ordered list of server hosts. Probing
// follows declaration order and the first success wins; there is no
// load balancing or latency comparison.
var Candidates = []string{
	"dist-01.pullwire.net",
	"dist-02.pullwire.net",
	"dist-fallback.pullwire.net",
}

const (
	probeTimeout = 2 * time.Second
	dialTimeout  = 5 * time.Second
)

// ProbeFunc reports whether a host answers a reachability probe.
// A probe that errors counts as unreachable, never as fatal.
type ProbeFunc func(host string) bool

// DialFunc opens the service socket on a chosen host.
type DialFunc func(addr string) (net.Conn, error)

// Finder probes candidates in order and connects to the first reachable
// one.
type Finder struct {
	candidates []string
	probe      ProbeFunc
	dial       DialFunc
}

// NewFinder returns a Finder over the compiled-in candidate list, using
// an ICMP echo probe and a plain TCP dial on the fixed service port.
func NewFinder() *Finder {
	return NewFinderWith(Candidates, nil, nil)
}

// NewFinderWith returns a Finder over an explicit candidate list. Nil
// probe or dial functions fall back to the defaults.
func NewFinderWith(candidates []string, probe ProbeFunc, dial DialFunc) *Finder {
	if probe == nil {
		probe = Ping
	}
	if dial == nil {
		dial = dialService
	}
	return &Finder{candidates: candidates, probe: probe, dial: dial}
}

// Find returns a socket connected to the first candidate that answers a
// probe, together with the chosen host. A candidate that answers the
// probe but refuses the service connection is skipped like an
// unreachable one. Exhausting the list yields ErrNoServer.
func (f *Finder) Find() (net.Conn, string, error) {
	for _, host := range f.candidates {
		if !f.probe(host) {
			continue
		}
		conn, err := f.dial(net.JoinHostPort(host, strconv.Itoa(protocol.Port)))
		if err != nil {
			continue
		}
		return conn, host, nil
	}
	return nil, "", protocol.ErrNoServer
}

// Ping sends a single ICMP echo and reports whether a reply arrived
// within the probe timeout.
func Ping(host string) bool {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return false
	}
	pinger.Count = 1
	pinger.Timeout = probeTimeout
	if err := pinger.Run(); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

func dialService(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, dialTimeout)
}

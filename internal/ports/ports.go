// Package ports decides which remote ports tunnel clients may publish.
package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrPortNotAllowed  = errors.New("port not allowed")
	ErrNoPortAvailable = errors.New("no port available")
)

// Range is an inclusive port range.
type Range struct {
	Start, End int
}

// ParseRanges parses "6000-7000,8080" style lists. An empty string yields no ranges, which means
// every port is allowed.
func ParseRanges(s string) ([]Range, error) {
	var out []Range
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("bad port %q: %w", part, err)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, fmt.Errorf("bad port %q: %w", part, err)
			}
		}
		if start < 1 || end > 65535 || start > end {
			return nil, fmt.Errorf("bad port range %q", part)
		}
		out = append(out, Range{Start: start, End: end})
	}
	return out, nil
}

// Manager checks remote ports against the allow list and picks free ports for remotePort = 0.
type Manager struct {
	network  string
	bindAddr string
	allowed  []Range
}

func NewManager(network, bindAddr string, allowed []Range) *Manager {
	return &Manager{network: network, bindAddr: bindAddr, allowed: allowed}
}

// Allowed reports whether port may be published.
func (m *Manager) Allowed(port int) bool {
	if port < 1 || port > 65535 {
		return false
	}
	if len(m.allowed) == 0 {
		return true
	}
	for _, r := range m.allowed {
		if port >= r.Start && port <= r.End {
			return true
		}
	}
	return false
}

// Check returns ErrPortNotAllowed for ports outside the allow list.
func (m *Manager) Check(port int) error {
	if !m.Allowed(port) {
		return fmt.Errorf("%w: %d", ErrPortNotAllowed, port)
	}
	return nil
}

// Pick returns an allowed port that is not in use and can currently be bound.
// With no allow list it lets the kernel choose.
func (m *Manager) Pick(inUse func(port int) bool) (int, error) {
	if len(m.allowed) == 0 {
		return m.kernelPort()
	}
	for _, r := range m.allowed {
		for p := r.Start; p <= r.End; p++ {
			if inUse(p) {
				continue
			}
			if m.bindable(p) {
				return p, nil
			}
		}
	}
	return 0, ErrNoPortAvailable
}

func (m *Manager) kernelPort() (int, error) {
	addr := net.JoinHostPort(m.bindAddr, "0")
	if m.network == "udp" {
		c, err := net.ListenPacket("udp", addr)
		if err != nil {
			return 0, err
		}
		defer c.Close()
		return c.LocalAddr().(*net.UDPAddr).Port, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (m *Manager) bindable(port int) bool {
	addr := net.JoinHostPort(m.bindAddr, strconv.Itoa(port))
	if m.network == "udp" {
		c, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

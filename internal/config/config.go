// Package config resolves and validates the settings of a forwarding service.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/gibme-npm/port-forwarder/internal/session"
	psnet "github.com/shirou/gopsutil/v3/net"
)

const (
	DefaultBindIP      = "0.0.0.0"
	DefaultIdleTimeout = 900000 * time.Millisecond
)

// IdleScope selects which sides of a relay the idle timeout is applied to.
type IdleScope string

const (
	IdleBoth    IdleScope = "both"
	IdleInbound IdleScope = "inbound"
)

var (
	ErrInvalidIP    = errors.New("invalid ip address")
	ErrUnboundIP    = errors.New("ip address is not bound to this host")
	ErrInvalidPort  = errors.New("invalid port")
	ErrInvalidScope = errors.New("invalid idle timeout scope")
)

// Config holds the settings of one listener. Use Resolve to obtain a
// defaulted and validated copy before handing it to a service.
type Config struct {
	ListenPort  int
	BindIP      string
	IdleTimeout time.Duration
	IdleScope   IdleScope
	KeepAlive   bool
	// Remote, when set, receives every accepted connection.
	Remote *session.Endpoint
}

// Resolve fills defaults and validates c against the host's interface addresses.
func Resolve(c Config) (Config, error) {
	addrs, err := HostAddrs()
	if err != nil {
		return Config{}, err
	}
	return ResolveWith(c, addrs)
}

// ResolveWith is Resolve with an explicit set of locally bound addresses.
func ResolveWith(c Config, bound []netip.Addr) (Config, error) {
	if c.BindIP == "" {
		c.BindIP = DefaultBindIP
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.IdleScope == "" {
		c.IdleScope = IdleBoth
	}
	if c.IdleScope != IdleBoth && c.IdleScope != IdleInbound {
		return Config{}, fmt.Errorf("%w: %q", ErrInvalidScope, c.IdleScope)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return Config{}, fmt.Errorf("%w: listen port %d", ErrInvalidPort, c.ListenPort)
	}
	ip, err := netip.ParseAddr(c.BindIP)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %q", ErrInvalidIP, c.BindIP)
	}
	if !isBound(ip, bound) {
		return Config{}, fmt.Errorf("%w: %s", ErrUnboundIP, c.BindIP)
	}
	if c.Remote != nil {
		if c.Remote.IP == "" {
			return Config{}, fmt.Errorf("%w: empty remote host", ErrInvalidIP)
		}
		if c.Remote.Port < 1 || c.Remote.Port > 65535 {
			return Config{}, fmt.Errorf("%w: remote port %d", ErrInvalidPort, c.Remote.Port)
		}
		r := *c.Remote
		c.Remote = &r
	}
	return c, nil
}

// Addr is the listen address in host:port form.
func (c Config) Addr() string { return session.Key(c.BindIP, c.ListenPort) }

func isBound(ip netip.Addr, bound []netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsUnspecified() {
		return true
	}
	for _, b := range bound {
		if b.Unmap() == ip {
			return true
		}
	}
	return false
}

var (
	hostOnce  sync.Once
	hostAddrs []netip.Addr
	hostErr   error
)

// HostAddrs enumerates the addresses bound to the host's interfaces. The
// enumeration runs once per process.
func HostAddrs() ([]netip.Addr, error) {
	hostOnce.Do(func() {
		ifaces, err := psnet.Interfaces()
		if err != nil {
			hostErr = fmt.Errorf("enumerate interfaces: %w", err)
			return
		}
		hostAddrs = append(hostAddrs, netip.IPv4Unspecified(), netip.IPv6Unspecified())
		for _, iface := range ifaces {
			for _, a := range iface.Addrs {
				if ip, ok := parseIfaceAddr(a.Addr); ok {
					hostAddrs = append(hostAddrs, ip)
				}
			}
		}
	})
	return hostAddrs, hostErr
}

// parseIfaceAddr accepts both CIDR ("10.0.0.2/24") and bare address forms.
func parseIfaceAddr(s string) (netip.Addr, bool) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Addr(), true
	}
	if ip := net.ParseIP(s); ip != nil {
		a, ok := netip.AddrFromSlice(ip)
		return a.Unmap(), ok
	}
	return netip.Addr{}, false
}

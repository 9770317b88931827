package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/gibme-npm/port-forwarder/internal/notify"
	"github.com/gibme-npm/port-forwarder/internal/obs"
	"github.com/gibme-npm/port-forwarder/internal/session"
)

type route struct {
	from netip.Prefix
	to   session.Endpoint
}

// parseRoutes reads "cidr=host:port" entries separated by commas. A bare
// address is treated as a single-host prefix.
func parseRoutes(s string) ([]route, error) {
	var out []route
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		from, to, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("route %q: expected cidr=host:port", item)
		}
		prefix, err := parsePrefix(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", item, err)
		}
		ep, err := parseEndpoint(strings.TrimSpace(to))
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", item, err)
		}
		out = append(out, route{from: prefix, to: ep})
	}
	return out, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		return p.Masked(), err
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func match(routes []route, peer netip.Addr) (session.Endpoint, bool) {
	peer = peer.Unmap()
	for _, r := range routes {
		if r.from.Contains(peer) {
			return r.to, true
		}
	}
	return session.Endpoint{}, false
}

// forwarder is the part of the service the router drives.
type forwarder interface {
	Forward(ctx context.Context, conn net.Conn, ip string, port int) (bool, error)
}

// router picks the remote of each accepted connection from its peer
// address. Connections no route matches are left to the static remote, or
// closed when there is none.
type router struct {
	notify.Nop
	routes   []route
	fallback bool
	svc      forwarder
}

func (r *router) Connection(conn net.Conn, listenPort int) {
	peer, ok := peerAddr(conn)
	if !ok {
		return
	}
	to, ok := match(r.routes, peer)
	if !ok {
		if !r.fallback {
			obs.Info("route.none", obs.Fields{"peer": conn.RemoteAddr().String(), "port": listenPort})
			obs.ErrorsTotal.WithLabelValues("no_route").Inc()
			_ = conn.Close()
		}
		return
	}
	if _, err := r.svc.Forward(context.Background(), conn, to.IP, to.Port); err != nil {
		obs.Error("route.forward", obs.Fields{"err": err.Error(), "peer": conn.RemoteAddr().String(), "remote": to.String()})
	}
}

func peerAddr(c net.Conn) (netip.Addr, bool) {
	ap, err := netip.ParseAddrPort(c.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr(), true
}

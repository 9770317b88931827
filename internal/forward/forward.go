// Package forward relays an accepted TCP connection to a remote endpoint
// and keeps the session registry in step with the relay's lifetime.
package forward

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gibme-npm/port-forwarder/internal/config"
	"github.com/gibme-npm/port-forwarder/internal/notify"
	"github.com/gibme-npm/port-forwarder/internal/obs"
	"github.com/gibme-npm/port-forwarder/internal/session"
)

// Claimer is implemented by connections that can be handed to at most one
// relay. Claim reports whether the caller obtained the connection.
type Claimer interface {
	Claim() bool
}

// Options tune a single forward. The zero value uses the package defaults.
type Options struct {
	// Timeout bounds the outbound connect and is the idle timeout of the relay.
	Timeout   time.Duration
	KeepAlive bool
	IdleScope config.IdleScope
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = config.DefaultIdleTimeout
	}
	if o.IdleScope == "" {
		o.IdleScope = config.IdleBoth
	}
	return o
}

// OptionsFrom derives the forward options of a resolved service config.
func OptionsFrom(c config.Config) Options {
	return Options{Timeout: c.IdleTimeout, KeepAlive: c.KeepAlive, IdleScope: c.IdleScope}
}

// Forwarder wires inbound connections to outbound ones.
type Forwarder struct {
	store    session.Store
	observer notify.Observer
}

// New returns a Forwarder recording sessions in store and reporting to o.
func New(store session.Store, o notify.Observer) *Forwarder {
	return &Forwarder{store: store, observer: notify.Safe(o)}
}

// Forward dials remoteIP:remotePort and relays inbound to it.
//
// It returns false with a nil error when nothing was attempted: inbound is
// nil, its peer address is unknown, it was already claimed by another
// forward, or the remote endpoint is malformed. A failed connect returns
// false with the dial error, reports it to the observer and closes inbound.
// Once true is returned the relay runs on its own goroutines; later failures
// are only reported to the observer.
func (f *Forwarder) Forward(ctx context.Context, inbound net.Conn, remoteIP string, remotePort int, opts Options) (bool, error) {
	opts = opts.withDefaults()
	if inbound == nil || remoteIP == "" || remotePort < 1 || remotePort > 65535 {
		return false, nil
	}
	peer, ok := peerOf(inbound)
	if !ok {
		return false, nil
	}
	if c, ok := inbound.(Claimer); ok && !c.Claim() {
		obs.Debug("forward.already_claimed", obs.Fields{"peer": peer.String()})
		return false, nil
	}
	remote := session.Endpoint{IP: remoteIP, Port: remotePort}

	d := net.Dialer{Timeout: opts.Timeout, KeepAlive: keepAlivePeriod(opts.KeepAlive)}
	outbound, err := d.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		obs.Error("forward.connect", obs.Fields{"err": err.Error(), "peer": peer.String(), "remote": remote.String()})
		obs.ConnectErrorsTotal.Inc()
		obs.ErrorsTotal.WithLabelValues("connect").Inc()
		f.observer.Error(err, remote)
		_ = inbound.Close()
		return false, fmt.Errorf("dial %s: %w", remote, err)
	}
	setKeepAlive(inbound, opts.KeepAlive)

	p := newPipe(f, inbound, outbound, peer, remote, opts)
	if err := f.store.Set(ctx, p.key, session.Session{IP: peer.IP, Port: peer.Port, Forward: remote}); err != nil {
		obs.Error("session.set", obs.Fields{"err": err.Error(), "key": p.key})
		obs.ErrorsTotal.WithLabelValues("session_set").Inc()
		f.observer.Error(err, peer)
	}
	obs.ActiveForwards.Inc()
	obs.ForwardsTotal.Inc()
	obs.Info("forward.established", obs.Fields{"from": peer.String(), "to": remote.String()})
	f.observer.Forward(peer, remote)
	p.run()
	return true, nil
}

func peerOf(c net.Conn) (session.Endpoint, bool) {
	addr := c.RemoteAddr()
	if addr == nil {
		return session.Endpoint{}, false
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		if tcp == nil || tcp.IP == nil {
			return session.Endpoint{}, false
		}
		return session.Endpoint{IP: tcp.IP.String(), Port: tcp.Port}, true
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil || host == "" {
		return session.Endpoint{}, false
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return session.Endpoint{}, false
	}
	return session.Endpoint{IP: host, Port: n}, true
}

// keepAlivePeriod maps the keep-alive switch onto net.Dialer semantics:
// zero enables keep-alive with the default period, negative disables it.
func keepAlivePeriod(on bool) time.Duration {
	if on {
		return 0
	}
	return -1
}

type keepAliveSetter interface {
	SetKeepAlive(bool) error
}

func setKeepAlive(c net.Conn, on bool) {
	if k, ok := c.(keepAliveSetter); ok {
		if err := k.SetKeepAlive(on); err != nil {
			obs.Debug("forward.keepalive", obs.Fields{"err": err.Error()})
		}
	}
}

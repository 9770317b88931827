package service

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gibme-npm/port-forwarder/internal/obs"
	"github.com/gibme-npm/port-forwarder/internal/session"
)

const maxAcceptBackoff = time.Second

func (s *Service) acceptLoop(ln net.Listener, at session.Endpoint) {
	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = min(max(2*backoff, 5*time.Millisecond), maxAcceptBackoff)
			obs.Error("accept.temp", obs.Fields{"err": err.Error(), "retry_in": backoff.String()})
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			s.observer.Error(err, at)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		obs.ConnectionsAccepted.Inc()
		tc := s.track(c)
		if ip := peerIP(c); !s.limiter.Allow(ip) {
			obs.Debug("accept.rate_limited", obs.Fields{"peer": ip})
			obs.RejectedTotal.Inc()
			_ = tc.Close()
			continue
		}
		obs.Debug("accept", obs.Fields{"peer": c.RemoteAddr().String()})
		s.handlers.Add(1)
		go s.handle(tc, at.Port)
	}
}

func (s *Service) track(c net.Conn) *trackedConn {
	s.conns.Add(1)
	obs.OpenConnections.Inc()
	return &trackedConn{Conn: c, onClose: func() {
		s.conns.Add(-1)
		obs.OpenConnections.Dec()
	}}
}

func peerIP(c net.Conn) string {
	if tcp, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, _ := net.SplitHostPort(c.RemoteAddr().String())
	return host
}

// trackedConn is an accepted connection that has not started flowing until
// a forward claims it. It counts itself out of the service on first Close.
type trackedConn struct {
	net.Conn
	claimed   atomic.Bool
	closeOnce sync.Once
	onClose   func()
}

func (c *trackedConn) Claim() bool { return c.claimed.CompareAndSwap(false, true) }

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(c.onClose)
	return err
}

func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

func (c *trackedConn) SetKeepAlive(on bool) error {
	if k, ok := c.Conn.(interface{ SetKeepAlive(bool) error }); ok {
		return k.SetKeepAlive(on)
	}
	return nil
}

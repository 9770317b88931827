// Package service composes a TCP listener, a Forwarder and a session store
// into a port forwarding service.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gibme-npm/port-forwarder/internal/config"
	"github.com/gibme-npm/port-forwarder/internal/forward"
	"github.com/gibme-npm/port-forwarder/internal/notify"
	"github.com/gibme-npm/port-forwarder/internal/obs"
	"github.com/gibme-npm/port-forwarder/internal/ratelimit"
	"github.com/gibme-npm/port-forwarder/internal/session"
)

var (
	ErrAlreadyListening = errors.New("service already listening")
	ErrNotListening     = errors.New("service not listening")
)

// Option customizes a Service.
type Option func(*Service)

// WithStore replaces the default in-memory session store.
func WithStore(st session.Store) Option { return func(s *Service) { s.store = st } }

// WithObserver registers o for notifications. May be given more than once.
func WithObserver(o notify.Observer) Option {
	return func(s *Service) { s.observers = append(s.observers, notify.Safe(o)) }
}

// WithLimiter drops accepted connections that exceed l.
func WithLimiter(l *ratelimit.PeerLimiter) Option { return func(s *Service) { s.limiter = l } }

// Service accepts connections on one address and forwards them either to
// the configured static remote or wherever the embedding application
// decides from its Connection notification.
type Service struct {
	cfg       config.Config
	store     session.Store
	observers notify.Multi
	observer  notify.Observer
	fwd       *forward.Forwarder
	limiter   *ratelimit.PeerLimiter

	mu         sync.Mutex
	ln         net.Listener
	acceptDone chan struct{}

	conns    atomic.Int64
	handlers sync.WaitGroup
}

// New validates cfg and builds a Service. It does not start listening.
func New(cfg config.Config, opts ...Option) (*Service, error) {
	resolved, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	s := &Service{cfg: resolved}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = session.NewMemoryStore()
	}
	s.observer = notify.Safe(s.observers)
	s.fwd = forward.New(s.store, s.observer)
	return s, nil
}

// Config returns the resolved configuration.
func (s *Service) Config() config.Config { return s.cfg }

// Start binds the listen address and begins accepting connections.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	// Keep-alive is decided per forward, not at accept time.
	lc := net.ListenConfig{KeepAlive: -1}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		s.mu.Unlock()
		obs.Error("listen.start", obs.Fields{"err": err.Error(), "addr": s.cfg.Addr()})
		obs.ErrorsTotal.WithLabelValues("listen").Inc()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	done := make(chan struct{})
	s.ln, s.acceptDone = ln, done
	s.mu.Unlock()

	at := endpointOf(ln.Addr())
	go func() {
		defer close(done)
		s.acceptLoop(ln, at)
	}()
	obs.Info("listen.start", obs.Fields{"addr": at.String()})
	s.observer.Listening(at.IP, at.Port)
	return nil
}

// Stop closes the listener. Relays already established keep running.
func (s *Service) Stop() error {
	s.mu.Lock()
	ln, done := s.ln, s.acceptDone
	s.ln, s.acceptDone = nil, nil
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}
	err := ln.Close()
	<-done
	obs.Info("listen.stop", obs.Fields{"addr": ln.Addr().String()})
	s.observer.Closed()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listen address, or nil when not listening.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listening reports whether the service is accepting connections.
func (s *Service) Listening() bool { return s.Addr() != nil }

// Connections returns the number of accepted connections not yet closed,
// whether or not they were forwarded.
func (s *Service) Connections() int { return int(s.conns.Load()) }

// List returns a snapshot of the active sessions.
func (s *Service) List(ctx context.Context) ([]session.Session, error) {
	return s.store.List(ctx)
}

// Forward relays conn to ip:port using the service's timeout and keep-alive settings.
func (s *Service) Forward(ctx context.Context, conn net.Conn, ip string, port int) (bool, error) {
	return s.fwd.Forward(ctx, conn, ip, port, forward.OptionsFrom(s.cfg))
}

// ForwardWith is Forward with explicit options.
func (s *Service) ForwardWith(ctx context.Context, conn net.Conn, ip string, port int, opts forward.Options) (bool, error) {
	return s.fwd.Forward(ctx, conn, ip, port, opts)
}

// Wait blocks until every connection handler has returned. Call it after
// Stop, once no new handlers can start; relays outlive their handlers.
func (s *Service) Wait() { s.handlers.Wait() }

func (s *Service) handle(c *trackedConn, listenPort int) {
	defer s.handlers.Done()
	s.observer.Connection(c, listenPort)
	remote := s.cfg.Remote
	if remote == nil {
		return
	}
	ok, err := s.Forward(context.Background(), c, remote.IP, remote.Port)
	if err == nil && !ok {
		obs.Debug("forward.skipped", obs.Fields{"peer": c.RemoteAddr().String(), "remote": remote.String()})
	}
}

func endpointOf(a net.Addr) session.Endpoint {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return session.Endpoint{IP: tcp.IP.String(), Port: tcp.Port}
	}
	return session.Endpoint{IP: a.String()}
}

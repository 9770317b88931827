package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gibme-npm/port-forwarder/internal/config"
	"github.com/gibme-npm/port-forwarder/internal/obs"
	"github.com/gibme-npm/port-forwarder/internal/session"
)

type side int

const (
	inboundSide side = iota
	outboundSide
)

func (s side) other() side { return 1 - s }

func (s side) String() string {
	if s == inboundSide {
		return "inbound"
	}
	return "outbound"
}

type event int

const (
	evEnd event = iota
	evClosed
	evTimeout
	evError
)

func classify(err error) event {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return evEnd
	case errors.Is(err, os.ErrDeadlineExceeded):
		return evTimeout
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return evClosed
	}
	return evError
}

const storeTimeout = 5 * time.Second

// pipe couples two connections. Every teardown action runs at most once no
// matter how many terminal events the two copy loops observe.
type pipe struct {
	f       *Forwarder
	conns   [2]*idleConn
	ends    [2]session.Endpoint
	key     string
	idle    time.Duration
	started time.Time

	hung    [2]sync.Once
	closed  [2]sync.Once
	removed sync.Once
	wg      sync.WaitGroup
	done    chan struct{}
}

func newPipe(f *Forwarder, inbound, outbound net.Conn, peer, remote session.Endpoint, opts Options) *pipe {
	outTimeout := opts.Timeout
	if opts.IdleScope == config.IdleInbound {
		outTimeout = 0
	}
	return &pipe{
		f:     f,
		conns: [2]*idleConn{newIdleConn(inbound, opts.Timeout), newIdleConn(outbound, outTimeout)},
		ends:  [2]session.Endpoint{peer, remote},
		key:   session.Key(peer.IP, peer.Port),
		idle:  opts.Timeout,
		done:  make(chan struct{}),
	}
}

func (p *pipe) run() {
	p.started = time.Now()
	p.wg.Add(2)
	go p.relay(inboundSide, outboundSide)
	go p.relay(outboundSide, inboundSide)
	go func() {
		p.wg.Wait()
		p.close(inboundSide)
		p.close(outboundSide)
		p.remove()
		obs.ForwardDurationSeconds.Observe(time.Since(p.started).Seconds())
		obs.Info("forward.closed", obs.Fields{"from": p.ends[inboundSide].String(), "to": p.ends[outboundSide].String(), "duration": time.Since(p.started).String()})
		close(p.done)
	}()
}

// relay copies from one side to the other until either fails. A write
// blocks the next read, so a slow destination throttles the source.
func (p *pipe) relay(from, to side) {
	defer p.wg.Done()
	src, dst := p.conns[from], p.conns[to]
	buf := make([]byte, 32*1024)
	var n int64
	defer func() { obs.BytesTotal.WithLabelValues(from.String() + "_to_" + to.String()).Add(float64(n)) }()
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			n += int64(nw)
			if werr != nil {
				p.terminate(to, werr)
				return
			}
		}
		if rerr != nil {
			p.terminate(from, rerr)
			return
		}
	}
}

// terminate handles a terminal event observed on side s. A clean end only
// half-closes the peer so the opposite direction can drain; a timeout or an
// error tears both sides down.
func (p *pipe) terminate(s side, err error) {
	switch classify(err) {
	case evEnd, evClosed:
		p.hangUp(s.other())
		if s == inboundSide {
			// Nothing reads inbound any more; its idle timeout now bounds
			// the outbound half still draining.
			p.conns[outboundSide].arm(p.idle)
		}
	case evTimeout:
		obs.Info("forward.timeout", obs.Fields{"side": s.String(), "endpoint": p.ends[s].String()})
		obs.IdleTimeoutsTotal.Inc()
		p.hangUp(s.other())
		p.close(s.other())
		p.close(s)
	case evError:
		obs.Error("forward.relay", obs.Fields{"err": err.Error(), "side": s.String(), "endpoint": p.ends[s].String()})
		obs.ErrorsTotal.WithLabelValues("relay_" + s.String()).Inc()
		p.f.observer.Error(err, p.ends[s])
		p.hangUp(s.other())
		p.close(s.other())
		p.close(s)
	}
	p.remove()
}

// hangUp half-closes side s: pending writes complete and the peer reads EOF.
func (p *pipe) hangUp(s side) {
	p.hung[s].Do(func() {
		if err := p.conns[s].CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
			obs.Debug("forward.hangup", obs.Fields{"err": err.Error(), "side": s.String()})
		}
	})
}

func (p *pipe) close(s side) {
	p.closed[s].Do(func() { _ = p.conns[s].Close() })
}

func (p *pipe) remove() {
	p.removed.Do(func() {
		obs.ActiveForwards.Dec()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := p.f.store.Del(ctx, p.key); err != nil {
			obs.Error("session.del", obs.Fields{"err": err.Error(), "key": p.key})
			obs.ErrorsTotal.WithLabelValues("session_del").Inc()
			p.f.observer.Error(err, p.ends[inboundSide])
		}
	})
}

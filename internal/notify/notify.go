// Package notify defines the notifications a forwarding service emits to
// the application embedding it.
package notify

import (
	"fmt"
	"net"

	"github.com/gibme-npm/port-forwarder/internal/obs"
	"github.com/gibme-npm/port-forwarder/internal/session"
)

// Observer receives service notifications. Calls are made synchronously from
// the goroutine that produced the event; Connection runs on the goroutine
// owning the accepted connection, so an observer may call Forward from it.
type Observer interface {
	Listening(ip string, port int)
	Closed()
	Connection(conn net.Conn, listenPort int)
	Forward(from, to session.Endpoint)
	// Error reports err together with the endpoint it relates to.
	Error(err error, at session.Endpoint)
}

// Nop ignores every notification. Embed it to implement only some methods.
type Nop struct{}

func (Nop) Listening(string, int)                      {}
func (Nop) Closed()                                    {}
func (Nop) Connection(net.Conn, int)                   {}
func (Nop) Forward(session.Endpoint, session.Endpoint) {}
func (Nop) Error(error, session.Endpoint)              {}

// Safe wraps o so that a panicking observer is logged instead of tearing
// down the goroutine that emitted the notification.
func Safe(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	if _, ok := o.(safe); ok {
		return o
	}
	return safe{o}
}

type safe struct{ o Observer }

func recovered(event string) {
	if r := recover(); r != nil {
		obs.Error("notify.panic", obs.Fields{"event": event, "panic": fmt.Sprint(r)})
		obs.ErrorsTotal.WithLabelValues("observer_panic").Inc()
	}
}

func (s safe) Listening(ip string, port int) {
	defer recovered("listening")
	s.o.Listening(ip, port)
}

func (s safe) Closed() {
	defer recovered("close")
	s.o.Closed()
}

func (s safe) Connection(conn net.Conn, listenPort int) {
	defer recovered("connection")
	s.o.Connection(conn, listenPort)
}

func (s safe) Forward(from, to session.Endpoint) {
	defer recovered("forward")
	s.o.Forward(from, to)
}

func (s safe) Error(err error, at session.Endpoint) {
	defer recovered("error")
	s.o.Error(err, at)
}

// Multi fans every notification out to each observer in order.
type Multi []Observer

func (m Multi) Listening(ip string, port int) {
	for _, o := range m {
		o.Listening(ip, port)
	}
}

func (m Multi) Closed() {
	for _, o := range m {
		o.Closed()
	}
}

func (m Multi) Connection(conn net.Conn, listenPort int) {
	for _, o := range m {
		o.Connection(conn, listenPort)
	}
}

func (m Multi) Forward(from, to session.Endpoint) {
	for _, o := range m {
		o.Forward(from, to)
	}
}

func (m Multi) Error(err error, at session.Endpoint) {
	for _, o := range m {
		o.Error(err, at)
	}
}

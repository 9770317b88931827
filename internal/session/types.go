package session

import (
	"net"
	"strconv"
)

// Endpoint is an address/port pair.
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string { return net.JoinHostPort(e.IP, strconv.Itoa(e.Port)) }

// Session is the live record of one relay: the inbound peer and the endpoint it is forwarded to.
type Session struct {
	IP      string   `json:"ip"`
	Port    int      `json:"port"`
	Forward Endpoint `json:"forward"`
}

// Peer returns the inbound side of the session.
func (s Session) Peer() Endpoint { return Endpoint{IP: s.IP, Port: s.Port} }

// Key identifies the session in a Store.
func (s Session) Key() string { return Key(s.IP, s.Port) }

// Key builds the registry key of an inbound peer.
func Key(ip string, port int) string { return net.JoinHostPort(ip, strconv.Itoa(port)) }

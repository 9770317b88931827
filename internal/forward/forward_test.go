package forward

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gibme-npm/port-forwarder/internal/config"
	"github.com/gibme-npm/port-forwarder/internal/notify"
	"github.com/gibme-npm/port-forwarder/internal/obs"
	"github.com/gibme-npm/port-forwarder/internal/session"
	"github.com/google/go-cmp/cmp"
)

func TestMain(m *testing.M) {
	obs.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type recorder struct {
	notify.Nop
	mu       sync.Mutex
	forwards [][2]session.Endpoint
	errs     []error
	errAt    []session.Endpoint
}

func (r *recorder) Forward(from, to session.Endpoint) {
	r.mu.Lock()
	r.forwards = append(r.forwards, [2]session.Endpoint{from, to})
	r.mu.Unlock()
}

func (r *recorder) Error(err error, at session.Endpoint) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.errAt = append(r.errAt, at)
	r.mu.Unlock()
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// startEcho runs a TCP echo server and returns its port.
func startEcho(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// connPair returns the client end and the accepted server end of a loopback connection.
func connPair(t *testing.T) (client, accepted net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	ch := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(ch)
			return
		}
		ch <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	accepted, ok := <-ch
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() { client.Close(); accepted.Close() })
	return client, accepted
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func listSessions(t *testing.T, st session.Store) []session.Session {
	t.Helper()
	got, err := st.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return got
}

func TestForwardRoundTrip(t *testing.T) {
	echo := startEcho(t)
	st := session.NewMemoryStore()
	rec := &recorder{}
	f := New(st, rec)
	client, inbound := connPair(t)

	ok, err := f.Forward(context.Background(), inbound, "127.0.0.1", echo, Options{Timeout: 5 * time.Second})
	if !ok || err != nil {
		t.Fatalf("Forward = %v, %v; want true, nil", ok, err)
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo = %q; want %q", buf, "ping")
	}

	local := client.LocalAddr().(*net.TCPAddr)
	want := []session.Session{{IP: local.IP.String(), Port: local.Port, Forward: session.Endpoint{IP: "127.0.0.1", Port: echo}}}
	if diff := cmp.Diff(want, listSessions(t, st)); diff != "" {
		t.Errorf("sessions mismatch (-want +got):\n%s", diff)
	}
	rec.mu.Lock()
	if len(rec.forwards) != 1 || rec.forwards[0][1].Port != echo {
		t.Errorf("forward notifications = %+v", rec.forwards)
	}
	rec.mu.Unlock()

	client.Close()
	waitFor(t, "session removal", func() bool { return len(listSessions(t, st)) == 0 })
	if n := rec.errorCount(); n != 0 {
		t.Errorf("got %d error notifications; want 0", n)
	}
}

func TestForwardByteTransparency(t *testing.T) {
	echo := startEcho(t)
	f := New(session.NewMemoryStore(), nil)
	client, inbound := connPair(t)
	if ok, err := f.Forward(context.Background(), inbound, "127.0.0.1", echo, Options{Timeout: 5 * time.Second}); !ok || err != nil {
		t.Fatalf("Forward = %v, %v", ok, err)
	}

	payload := make([]byte, 1<<20)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	go func() {
		_, _ = client.Write(payload)
		_ = client.(*net.TCPConn).CloseWrite()
	}()
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echoed %d bytes differ from the %d sent", len(got), len(payload))
	}
}

func TestForwardConnectFailure(t *testing.T) {
	st := session.NewMemoryStore()
	f := New(st, nil)
	client, inbound := connPair(t)

	ok, err := f.Forward(context.Background(), inbound, "127.0.0.1", freePort(t), Options{Timeout: 2 * time.Second})
	if ok || err == nil {
		t.Fatalf("Forward = %v, %v; want false and a dial error", ok, err)
	}
	if n := len(listSessions(t, st)); n != 0 {
		t.Errorf("got %d sessions after failed connect; want 0", n)
	}
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("inbound connection left open after failed connect")
	}
}

type claimedConn struct{ net.Conn }

func (claimedConn) Claim() bool { return false }

func TestForwardPreconditions(t *testing.T) {
	echo := startEcho(t)
	st := session.NewMemoryStore()
	f := New(st, nil)
	_, inbound := connPair(t)
	pa, pb := net.Pipe()
	defer pa.Close()
	defer pb.Close()

	for _, tc := range []struct {
		name string
		conn net.Conn
		ip   string
		port int
	}{
		{"nil conn", nil, "127.0.0.1", echo},
		{"no peer address", pa, "127.0.0.1", echo},
		{"already claimed", claimedConn{inbound}, "127.0.0.1", echo},
		{"empty remote", inbound, "", echo},
		{"bad remote port", inbound, "127.0.0.1", 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := f.Forward(context.Background(), tc.conn, tc.ip, tc.port, Options{})
			if ok || err != nil {
				t.Errorf("Forward = %v, %v; want false, nil", ok, err)
			}
		})
	}
	if n := len(listSessions(t, st)); n != 0 {
		t.Errorf("got %d sessions; want 0", n)
	}
}

func TestForwardIdleTimeout(t *testing.T) {
	echo := startEcho(t)
	st := session.NewMemoryStore()
	f := New(st, nil)
	client, inbound := connPair(t)
	if ok, err := f.Forward(context.Background(), inbound, "127.0.0.1", echo, Options{Timeout: 200 * time.Millisecond}); !ok || err != nil {
		t.Fatalf("Forward = %v, %v", ok, err)
	}
	if n := len(listSessions(t, st)); n != 1 {
		t.Fatalf("got %d sessions; want 1", n)
	}
	waitFor(t, "idle teardown", func() bool { return len(listSessions(t, st)) == 0 })
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("client read after idle teardown = %v; want connection closed", err)
	}
}

func TestForwardRelayErrorNotifies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	accepted := make(chan *net.TCPConn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c.(*net.TCPConn)
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	st := session.NewMemoryStore()
	rec := &recorder{}
	f := New(st, rec)
	_, inbound := connPair(t)
	if ok, err := f.Forward(context.Background(), inbound, "127.0.0.1", port, Options{Timeout: 5 * time.Second}); !ok || err != nil {
		t.Fatalf("Forward = %v, %v", ok, err)
	}
	remote := <-accepted
	// Linger 0 makes Close send a reset instead of a FIN.
	_ = remote.SetLinger(0)
	remote.Close()

	waitFor(t, "error notification", func() bool { return rec.errorCount() > 0 })
	rec.mu.Lock()
	if at := rec.errAt[0]; at.Port != port {
		t.Errorf("error tagged with %v; want remote port %d", at, port)
	}
	rec.mu.Unlock()
	waitFor(t, "session removal", func() bool { return len(listSessions(t, st)) == 0 })
}

type failingStore struct{}

func (failingStore) Set(context.Context, string, session.Session) error {
	return errors.New("set failed")
}
func (failingStore) Del(context.Context, string) error { return errors.New("del failed") }
func (failingStore) List(context.Context) ([]session.Session, error) {
	return nil, errors.New("list failed")
}

func TestForwardStoreErrorsDoNotBreakRelay(t *testing.T) {
	echo := startEcho(t)
	rec := &recorder{}
	f := New(failingStore{}, rec)
	client, inbound := connPair(t)
	if ok, err := f.Forward(context.Background(), inbound, "127.0.0.1", echo, Options{Timeout: 5 * time.Second}); !ok || err != nil {
		t.Fatalf("Forward = %v, %v", ok, err)
	}
	if _, err := client.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "hi" {
		t.Fatalf("echo = %q, %v", buf, err)
	}
	client.Close()
	waitFor(t, "set and del errors", func() bool { return rec.errorCount() == 2 })
}

// startDrain runs a server that reads each connection to EOF and then keeps
// it open without writing.
func startDrain(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var held []net.Conn
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		for _, c := range held {
			c.Close()
		}
		mu.Unlock()
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
			go func() { _, _ = io.Copy(io.Discard, c) }()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestForwardInboundIdleScopeClosesAfterHalfClose(t *testing.T) {
	remote := startDrain(t)
	st := session.NewMemoryStore()
	f := New(st, nil)
	client, inbound := connPair(t)
	opts := Options{Timeout: 200 * time.Millisecond, IdleScope: config.IdleInbound}
	if ok, err := f.Forward(context.Background(), inbound, "127.0.0.1", remote, opts); !ok || err != nil {
		t.Fatalf("Forward = %v, %v", ok, err)
	}
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := client.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "session removal", func() bool { return len(listSessions(t, st)) == 0 })
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("client read = %v; want inbound closed within the idle timeout", err)
	}
}

func TestForwardConnectFailureNotifiesOnce(t *testing.T) {
	rec := &recorder{}
	f := New(session.NewMemoryStore(), rec)
	_, inbound := connPair(t)
	dead := freePort(t)

	if ok, err := f.Forward(context.Background(), inbound, "127.0.0.1", dead, Options{Timeout: 2 * time.Second}); ok || err == nil {
		t.Fatalf("Forward = %v, %v; want false and a dial error", ok, err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 {
		t.Fatalf("got %d error notifications; want 1", len(rec.errs))
	}
	if want := (session.Endpoint{IP: "127.0.0.1", Port: dead}); rec.errAt[0] != want {
		t.Errorf("error tagged with %v; want %v", rec.errAt[0], want)
	}
}

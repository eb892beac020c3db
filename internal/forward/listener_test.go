package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/pfd-agent/internal/metrics"
)

type mockDialer struct {
	dialFunc func(ctx context.Context, service string) (net.Conn, error)
	dials    atomic.Int64
	last     atomic.Value
}

func (m *mockDialer) DialService(ctx context.Context, service string) (net.Conn, error) {
	m.dials.Add(1)
	m.last.Store(service)
	return m.dialFunc(ctx, service)
}

// echoDialer answers every dial with an in-memory echo peer.
func echoDialer() *mockDialer {
	return &mockDialer{
		dialFunc: func(ctx context.Context, service string) (net.Conn, error) {
			client, server := net.Pipe()
			go func() {
				defer server.Close()
				io.Copy(server, server)
			}()
			return client, nil
		},
	}
}

func startListener(t *testing.T, cfg ListenerConfig, d Dialer) *Listener {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	if cfg.Service == "" {
		cfg.Service = "hivenode"
	}
	l := NewListener(cfg, d)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { l.Stop() })
	return l
}

func dialListener(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListener_Lifecycle(t *testing.T) {
	l := NewListener(ListenerConfig{Service: "hivenode", Address: "127.0.0.1:0"}, echoDialer())
	if l.Address() != nil || l.Port() != "" {
		t.Errorf("unstarted listener has address %v port %q", l.Address(), l.Port())
	}
	if l.Service() != "hivenode" {
		t.Errorf("Service() = %q", l.Service())
	}

	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := l.Start(); err == nil {
		t.Error("second Start() succeeded")
	}
	if l.Port() == "" || l.Port() == "0" {
		t.Errorf("Port() = %q after start", l.Port())
	}

	addr := l.Address().String()
	if err := l.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		t.Error("listener still accepting after Stop")
	}
}

func TestListener_BusyPort(t *testing.T) {
	l := startListener(t, ListenerConfig{}, echoDialer())

	other := NewListener(ListenerConfig{Service: "hivenode", Address: l.Address().String()}, echoDialer())
	if err := other.Start(); err == nil {
		other.Stop()
		t.Fatal("Start() on a bound port succeeded")
	}
}

func TestListener_RelaysToService(t *testing.T) {
	d := echoDialer()
	l := startListener(t, ListenerConfig{Service: "ssh"}, d)
	conn := dialListener(t, l)

	msg := []byte("hello over the overlay")
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("echo = %q", buf)
	}
	if got, _ := d.last.Load().(string); got != "ssh" {
		t.Errorf("dialed service %q, want ssh", got)
	}
}

func TestListener_DialFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	d := &mockDialer{
		dialFunc: func(ctx context.Context, service string) (net.Conn, error) {
			return nil, errors.New("peer offline")
		},
	}
	l := startListener(t, ListenerConfig{Metrics: m}, d)
	conn := dialListener(t, l)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection stayed open after dial failure")
	}
	waitFor(t, "forwarding error metric", func() bool {
		return testutil.ToFloat64(m.ForwardingErrors.WithLabelValues("dial")) == 1
	})
	if l.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount() = %d", l.ConnectionCount())
	}
}

func TestListener_ConnectionLimit(t *testing.T) {
	release := make(chan struct{})
	d := &mockDialer{
		dialFunc: func(ctx context.Context, service string) (net.Conn, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, errors.New("released")
		},
	}
	l := startListener(t, ListenerConfig{MaxConnections: 1}, d)

	dialListener(t, l)
	waitFor(t, "first connection", func() bool { return l.ConnectionCount() == 1 })

	second := dialListener(t, l)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("connection over the limit was served")
	}
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	close(release)
}

func TestListener_StopClosesConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	l := NewListener(ListenerConfig{Service: "hivenode", Address: "127.0.0.1:0", Metrics: m}, echoDialer())
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conns := make([]net.Conn, 3)
	for i := range conns {
		c, err := net.Dial("tcp", l.Address().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer c.Close()
		conns[i] = c
	}
	waitFor(t, "tunnels", func() bool { return testutil.ToFloat64(m.TunnelConnections) == 3 })

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() blocked on open connections")
	}

	for _, c := range conns {
		c.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := c.Read(make([]byte, 1)); err == nil {
			t.Error("client connection still open after Stop")
		}
	}
	if got := testutil.ToFloat64(m.TunnelConnections); got != 0 {
		t.Errorf("tunnel gauge = %v after Stop", got)
	}
}

func TestRelay_HalfClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// The far end reads a full request, then answers and closes.
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		req, _ := io.ReadAll(c)
		c.Write(append([]byte("got "), req...))
	}()

	target, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	local, remote := tcpPair(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		Relay(remote, target)
	}()

	local.Write([]byte("request"))
	local.(*net.TCPConn).CloseWrite()

	local.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := io.ReadAll(local)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "got request" {
		t.Errorf("response = %q", resp)
	}
	local.Close()
	wg.Wait()
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	b := <-accepted
	if b == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

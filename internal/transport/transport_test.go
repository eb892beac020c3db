package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/pfd-agent/internal/certutil"
)

func testTLS(t *testing.T) (server, client *tls.Config, serverCert, clientCert *certutil.NodeCert) {
	t.Helper()

	serverCert, err := certutil.Generate("server", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	clientCert, err = certutil.Generate("client", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	server, err = ServerTLSConfig(serverCert)
	if err != nil {
		t.Fatalf("ServerTLSConfig() error = %v", err)
	}
	client, err = ClientTLSConfig(clientCert)
	if err != nil {
		t.Fatalf("ClientTLSConfig() error = %v", err)
	}
	return server, client, serverCert, clientCert
}

func TestTypeForAddress(t *testing.T) {
	tests := []struct {
		addr string
		want TransportType
	}{
		{"10.0.0.1:33445", TransportQUIC},
		{"node.example.com:33445", TransportQUIC},
		{"wss://node.example.com/pfd", TransportWebSocket},
		{"ws://127.0.0.1:8080/pfd", TransportWebSocket},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := TypeForAddress(tt.addr); got != tt.want {
				t.Errorf("TypeForAddress(%q) = %s, want %s", tt.addr, got, tt.want)
			}
		})
	}
}

func TestTLSConfigs(t *testing.T) {
	server, client, _, _ := testTLS(t)

	if server.ClientAuth != tls.RequireAnyClientCert {
		t.Errorf("server ClientAuth = %v, want RequireAnyClientCert", server.ClientAuth)
	}
	if !client.InsecureSkipVerify {
		t.Error("client InsecureSkipVerify = false")
	}
	for _, cfg := range []*tls.Config{server, client} {
		if cfg.MinVersion != tls.VersionTLS13 {
			t.Errorf("MinVersion = %d, want TLS 1.3", cfg.MinVersion)
		}
		if len(cfg.Certificates) != 1 {
			t.Errorf("Certificates count = %d, want 1", len(cfg.Certificates))
		}
	}

	if _, err := ServerTLSConfig(nil); err == nil {
		t.Error("ServerTLSConfig(nil) error = nil")
	}
}

func TestWithALPN_DoesNotMutate(t *testing.T) {
	orig := &tls.Config{NextProtos: []string{"a"}}
	out := withALPN(orig, "b")

	if orig.NextProtos[0] != "a" {
		t.Error("withALPN modified the original config")
	}
	if len(out.NextProtos) != 1 || out.NextProtos[0] != "b" {
		t.Errorf("NextProtos = %v, want [b]", out.NextProtos)
	}
}

func TestParseWebSocketURL(t *testing.T) {
	if got := parseWebSocketURL("10.0.0.1:443"); got != "wss://10.0.0.1:443/pfd" {
		t.Errorf("parseWebSocketURL() = %s", got)
	}
	if got := parseWebSocketURL("wss://relay.example.com/custom"); got != "wss://relay.example.com/custom" {
		t.Errorf("parseWebSocketURL() = %s", got)
	}
}

// echoRoundTrip accepts one connection on l, echoes one stream and checks
// the certificates each side observed.
func echoRoundTrip(t *testing.T, tr Transport, l Listener, dialAddr string, client *tls.Config, serverCert, clientCert *certutil.NodeCert) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverResult := make(chan error, 1)
	clientDone := make(chan struct{})

	go func() {
		conn, err := l.Accept(ctx)
		if err != nil {
			serverResult <- fmt.Errorf("accept connection: %w", err)
			return
		}
		defer conn.Close()

		if conn.IsDialer() {
			serverResult <- fmt.Errorf("server IsDialer() = true")
			return
		}
		if cert := conn.PeerCertificate(); cert == nil || !certutil.VerifyFingerprint(cert, clientCert.Fingerprint()) {
			serverResult <- fmt.Errorf("server saw wrong client certificate")
			return
		}

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			serverResult <- fmt.Errorf("accept stream: %w", err)
			return
		}

		stream.SetDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 1024)
		n, err := stream.Read(buf)
		if err != nil && err != io.EOF {
			serverResult <- fmt.Errorf("read: %w", err)
			return
		}
		if _, err := stream.Write(buf[:n]); err != nil {
			serverResult <- fmt.Errorf("write: %w", err)
			return
		}

		serverResult <- nil
		<-clientDone
	}()

	clientConn, err := tr.Dial(ctx, dialAddr, DialOptions{TLSConfig: client, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer clientConn.Close()

	if !clientConn.IsDialer() {
		t.Error("client IsDialer() = false")
	}
	if cert := clientConn.PeerCertificate(); cert == nil || !certutil.VerifyFingerprint(cert, serverCert.Fingerprint()) {
		t.Error("client saw wrong server certificate")
	}

	stream, err := clientConn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer stream.Close()

	testData := []byte("hello over the overlay")
	if _, err := stream.Write(testData); err != nil {
		t.Fatalf("client Write() error = %v", err)
	}

	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	response := make([]byte, len(testData))
	if _, err := io.ReadFull(stream, response); err != nil {
		t.Fatalf("client Read() error = %v", err)
	}
	if !bytes.Equal(response, testData) {
		t.Errorf("response = %s, want %s", response, testData)
	}
	close(clientDone)

	select {
	case err := <-serverResult:
		if err != nil {
			t.Errorf("server error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for server")
	}
}

func TestQUICTransport_StreamEcho(t *testing.T) {
	server, client, serverCert, clientCert := testTLS(t)

	tr := NewQUICTransport()
	defer tr.Close()

	l, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: server})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer l.Close()

	if _, ok := l.Addr().(*net.UDPAddr); !ok {
		t.Errorf("Addr() type = %T, want *net.UDPAddr", l.Addr())
	}

	echoRoundTrip(t, tr, l, l.Addr().String(), client, serverCert, clientCert)
}

func TestWebSocketTransport_StreamEcho(t *testing.T) {
	server, client, serverCert, clientCert := testTLS(t)

	tr := NewWebSocketTransport()
	defer tr.Close()

	l, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: server})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer l.Close()

	if _, ok := l.Addr().(*net.TCPAddr); !ok {
		t.Errorf("Addr() type = %T, want *net.TCPAddr", l.Addr())
	}

	echoRoundTrip(t, tr, l, "wss://"+l.Addr().String()+"/pfd", client, serverCert, clientCert)
}

func TestWebSocketTransport_ConcurrentStreams(t *testing.T) {
	server, client, _, _ := testTLS(t)

	tr := NewWebSocketTransport()
	defer tr.Close()

	l, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: server})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		conn, err := l.Accept(ctx)
		if err != nil {
			return
		}
		for {
			s, err := conn.AcceptStream(ctx)
			if err != nil {
				return
			}
			go func() {
				io.Copy(s, s)
				s.CloseWrite()
			}()
		}
	}()

	conn, err := tr.Dial(ctx, l.Addr().String(), DialOptions{TLSConfig: client})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	const streams = 8
	var wg sync.WaitGroup
	errs := make(chan error, streams)
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := conn.OpenStream(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer s.Close()

			msg := []byte(fmt.Sprintf("stream-%d", i))
			if _, err := s.Write(msg); err != nil {
				errs <- err
				return
			}
			s.CloseWrite()

			s.SetReadDeadline(time.Now().Add(5 * time.Second))
			got, err := io.ReadAll(s)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, msg) {
				errs <- fmt.Errorf("stream %d echoed %q", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestWebSocketConn_DoneAfterClose(t *testing.T) {
	server, client, _, _ := testTLS(t)

	tr := NewWebSocketTransport()
	defer tr.Close()

	l, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: server})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan PeerConn, 1)
	go func() {
		conn, err := l.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := tr.Dial(ctx, l.Addr().String(), DialOptions{TLSConfig: client})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	var serverConn PeerConn
	select {
	case serverConn = <-accepted:
	case <-ctx.Done():
		t.Fatal("timeout waiting for accept")
	}

	conn.Close()

	select {
	case <-serverConn.Done():
	case <-time.After(5 * time.Second):
		t.Error("server side Done() not closed after client Close()")
	}
}

func TestTransport_RequiresTLS(t *testing.T) {
	for _, tr := range []Transport{NewQUICTransport(), NewWebSocketTransport()} {
		t.Run(string(tr.Type()), func(t *testing.T) {
			defer tr.Close()

			if _, err := tr.Listen("127.0.0.1:0", ListenOptions{}); err == nil {
				t.Error("Listen() without TLS config error = nil")
			}
			if _, err := tr.Dial(context.Background(), "127.0.0.1:1", DialOptions{}); err == nil {
				t.Error("Dial() without TLS config error = nil")
			}
		})
	}
}

func TestTransport_Closed(t *testing.T) {
	for _, tr := range []Transport{NewQUICTransport(), NewWebSocketTransport()} {
		t.Run(string(tr.Type()), func(t *testing.T) {
			if err := tr.Close(); err != nil {
				t.Errorf("first Close() error = %v", err)
			}
			if err := tr.Close(); err != nil {
				t.Errorf("second Close() error = %v", err)
			}

			if _, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: &tls.Config{}}); err != ErrTransportClosed {
				t.Errorf("Listen() error = %v, want ErrTransportClosed", err)
			}
			if _, err := tr.Dial(context.Background(), "127.0.0.1:1", DialOptions{TLSConfig: &tls.Config{}}); err != ErrTransportClosed {
				t.Errorf("Dial() error = %v, want ErrTransportClosed", err)
			}
		})
	}
}

func TestWebSocketListener_AcceptAfterClose(t *testing.T) {
	server, _, _, _ := testTLS(t)

	tr := NewWebSocketTransport()
	defer tr.Close()

	l, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: server})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	l.Close()

	if _, err := l.Accept(context.Background()); err != ErrListenerClosed {
		t.Errorf("Accept() error = %v, want ErrListenerClosed", err)
	}
}

func TestTransport_CloseStopsListeners(t *testing.T) {
	server, _, _, _ := testTLS(t)

	for _, tr := range []Transport{NewQUICTransport(), NewWebSocketTransport()} {
		t.Run(string(tr.Type()), func(t *testing.T) {
			l, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: server})
			if err != nil {
				t.Fatalf("Listen() error = %v", err)
			}
			if err := tr.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := l.Accept(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("Accept() after transport Close error = %v", err)
			}
			if err := l.Close(); err != nil {
				t.Errorf("listener Close() after transport Close error = %v", err)
			}
		})
	}
}

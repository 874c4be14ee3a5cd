package tcp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"github.com/WebFirstLanguage/ouroboros/pkg/transport"
)

func TestTCPTransport_Name(t *testing.T) {
	tr := New()
	if tr.Name() != "tcp" {
		t.Errorf("Expected transport name 'tcp', got '%s'", tr.Name())
	}
	if tr.DefaultPort() != constants.DefaultPort {
		t.Errorf("Expected default port %d, got %d", constants.DefaultPort, tr.DefaultPort())
	}
}

func TestTCPTransport_Listen(t *testing.T) {
	server, _, err := transport.SelfSignedTLS()
	if err != nil {
		t.Fatalf("Failed to create TLS config: %v", err)
	}

	listener, err := New().Listen(context.Background(), "127.0.0.1:0", server)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	if _, ok := listener.Addr().(*net.TCPAddr); !ok {
		t.Errorf("Expected TCP address, got %T", listener.Addr())
	}
}

func TestTCPTransport_AcceptAndCommunicate(t *testing.T) {
	tr := New()
	ctx := context.Background()
	server, client, err := transport.SelfSignedTLS()
	if err != nil {
		t.Fatalf("Failed to create TLS config: %v", err)
	}

	listener, err := tr.Listen(ctx, "127.0.0.1:0", server)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan transport.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	clientConn, err := tr.Dial(ctx, listener.Addr().String(), client)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer clientConn.Close()

	var serverConn transport.Conn
	select {
	case serverConn = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Failed to accept: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for accept")
	}
	defer serverConn.Close()

	state := clientConn.ConnectionState()
	if !state.HandshakeComplete {
		t.Error("Expected TLS handshake to be complete")
	}
	if state.NegotiatedProtocol != constants.ALPN {
		t.Errorf("Expected negotiated protocol '%s', got '%s'", constants.ALPN, state.NegotiatedProtocol)
	}

	testData := []byte("Hello, PyOuroboros!")
	if _, err := clientConn.Write(testData); err != nil {
		t.Fatalf("Client write failed: %v", err)
	}

	readBuf := make([]byte, len(testData))
	if _, err := io.ReadFull(serverConn, readBuf); err != nil {
		t.Fatalf("Server read failed: %v", err)
	}
	if string(readBuf) != string(testData) {
		t.Errorf("Expected to read '%s', got '%s'", testData, readBuf)
	}
}

func TestTCPTransport_AcceptCancellation(t *testing.T) {
	server, _, err := transport.SelfSignedTLS()
	if err != nil {
		t.Fatalf("Failed to create TLS config: %v", err)
	}

	listener, err := New().Listen(context.Background(), "127.0.0.1:0", server)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := listener.Accept(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Accept did not return after cancellation")
	}
}

func TestTCPTransport_ContextCancellation(t *testing.T) {
	tr := New()
	server, client, err := transport.SelfSignedTLS()
	if err != nil {
		t.Fatalf("Failed to create TLS config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tr.Listen(ctx, "127.0.0.1:0", server); err == nil {
		t.Error("Expected listen to fail with cancelled context")
	}
	if _, err := tr.Dial(ctx, "127.0.0.1:12345", client); err == nil {
		t.Error("Expected dial to fail with cancelled context")
	}
}

func TestTCPTransport_InvalidAddress(t *testing.T) {
	tr := New()
	ctx := context.Background()

	if _, err := tr.Listen(ctx, "invalid:address", nil); err == nil {
		t.Error("Expected listen to fail with invalid address")
	}
	if _, err := tr.Dial(ctx, "invalid:address", transport.InsecureClientTLS()); err == nil {
		t.Error("Expected dial to fail with invalid address")
	}
}

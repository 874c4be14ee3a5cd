package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
)

// MockTransport implements Transport for testing
type MockTransport struct {
	name        string
	defaultPort int
}

func (m *MockTransport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error) {
	return nil, net.ErrClosed
}

func (m *MockTransport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error) {
	return nil, net.ErrClosed
}

func (m *MockTransport) Name() string {
	return m.name
}

func (m *MockTransport) DefaultPort() int {
	return m.defaultPort
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if len(config.ALPNProtocols) != 1 || config.ALPNProtocols[0] != constants.ALPN {
		t.Errorf("Expected ALPN protocols [%s], got %v", constants.ALPN, config.ALPNProtocols)
	}
	if config.ConnectTimeout <= 0 {
		t.Error("Expected positive connect timeout")
	}
	if config.MaxIdleTimeout <= config.KeepAlive {
		t.Error("Expected idle timeout above keepalive period")
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	if len(registry.List()) != 0 {
		t.Error("Expected empty registry")
	}

	registry.Register(&MockTransport{name: "tcp", defaultPort: 1})
	registry.Register(&MockTransport{name: "quic", defaultPort: 2})

	names := registry.List()
	if len(names) != 2 || names[0] != "quic" || names[1] != "tcp" {
		t.Errorf("Expected [quic tcp], got %v", names)
	}

	tr, ok := registry.Get("tcp")
	if !ok {
		t.Fatal("Expected to find tcp transport")
	}
	if tr.DefaultPort() != 1 {
		t.Errorf("Expected port 1, got %d", tr.DefaultPort())
	}

	if _, err := registry.Lookup("sctp"); err == nil {
		t.Error("Expected error for unknown transport")
	}
	if _, err := registry.Lookup("quic"); err != nil {
		t.Errorf("Lookup failed: %v", err)
	}
}

func TestPrepareTLS(t *testing.T) {
	cfg := PrepareTLS(nil)
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("Expected TLS 1.3 floor, got %x", cfg.MinVersion)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != constants.ALPN {
		t.Errorf("Expected ALPN %s, got %v", constants.ALPN, cfg.NextProtos)
	}

	orig := &tls.Config{NextProtos: []string{"custom"}}
	cfg = PrepareTLS(orig)
	if cfg.NextProtos[0] != "custom" {
		t.Error("Expected caller ALPN to be kept")
	}
	if orig.MinVersion != 0 {
		t.Error("PrepareTLS must not modify its argument")
	}
}

func TestSelfSignedTLS(t *testing.T) {
	server, client, err := SelfSignedTLS()
	if err != nil {
		t.Fatalf("SelfSignedTLS failed: %v", err)
	}

	if len(server.Certificates) != 1 {
		t.Fatalf("Expected one server certificate, got %d", len(server.Certificates))
	}
	leaf := server.Certificates[0].Leaf

	for _, host := range []string{"localhost", "127.0.0.1"} {
		_, err := leaf.Verify(x509.VerifyOptions{
			DNSName: host,
			Roots:   client.RootCAs,
		})
		if err != nil {
			t.Errorf("Certificate does not verify for %s: %v", host, err)
		}
	}

	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "example.com", Roots: client.RootCAs}); err == nil {
		t.Error("Expected verification to fail for a host not in the certificate")
	}
}

func TestInsecureClientTLS(t *testing.T) {
	cfg := InsecureClientTLS()
	if !cfg.InsecureSkipVerify {
		t.Error("Expected InsecureSkipVerify")
	}
	if cfg.NextProtos[0] != constants.ALPN {
		t.Errorf("Expected ALPN %s, got %v", constants.ALPN, cfg.NextProtos)
	}
}

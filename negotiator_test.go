package http2

import (
	"io"
	"net"
	"strings"
	"testing"
)

func TestDeriveServerName(t *testing.T) {
	tests := []struct {
		authority string
		want      string
	}{
		{"example.com:50051", "example.com"},
		{"example.com", "example.com"},
		{"[::1]:443", "::1"},
		{"weird/host/form", "weird/host/form"},
	}

	for _, tc := range tests {
		if got := deriveServerName(tc.authority); got != tc.want {
			t.Errorf("deriveServerName(%q) = %q, want %q", tc.authority, got, tc.want)
		}
	}
}

func TestPlaintextNegotiator(t *testing.T) {
	n := PlaintextNegotiator()
	if n.Scheme() != "http" {
		t.Fatalf("scheme = %q, want http", n.Scheme())
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c, err := n.Negotiate(a, "example.com:80")
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Fatal("plaintext negotiation replaced the connection")
	}
}

func TestUpgradeNegotiator(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	serverErr := make(chan error, 1)
	go func() {
		defer close(serverErr)

		buf := make([]byte, 4096)
		n, err := b.Read(buf)
		if err != nil {
			serverErr <- err
			return
		}

		req := string(buf[:n])
		for _, want := range []string{"Upgrade: h2c", "HTTP2-Settings: ", "Host: example.com:80"} {
			if !strings.Contains(req, want) {
				serverErr <- io.ErrUnexpectedEOF
				return
			}
		}

		resp := "HTTP/1.1 101 Switching Protocols\r\n" +
			"Connection: Upgrade\r\n" +
			"Upgrade: h2c\r\n" +
			"\r\n"
		if _, err := io.WriteString(b, resp); err != nil {
			serverErr <- err
		}
	}()

	c, err := UpgradeNegotiator().Negotiate(a, "example.com:80")
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Fatal("upgrade negotiation replaced the connection")
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server side: %s", err)
	}
}

func TestUpgradeNegotiatorRefused(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		buf := make([]byte, 4096)
		_, _ = b.Read(buf)
		_, _ = io.WriteString(b, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	}()

	if _, err := UpgradeNegotiator().Negotiate(a, "example.com:80"); err != ErrServerSupport {
		t.Fatalf("err = %v, want ErrServerSupport", err)
	}
}

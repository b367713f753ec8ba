package http2

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
)

// Negotiator brings an established TCP connection to the point where
// HTTP/2 frames can flow: directly for cleartext, via a TLS+ALPN
// handshake, or via an HTTP/1.1 Upgrade exchange. The connection
// preface and initial SETTINGS are written by the transport once the
// negotiator returns.
type Negotiator interface {
	// Scheme is the value of the :scheme pseudo-header for requests
	// sent over connections this negotiator produced.
	Scheme() string

	// Negotiate transforms c. On error the caller owns closing c.
	Negotiate(c net.Conn, authority string) (net.Conn, error)
}

// PlaintextNegotiator returns a Negotiator for prior-knowledge
// cleartext HTTP/2.
func PlaintextNegotiator() Negotiator {
	return plaintextNegotiator{}
}

type plaintextNegotiator struct{}

func (plaintextNegotiator) Scheme() string { return "http" }

func (plaintextNegotiator) Negotiate(c net.Conn, _ string) (net.Conn, error) {
	return c, nil
}

// TLSNegotiator returns a Negotiator that runs a TLS handshake and
// requires "h2" to come out of ALPN. A nil config gets TLS 1.2+
// defaults. The verification/SNI name is derived from the authority
// unless the config pins its own ServerName.
func TLSNegotiator(config *tls.Config) Negotiator {
	return &tlsNegotiator{config: config}
}

type tlsNegotiator struct {
	config *tls.Config
}

func (tn *tlsNegotiator) Scheme() string { return "https" }

func (tn *tlsNegotiator) Negotiate(c net.Conn, authority string) (net.Conn, error) {
	config := tn.config
	if config == nil {
		config = &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		}
	} else {
		config = config.Clone()
	}

	if len(config.ServerName) == 0 {
		config.ServerName = deriveServerName(authority)
	}

	if !hasH2Proto(config.NextProtos) {
		config.NextProtos = append(config.NextProtos, H2TLSProto)
	}

	tlsConn := tls.Client(c, config)

	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}

	if tlsConn.ConnectionState().NegotiatedProtocol != H2TLSProto {
		return nil, ErrServerSupport
	}

	return tlsConn, nil
}

func hasH2Proto(protos []string) bool {
	for _, proto := range protos {
		if proto == H2TLSProto {
			return true
		}
	}

	return false
}

// deriveServerName extracts the host from an authority of the form
// "host:port", falling back to the raw string for unusual host forms.
func deriveServerName(authority string) string {
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		return authority
	}

	return host
}

// UpgradeNegotiator returns a Negotiator that performs the cleartext
// HTTP/1.1 Upgrade exchange (RFC 7540 section 3.2). The upgrade
// request itself occupies stream 1; client streams start at 3 either
// way, so nothing else changes.
func UpgradeNegotiator() Negotiator {
	return upgradeNegotiator{}
}

type upgradeNegotiator struct{}

func (upgradeNegotiator) Scheme() string { return "http" }

func (upgradeNegotiator) Negotiate(c net.Conn, authority string) (net.Conn, error) {
	st := AcquireFrame(FrameSettings).(*Settings)
	st.Encode()
	settings := base64.RawURLEncoding.EncodeToString(st.rawSettings)
	ReleaseFrame(st)

	req := fmt.Sprintf(
		"OPTIONS * HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"Connection: Upgrade, HTTP2-Settings\r\n"+
			"Upgrade: %s\r\n"+
			"HTTP2-Settings: %s\r\n"+
			"\r\n",
		authority, H2Clean, settings)

	if _, err := io.WriteString(c, req); err != nil {
		return nil, err
	}

	status, err := readUpgradeResponse(c)
	if err != nil {
		return nil, err
	}
	if status != 101 {
		return nil, ErrServerSupport
	}

	return c, nil
}

// readUpgradeResponse reads the HTTP/1.1 response head byte by byte so
// no frame bytes beyond the blank line are consumed.
func readUpgradeResponse(c net.Conn) (int, error) {
	var (
		head  []byte
		one   [1]byte
		blank = []byte("\r\n\r\n")
	)

	for len(head) < 4 || string(head[len(head)-4:]) != string(blank) {
		if len(head) > 4096 {
			return 0, ErrServerSupport
		}

		if _, err := c.Read(one[:]); err != nil {
			return 0, err
		}

		head = append(head, one[0])
	}

	var proto string
	var status int
	if _, err := fmt.Sscanf(string(head), "%s %d", &proto, &status); err != nil {
		return 0, ErrServerSupport
	}

	return status, nil
}

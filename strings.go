package http2

var (
	StringPath      = []byte(":path")
	StringStatus    = []byte(":status")
	StringAuthority = []byte(":authority")
	StringScheme    = []byte(":scheme")
	StringMethod    = []byte(":method")
	StringPOST      = []byte("POST")
	StringHTTP      = []byte("http")
	StringHTTPS     = []byte("https")
)

func ToLower(b []byte) []byte {
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] |= 32
		}
	}

	return b
}

const (
	// H2TLSProto is the string used in ALPN-TLS negotiation.
	H2TLSProto = "h2"
	// H2Clean is the string used in HTTP headers by the client to upgrade the connection.
	H2Clean = "h2c"
)

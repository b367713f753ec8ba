package http2

import (
	"bufio"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// http2Preface opens every connection, directly followed by our
// SETTINGS frame.
var http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// transportState is the connection lifecycle.
type transportState int8

const (
	StateNew transportState = iota
	StateConnecting
	StateReady
	StateGoingAway
	StateTerminated
)

func (ts transportState) String() string {
	switch ts {
	case StateNew:
		return "New"
	case StateConnecting:
		return "Connecting"
	case StateReady:
		return "Ready"
	case StateGoingAway:
		return "GoingAway"
	case StateTerminated:
		return "Terminated"
	}

	return "IDK"
}

// TransportListener observes the transport lifecycle.
//
// TransportShutdown is delivered exactly once, strictly before
// TransportTerminated. TransportReady fires when the peer's first
// SETTINGS frame arrives.
type TransportListener interface {
	TransportReady()
	TransportShutdown(st *status.Status)
	TransportTerminated()
}

type noopTransportListener struct{}

func (noopTransportListener) TransportReady()                   {}
func (noopTransportListener) TransportShutdown(*status.Status) {}
func (noopTransportListener) TransportTerminated()              {}

// Options defines the transport options. Zero values pick the
// defaults noted on each field.
type Options struct {
	// Authority is the :authority for requests on this connection.
	// Defaults to the dialed address.
	Authority string

	// Negotiator brings the raw socket to HTTP/2-ready.
	// Defaults to PlaintextNegotiator.
	Negotiator Negotiator

	// InitialWindowSize is our advertised per-stream receive window.
	// Defaults to 65,535.
	InitialWindowSize uint32

	// MaxConcurrentStreams caps concurrently active streams until the
	// peer's SETTINGS says otherwise. Defaults to 100.
	MaxConcurrentStreams uint32

	// MaxMessageSize bounds the bytes buffered from the peer per
	// stream. Defaults to 4 MiB; negative disables the bound.
	MaxMessageSize int

	// MaxHeaderListSize is advertised to the peer and enforced on
	// decoded response headers. 0 means no limit.
	MaxHeaderListSize uint32

	// KeepaliveInterval makes the transport ping the server on a
	// ticker and tear the connection down after three unanswered
	// pings. 0 disables keepalive.
	KeepaliveInterval time.Duration

	// DialTimeout bounds the TCP connect. 0 means no timeout.
	DialTimeout time.Duration

	// Logger receives the transport's diagnostic noise.
	// Defaults to log.Default().
	Logger *log.Logger
}

const defaultMaxMessageSize = 4 << 20

// Transport is a client-side HTTP/2 connection to a single server
// endpoint, multiplexing calls as streams. It is single-use: once
// terminated it cannot be restarted.
type Transport struct {
	addr      string
	authority string
	scheme    string
	opts      Options
	logger    *log.Logger

	negotiator Negotiator
	listener   TransportListener

	wq   *writeQueue
	flow *outboundFlow

	// enc is owned by the writer goroutine, dec by the reader.
	enc *HPACK
	dec *HPACK

	mu sync.Mutex

	state         transportState
	localShutdown bool
	startedGoAway bool
	goAway        bool
	goAwayStatus  *status.Status
	stopped       bool

	nextStreamID         uint32
	maxConcurrentStreams uint32
	streams              map[uint32]*Stream
	pending              []*Stream

	pings pingTracker

	seenSettings bool
	connUnacked  int

	// assembly is only touched by the reader goroutine
	assembly headerAssembly

	c net.Conn

	stopOnce sync.Once
	stopCh   chan struct{}

	keepaliveMu      sync.Mutex
	unackedKeepalive int
}

// NewTransport creates a transport for the given "host:port" address.
// Nothing touches the network until Start.
func NewTransport(addr string, opts Options) *Transport {
	if opts.Negotiator == nil {
		opts.Negotiator = PlaintextNegotiator()
	}
	if opts.Authority == "" {
		opts.Authority = addr
	}
	if opts.InitialWindowSize == 0 {
		opts.InitialWindowSize = defaultWindowSize
	}
	if opts.MaxConcurrentStreams == 0 {
		opts.MaxConcurrentStreams = defaultConcurrentStreams
	}
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	t := &Transport{
		addr:                 addr,
		authority:            opts.Authority,
		scheme:               opts.Negotiator.Scheme(),
		opts:                 opts,
		logger:               opts.Logger,
		negotiator:           opts.Negotiator,
		listener:             noopTransportListener{},
		enc:                  AcquireHPACK(),
		dec:                  AcquireHPACK(),
		state:                StateNew,
		nextStreamID:         firstStreamID,
		maxConcurrentStreams: opts.MaxConcurrentStreams,
		streams:              make(map[uint32]*Stream),
		stopCh:               make(chan struct{}),
	}

	t.wq = newWriteQueue(t.onWriteError)
	t.flow = newOutboundFlow(t.wq)

	return t
}

// Start begins the asynchronous connect. One-shot.
func (t *Transport) Start(listener TransportListener) error {
	if listener == nil {
		listener = noopTransportListener{}
	}

	t.mu.Lock()
	if t.state != StateNew {
		t.mu.Unlock()
		return errors.New("transport already started")
	}
	t.state = StateConnecting
	t.listener = listener
	t.mu.Unlock()

	go t.connect()

	return nil
}

// NewStream opens a call. It returns immediately: admission,
// id assignment and HEADERS emission run on the writer so they observe
// connection readiness and wire ordering. Any ":authority" entry in md
// overrides the transport authority and is stripped from the metadata.
// A rejected stream reports its status through the listener.
func (t *Transport) NewStream(method *Method, md []HeaderField, listener StreamListener) *Stream {
	if listener == nil {
		listener = noopStreamListener{}
	}

	strm := &Stream{
		t:         t,
		method:    method,
		listener:  listener,
		authority: t.authority,
	}

	for i := range md {
		if string(md[i].KeyBytes()) == string(StringAuthority) {
			strm.authority = md[i].Value()
			continue
		}

		var hf HeaderField
		md[i].CopyTo(&hf)
		strm.metadata = append(strm.metadata, hf)
	}

	t.enqueueCreate(strm)

	return strm
}

// Ping measures a round trip to the server. At most one PING is in
// flight; concurrent callers share it and observe the same sample.
func (t *Transport) Ping(cb PingCallback) {
	if cb == nil {
		cb = func(time.Duration, error) {}
	}

	t.mu.Lock()
	if t.startedGoAway || t.stopped {
		st := t.goAwayStatus
		t.mu.Unlock()

		if st == nil {
			st = status.New(codes.Unavailable, "Connection closed")
		}
		cb(0, st.Err())

		return
	}

	if t.pings.attach(cb) {
		t.mu.Unlock()
		return
	}

	rec := t.pings.begin(cb)
	t.mu.Unlock()

	t.writePing(false, rec.payload)
}

func (t *Transport) writePing(ack bool, payload uint64) {
	fr := AcquireFrameHeader()

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetPayload(payload)
	ping.SetAck(ack)
	fr.SetBody(ping)

	t.wq.enqueueFrame(fr, true)
}

// Shutdown starts the graceful teardown: GOAWAY goes to the peer,
// new streams are refused, active streams run to completion, and the
// connection closes once the last one finishes. Idempotent.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	if t.localShutdown || t.startedGoAway {
		t.mu.Unlock()
		return
	}
	t.localShutdown = true
	t.mu.Unlock()

	t.writeGoAway(0, NoError, nil)

	// lastKnownStreamId = max keeps every live stream alive until it
	// completes naturally.
	t.startGoAway(maxStreamID, status.New(codes.Unavailable, "Transport stopped"))
}

func (t *Transport) writeGoAway(lastID uint32, code ErrorCode, debug []byte) <-chan error {
	fr := AcquireFrameHeader()

	ga := AcquireFrame(FrameGoAway).(*GoAway)
	ga.SetStream(lastID)
	ga.SetCode(code)
	if len(debug) > 0 {
		ga.SetData(debug)
	}
	fr.SetBody(ga)

	return t.wq.enqueueFrame(fr, true)
}

func (t *Transport) connect() {
	var d net.Dialer
	d.Timeout = t.opts.DialTimeout

	c, err := d.Dial("tcp", t.addr)
	if err != nil {
		t.connectFailed(status.Newf(codes.Unavailable, "connection error: %s", err))
		return
	}

	nc, err := t.negotiator.Negotiate(c, t.authority)
	if err != nil {
		_ = c.Close()
		t.connectFailed(status.Newf(codes.Unavailable, "negotiation failed: %s", err))
		return
	}

	t.mu.Lock()
	if t.startedGoAway {
		// shutdown raced the connect; the socket is ours to close
		t.mu.Unlock()
		_ = nc.Close()
		t.terminated()
		return
	}
	t.c = nc
	t.mu.Unlock()

	bw := bufio.NewWriterSize(nc, 4096)

	if err := t.handshake(bw); err != nil {
		t.connectFailed(status.Newf(codes.Unavailable, "handshake failed: %s", err))
		return
	}

	t.wq.bind(bw)

	go t.readLoop()

	if t.opts.KeepaliveInterval > 0 {
		go t.keepaliveLoop()
	}
}

func (t *Transport) connectFailed(st *status.Status) {
	t.startGoAway(0, st)
	t.terminated()
}

// handshake writes the connection preface and our SETTINGS. Runs
// before the write queue is bound, so the direct writes cannot race
// the writer goroutine.
func (t *Transport) handshake(bw *bufio.Writer) error {
	if _, err := bw.Write(http2Preface); err != nil {
		return err
	}

	st := AcquireFrame(FrameSettings).(*Settings)
	st.SetPush(false)
	if t.opts.InitialWindowSize != defaultWindowSize {
		st.SetMaxWindowSize(t.opts.InitialWindowSize)
	}
	if t.opts.MaxHeaderListSize > 0 {
		st.SetMaxHeaderListSize(t.opts.MaxHeaderListSize)
	}

	fr := AcquireFrameHeader()
	fr.SetBody(st)

	_, err := fr.WriteTo(bw)
	ReleaseFrameHeader(fr)

	if err == nil {
		err = bw.Flush()
	}

	return err
}

// startGoAway moves the transport into the going-away state:
// TransportShutdown fires exactly once, streams above lastKnownStreamID
// and everything still pending fail UNAVAILABLE with st's message, and
// the connection closes once no active stream remains.
func (t *Transport) startGoAway(lastKnownStreamID uint32, st *status.Status) {
	t.mu.Lock()
	if t.startedGoAway {
		t.mu.Unlock()
		return
	}
	t.startedGoAway = true
	t.goAwayStatus = st
	t.mu.Unlock()

	t.listener.TransportShutdown(st)

	t.mu.Lock()
	t.goAway = true
	if t.state != StateTerminated {
		t.state = StateGoingAway
	}

	var victims []*Stream
	for id, strm := range t.streams {
		if id > lastKnownStreamID {
			delete(t.streams, id)
			victims = append(victims, strm)
		}
	}

	parked := t.pending
	t.pending = nil

	ping := t.pings.detach()
	t.mu.Unlock()

	if ping != nil {
		ping.fail(st.Err())
	}

	// Streams the peer never acted on are safely retryable elsewhere,
	// so they fail UNAVAILABLE no matter what the go-away code mapped to.
	victimSt := st
	if st.Code() != codes.Unavailable {
		victimSt = status.New(codes.Unavailable, st.Message())
	}

	for _, strm := range victims {
		t.closeRemoved(strm, victimSt)
	}
	for _, strm := range parked {
		t.closeRemoved(strm, victimSt)
	}

	t.stopIfNecessary()
}

// closeRemoved reports st on a stream already taken out of the
// registry during go-away.
func (t *Transport) closeRemoved(strm *Stream, st *status.Status) {
	t.mu.Lock()
	if strm.status != nil {
		t.mu.Unlock()
		return
	}
	strm.status = st
	t.mu.Unlock()

	strm.listener.OnClose(st)

	t.mu.Lock()
	strm.releaseRecvBuf()
	t.mu.Unlock()
}

// stopIfNecessary closes the connection once the transport is going
// away and the last active stream is gone. The close rides the write
// queue so every frame already enqueued (GOAWAY included) reaches the
// wire first; closing the socket unblocks the reader, whose exit emits
// TransportTerminated.
func (t *Transport) stopIfNecessary() {
	t.mu.Lock()
	if !t.startedGoAway || len(t.streams) != 0 || t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	t.wq.enqueueRun(func(bw *bufio.Writer) error {
		_ = bw.Flush()

		t.mu.Lock()
		c := t.c
		t.mu.Unlock()

		if c != nil {
			_ = c.Close()
		}

		return nil
	}, false)
}

// onWriteError is the write queue's failure channel.
func (t *Transport) onWriteError(err error) {
	t.onException(err)
}

// onException tears the transport down after an unrecoverable I/O or
// protocol failure.
func (t *Transport) onException(err error) {
	t.startGoAway(0, status.Newf(codes.Unavailable, "transport failure: %s", err))
}

// terminated is the last transition. Called from the reader's exit
// path, or directly when the reader never started.
func (t *Transport) terminated() {
	t.mu.Lock()
	if t.state == StateTerminated {
		t.mu.Unlock()
		return
	}
	t.state = StateTerminated
	c := t.c
	ping := t.pings.detach()
	st := t.goAwayStatus
	t.mu.Unlock()

	t.wq.close()
	if c != nil {
		_ = c.Close()
	}

	if ping != nil {
		if st == nil {
			st = status.New(codes.Unavailable, "Connection closed")
		}
		ping.fail(st.Err())
	}

	t.stopOnce.Do(func() { close(t.stopCh) })

	t.listener.TransportTerminated()
}

func (t *Transport) keepaliveLoop() {
	interval := t.opts.KeepaliveInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
		}

		t.keepaliveMu.Lock()
		t.unackedKeepalive++
		expired := t.unackedKeepalive > keepaliveMaxUnacked
		t.keepaliveMu.Unlock()

		if expired {
			t.onException(ErrTimeout)
			return
		}

		t.Ping(func(time.Duration, error) {
			t.keepaliveMu.Lock()
			t.unackedKeepalive = 0
			t.keepaliveMu.Unlock()
		})
	}
}

package http2

import (
	"bufio"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const testWait = 3 * time.Second

// peerConn drives the server side of a transport under test with the
// same frame codec.
type peerConn struct {
	t  *testing.T
	c  net.Conn
	br *bufio.Reader
	bw *bufio.Writer

	enc *HPACK
	dec *HPACK
}

func newPeerConn(t *testing.T, c net.Conn) *peerConn {
	return &peerConn{
		t:   t,
		c:   c,
		br:  bufio.NewReaderSize(c, 4096),
		bw:  bufio.NewWriterSize(c, 4096),
		enc: AcquireHPACK(),
		dec: AcquireHPACK(),
	}
}

func (p *peerConn) handshake(configure func(*Settings)) {
	p.t.Helper()

	preface := make([]byte, len(http2Preface))
	if _, err := io.ReadFull(p.br, preface); err != nil {
		p.t.Fatalf("reading preface: %s", err)
	}
	if string(preface) != string(http2Preface) {
		p.t.Fatalf("bad preface %q", preface)
	}

	fr := p.nextFrame()
	if fr.Type() != FrameSettings {
		p.t.Fatalf("expected client settings, got %s", fr.Type())
	}
	ReleaseFrameHeader(fr)

	st := AcquireFrame(FrameSettings).(*Settings)
	st.SetMaxConcurrentStreams(100)
	st.SetMaxWindowSize(65535)
	if configure != nil {
		configure(st)
	}

	p.writeFrame(0, st)
}

func (p *peerConn) writeFrame(stream uint32, body Frame) {
	p.t.Helper()

	fr := AcquireFrameHeader()
	fr.SetStream(stream)
	fr.SetBody(body)

	if _, err := fr.WriteTo(p.bw); err != nil {
		p.t.Fatalf("writing %s: %s", body.Type(), err)
	}
	if err := p.bw.Flush(); err != nil {
		p.t.Fatalf("flushing %s: %s", body.Type(), err)
	}

	ReleaseFrameHeader(fr)
}

func (p *peerConn) nextFrame() *FrameHeader {
	p.t.Helper()

	_ = p.c.SetReadDeadline(time.Now().Add(testWait))

	fr, err := ReadFrameFrom(p.br)
	if err != nil {
		p.t.Fatalf("reading frame: %s", err)
	}

	return fr
}

// expectFrame returns the next frame of the wanted type, skipping
// SETTINGS acks the client emits on its own schedule.
func (p *peerConn) expectFrame(kind FrameType) *FrameHeader {
	p.t.Helper()

	for {
		fr := p.nextFrame()

		if fr.Type() == FrameSettings && fr.Flags().Has(FlagAck) && kind != FrameSettings {
			ReleaseFrameHeader(fr)
			continue
		}

		if fr.Type() != kind {
			p.t.Fatalf("expected %s, got %s", kind, fr.Type())
		}

		return fr
	}
}

// expectNothing asserts that no frame beyond SETTINGS acks arrives
// within d.
func (p *peerConn) expectNothing(d time.Duration) {
	p.t.Helper()

	deadline := time.Now().Add(d)
	for {
		_ = p.c.SetReadDeadline(deadline)

		fr, err := ReadFrameFrom(p.br)
		if err != nil {
			_ = p.c.SetReadDeadline(time.Time{})

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			p.t.Fatalf("expectNothing: %s", err)
		}

		if fr.Type() == FrameSettings && fr.Flags().Has(FlagAck) {
			ReleaseFrameHeader(fr)
			continue
		}

		p.t.Fatalf("expected silence, got %s frame", fr.Type())
	}
}

func (p *peerConn) decodeBlock(block []byte) map[string]string {
	p.t.Helper()

	hdrs := make(map[string]string)
	err := p.dec.Decode(block, func(hf *HeaderField) {
		hdrs[hf.Key()] = hf.Value()
	})
	if err != nil {
		p.t.Fatalf("decoding headers: %s", err)
	}

	return hdrs
}

// writeHeaders sends a minimal response header block (":status 200").
func (p *peerConn) writeHeaders(stream uint32, endStream bool) {
	p.t.Helper()

	h := AcquireFrame(FrameHeaders).(*Headers)

	hf := AcquireHeaderField()
	hf.SetBytes(StringStatus, []byte("200"))
	p.enc.AppendHeaderField(h, hf, true)
	ReleaseHeaderField(hf)

	h.SetEndHeaders(true)
	h.SetEndStream(endStream)

	p.writeFrame(stream, h)
}

func (p *peerConn) writeData(stream uint32, b []byte, endStream bool) {
	p.t.Helper()

	data := AcquireFrame(FrameData).(*Data)
	data.SetData(b)
	data.SetEndStream(endStream)

	p.writeFrame(stream, data)
}

func (p *peerConn) writeRst(stream uint32, code ErrorCode) {
	rst := AcquireFrame(FrameResetStream).(*RstStream)
	rst.SetCode(code)
	p.writeFrame(stream, rst)
}

func (p *peerConn) close() {
	ReleaseHPACK(p.enc)
	ReleaseHPACK(p.dec)
	_ = p.c.Close()
}

// lifecycleRecorder observes the TransportListener callbacks and their
// ordering.
type lifecycleRecorder struct {
	ready      chan struct{}
	shutdown   chan *status.Status
	terminated chan struct{}

	shutdownCount   int32
	terminatedCount int32
	orderViolated   int32
}

func newLifecycleRecorder() *lifecycleRecorder {
	return &lifecycleRecorder{
		ready:      make(chan struct{}),
		shutdown:   make(chan *status.Status, 1),
		terminated: make(chan struct{}),
	}
}

func (lr *lifecycleRecorder) TransportReady() {
	close(lr.ready)
}

func (lr *lifecycleRecorder) TransportShutdown(st *status.Status) {
	if atomic.AddInt32(&lr.shutdownCount, 1) == 1 {
		lr.shutdown <- st
	}
}

func (lr *lifecycleRecorder) TransportTerminated() {
	if atomic.LoadInt32(&lr.shutdownCount) == 0 {
		atomic.StoreInt32(&lr.orderViolated, 1)
	}
	if atomic.AddInt32(&lr.terminatedCount, 1) == 1 {
		close(lr.terminated)
	}
}

func (lr *lifecycleRecorder) check(t *testing.T) {
	t.Helper()

	if n := atomic.LoadInt32(&lr.shutdownCount); n != 1 {
		t.Errorf("TransportShutdown delivered %d times, want 1", n)
	}
	if n := atomic.LoadInt32(&lr.terminatedCount); n != 1 {
		t.Errorf("TransportTerminated delivered %d times, want 1", n)
	}
	if atomic.LoadInt32(&lr.orderViolated) != 0 {
		t.Error("TransportTerminated fired before TransportShutdown")
	}
}

// streamRecorder observes one stream's inbound callbacks.
type streamRecorder struct {
	hdrs   chan map[string]string
	data   chan []byte
	closed chan *status.Status
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{
		hdrs:   make(chan map[string]string, 4),
		data:   make(chan []byte, 8),
		closed: make(chan *status.Status, 1),
	}
}

func (sr *streamRecorder) OnHeaders(hdrs []HeaderField, endStream bool) {
	m := make(map[string]string, len(hdrs))
	for i := range hdrs {
		m[hdrs[i].Key()] = hdrs[i].Value()
	}
	sr.hdrs <- m
}

func (sr *streamRecorder) OnData(b []byte, endStream bool) {
	sr.data <- append([]byte(nil), b...)
}

func (sr *streamRecorder) OnClose(st *status.Status) {
	sr.closed <- st
}

func waitStatus(t *testing.T, ch chan *status.Status) *status.Status {
	t.Helper()

	select {
	case st := <-ch:
		return st
	case <-time.After(testWait):
		t.Fatal("timed out waiting for status")
		return nil
	}
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(testWait):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// startTransport spins up a loopback server, connects a transport to
// it, runs the handshake and waits for TransportReady.
func startTransport(t *testing.T, opts Options, configure func(*Settings)) (*Transport, *peerConn, *lifecycleRecorder) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	connCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		connCh <- c
	}()

	tr := NewTransport(ln.Addr().String(), opts)
	lr := newLifecycleRecorder()
	if err := tr.Start(lr); err != nil {
		t.Fatalf("start: %s", err)
	}

	var c net.Conn
	select {
	case c = <-connCh:
	case <-time.After(testWait):
		t.Fatal("timed out waiting for connection")
	}

	p := newPeerConn(t, c)
	t.Cleanup(p.close)

	p.handshake(configure)
	waitSignal(t, lr.ready, "TransportReady")

	return tr, p, lr
}

func TestTransportHappyUnary(t *testing.T) {
	tr, p, lr := startTransport(t, Options{}, nil)

	rec := newStreamRecorder()
	strm := tr.NewStream(&Method{FullName: "svc/M"}, nil, rec)

	if err := strm.Write([]byte("hello"), true); err != nil {
		t.Fatalf("write: %s", err)
	}

	fr := p.expectFrame(FrameHeaders)
	if fr.Stream() != 3 {
		t.Fatalf("first stream id = %d, want 3", fr.Stream())
	}
	h := fr.Body().(*Headers)
	if !h.EndHeaders() || h.EndStream() {
		t.Fatalf("unexpected HEADERS flags: endHeaders=%v endStream=%v", h.EndHeaders(), h.EndStream())
	}
	hdrs := p.decodeBlock(h.Headers())
	ReleaseFrameHeader(fr)

	if hdrs[":path"] != "/svc/M" {
		t.Errorf(":path = %q, want %q", hdrs[":path"], "/svc/M")
	}
	if hdrs[":method"] != "POST" {
		t.Errorf(":method = %q, want POST", hdrs[":method"])
	}
	if hdrs[":scheme"] != "http" {
		t.Errorf(":scheme = %q, want http", hdrs[":scheme"])
	}
	if hdrs[":authority"] != tr.authority {
		t.Errorf(":authority = %q, want %q", hdrs[":authority"], tr.authority)
	}

	fr = p.expectFrame(FrameData)
	data := fr.Body().(*Data)
	if fr.Stream() != 3 || data.Len() != 5 || !data.EndStream() {
		t.Fatalf("DATA stream=%d len=%d end=%v, want 3/5/true", fr.Stream(), data.Len(), data.EndStream())
	}
	ReleaseFrameHeader(fr)

	p.writeHeaders(3, false)
	p.writeData(3, []byte{0x01}, true)

	select {
	case m := <-rec.hdrs:
		if m[":status"] != "200" {
			t.Errorf(":status = %q, want 200", m[":status"])
		}
	case <-time.After(testWait):
		t.Fatal("timed out waiting for response headers")
	}

	if st := waitStatus(t, rec.closed); st.Code() != codes.OK {
		t.Fatalf("stream status = %s, want OK", st.Code())
	}

	tr.Shutdown()

	fr = p.expectFrame(FrameGoAway)
	ga := fr.Body().(*GoAway)
	if ga.Stream() != 0 || ga.Code() != NoError {
		t.Fatalf("GOAWAY last=%d code=%s, want 0/NoError", ga.Stream(), ga.Code())
	}
	ReleaseFrameHeader(fr)

	st := waitStatus(t, lr.shutdown)
	if st.Code() != codes.Unavailable {
		t.Fatalf("shutdown status = %s, want Unavailable", st.Code())
	}
	waitSignal(t, lr.terminated, "TransportTerminated")
	lr.check(t)
}

func TestTransportAdmissionQueueing(t *testing.T) {
	tr, p, _ := startTransport(t, Options{}, func(st *Settings) {
		st.SetMaxConcurrentStreams(1)
	})

	rec1 := newStreamRecorder()
	rec2 := newStreamRecorder()
	tr.NewStream(&Method{FullName: "svc/A"}, nil, rec1)
	tr.NewStream(&Method{FullName: "svc/B"}, nil, rec2)

	fr := p.expectFrame(FrameHeaders)
	if fr.Stream() != 3 {
		t.Fatalf("first stream id = %d, want 3", fr.Stream())
	}
	ReleaseFrameHeader(fr)

	// the second stream sits in the pending queue, off the wire
	p.expectNothing(100 * time.Millisecond)

	p.writeRst(3, CancelError)

	st := waitStatus(t, rec1.closed)
	if st.Code() != codes.Canceled || st.Message() != "Cancelled" {
		t.Fatalf("stream 3 status = %s %q", st.Code(), st.Message())
	}

	fr = p.expectFrame(FrameHeaders)
	if fr.Stream() != 5 {
		t.Fatalf("second stream id = %d, want 5", fr.Stream())
	}
	ReleaseFrameHeader(fr)
}

func TestTransportGracefulShutdownWithInflight(t *testing.T) {
	tr, p, lr := startTransport(t, Options{}, nil)

	rec1 := newStreamRecorder()
	rec2 := newStreamRecorder()
	tr.NewStream(&Method{FullName: "svc/A"}, nil, rec1)
	tr.NewStream(&Method{FullName: "svc/B"}, nil, rec2)

	fr := p.expectFrame(FrameHeaders)
	ReleaseFrameHeader(fr)
	fr = p.expectFrame(FrameHeaders)
	ReleaseFrameHeader(fr)

	tr.Shutdown()

	fr = p.expectFrame(FrameGoAway)
	ga := fr.Body().(*GoAway)
	if ga.Stream() != 0 || ga.Code() != NoError {
		t.Fatalf("GOAWAY last=%d code=%s, want 0/NoError", ga.Stream(), ga.Code())
	}
	ReleaseFrameHeader(fr)

	waitStatus(t, lr.shutdown)

	select {
	case <-lr.terminated:
		t.Fatal("terminated with streams still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	p.writeHeaders(3, true)
	if st := waitStatus(t, rec1.closed); st.Code() != codes.OK {
		t.Fatalf("stream 3 status = %s, want OK", st.Code())
	}

	p.writeHeaders(5, true)
	if st := waitStatus(t, rec2.closed); st.Code() != codes.OK {
		t.Fatalf("stream 5 status = %s, want OK", st.Code())
	}

	waitSignal(t, lr.terminated, "TransportTerminated")
	lr.check(t)
}

func TestTransportPeerGoAwayPartialSurvival(t *testing.T) {
	tr, p, lr := startTransport(t, Options{}, nil)

	recs := make([]*streamRecorder, 3)
	for i := range recs {
		recs[i] = newStreamRecorder()
		tr.NewStream(&Method{FullName: "svc/A"}, nil, recs[i])
	}
	for range recs {
		fr := p.expectFrame(FrameHeaders)
		ReleaseFrameHeader(fr)
	}

	ga := AcquireFrame(FrameGoAway).(*GoAway)
	ga.SetStream(5)
	ga.SetCode(NoError)
	p.writeFrame(0, ga)

	// stream 7 dies right away, UNAVAILABLE
	st := waitStatus(t, recs[2].closed)
	if st.Code() != codes.Unavailable {
		t.Fatalf("stream 7 status = %s, want Unavailable", st.Code())
	}

	waitStatus(t, lr.shutdown)

	// no new streams after go-away
	recNew := newStreamRecorder()
	tr.NewStream(&Method{FullName: "svc/C"}, nil, recNew)
	if st := waitStatus(t, recNew.closed); st.Code() != codes.Internal {
		t.Fatalf("post-goaway stream status = %s, want Internal", st.Code())
	}

	// streams 3 and 5 run to completion
	p.writeHeaders(3, true)
	if st := waitStatus(t, recs[0].closed); st.Code() != codes.OK {
		t.Fatalf("stream 3 status = %s, want OK", st.Code())
	}
	p.writeHeaders(5, true)
	if st := waitStatus(t, recs[1].closed); st.Code() != codes.OK {
		t.Fatalf("stream 5 status = %s, want OK", st.Code())
	}

	waitSignal(t, lr.terminated, "TransportTerminated")
	lr.check(t)
}

func TestTransportPingCoalescing(t *testing.T) {
	tr, p, _ := startTransport(t, Options{}, nil)

	rtt1 := make(chan time.Duration, 1)
	tr.Ping(func(d time.Duration, err error) {
		if err != nil {
			t.Errorf("ping 1: %s", err)
		}
		rtt1 <- d
	})

	fr := p.expectFrame(FramePing)
	ping := fr.Body().(*Ping)
	if ping.IsAck() {
		t.Fatal("client PING has ack set")
	}
	var payload [8]byte
	copy(payload[:], ping.Data())
	ReleaseFrameHeader(fr)

	rtt2 := make(chan time.Duration, 1)
	tr.Ping(func(d time.Duration, err error) {
		if err != nil {
			t.Errorf("ping 2: %s", err)
		}
		rtt2 <- d
	})

	// second caller coalesces: exactly one PING on the wire
	p.expectNothing(100 * time.Millisecond)

	ack := AcquireFrame(FramePing).(*Ping)
	ack.SetData(payload[:])
	ack.SetAck(true)
	p.writeFrame(0, ack)

	var d1, d2 time.Duration
	select {
	case d1 = <-rtt1:
	case <-time.After(testWait):
		t.Fatal("timed out waiting for ping 1")
	}
	select {
	case d2 = <-rtt2:
	case <-time.After(testWait):
		t.Fatal("timed out waiting for ping 2")
	}

	if d1 != d2 {
		t.Fatalf("coalesced pings saw different samples: %s vs %s", d1, d2)
	}
	if d1 <= 0 {
		t.Fatalf("non-positive rtt %s", d1)
	}
}

func TestTransportConnectionWindowAck(t *testing.T) {
	tr, p, _ := startTransport(t, Options{}, nil)

	rec := newStreamRecorder()
	tr.NewStream(&Method{FullName: "svc/A"}, nil, rec)

	fr := p.expectFrame(FrameHeaders)
	ReleaseFrameHeader(fr)

	chunk := make([]byte, 16384)
	p.writeData(3, chunk, false)
	p.writeData(3, chunk, false)

	// two stream-level replenishments plus one connection-level ack
	// once half the default window accumulated
	streamAcks, connAck := 0, 0
	for i := 0; i < 3; i++ {
		fr := p.expectFrame(FrameWindowUpdate)
		wu := fr.Body().(*WindowUpdate)

		switch fr.Stream() {
		case 3:
			if wu.Increment() != 16384 {
				t.Fatalf("stream window update = %d, want 16384", wu.Increment())
			}
			streamAcks++
		case 0:
			if wu.Increment() != 32768 {
				t.Fatalf("connection window update = %d, want 32768", wu.Increment())
			}
			connAck++
		default:
			t.Fatalf("WINDOW_UPDATE on unexpected stream %d", fr.Stream())
		}
		ReleaseFrameHeader(fr)
	}

	if streamAcks != 2 || connAck != 1 {
		t.Fatalf("got %d stream acks and %d connection acks, want 2/1", streamAcks, connAck)
	}
}

func TestTransportWindowUpdateZeroOnStream(t *testing.T) {
	tr, p, _ := startTransport(t, Options{}, nil)

	rec := newStreamRecorder()
	tr.NewStream(&Method{FullName: "svc/A"}, nil, rec)

	fr := p.expectFrame(FrameHeaders)
	ReleaseFrameHeader(fr)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(0)
	p.writeFrame(3, wu)

	fr = p.expectFrame(FrameResetStream)
	rst := fr.Body().(*RstStream)
	if fr.Stream() != 3 || rst.Code() != ProtocolError {
		t.Fatalf("RST stream=%d code=%s, want 3/ProtocolError", fr.Stream(), rst.Code())
	}
	ReleaseFrameHeader(fr)

	if st := waitStatus(t, rec.closed); st.Code() != codes.Internal {
		t.Fatalf("stream status = %s, want Internal", st.Code())
	}

	// the transport survives: a ping still round-trips
	done := make(chan struct{})
	tr.Ping(func(_ time.Duration, err error) {
		if err != nil {
			t.Errorf("ping after stream error: %s", err)
		}
		close(done)
	})

	fr = p.expectFrame(FramePing)
	ping := fr.Body().(*Ping)
	ack := AcquireFrame(FramePing).(*Ping)
	ack.SetData(ping.Data())
	ack.SetAck(true)
	ReleaseFrameHeader(fr)
	p.writeFrame(0, ack)

	waitSignal(t, done, "ping ack")
}

func TestTransportWindowUpdateZeroOnConnection(t *testing.T) {
	_, p, lr := startTransport(t, Options{}, nil)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(0)
	p.writeFrame(0, wu)

	fr := p.expectFrame(FrameGoAway)
	ga := fr.Body().(*GoAway)
	if ga.Code() != ProtocolError {
		t.Fatalf("GOAWAY code = %s, want ProtocolError", ga.Code())
	}
	ReleaseFrameHeader(fr)

	st := waitStatus(t, lr.shutdown)
	if st.Code() != codes.Unavailable {
		t.Fatalf("shutdown status = %s, want Unavailable", st.Code())
	}
	waitSignal(t, lr.terminated, "TransportTerminated")
	lr.check(t)
}

func TestTransportPushPromiseRefused(t *testing.T) {
	tr, p, _ := startTransport(t, Options{}, nil)

	rec := newStreamRecorder()
	tr.NewStream(&Method{FullName: "svc/A"}, nil, rec)

	fr := p.expectFrame(FrameHeaders)
	ReleaseFrameHeader(fr)

	pp := AcquireFrame(FramePushPromise).(*PushPromise)
	pp.SetStream(2)
	p.writeFrame(3, pp)

	fr = p.expectFrame(FrameResetStream)
	rst := fr.Body().(*RstStream)
	if fr.Stream() != 2 || rst.Code() != ProtocolError {
		t.Fatalf("RST stream=%d code=%s, want 2/ProtocolError", fr.Stream(), rst.Code())
	}
	ReleaseFrameHeader(fr)

	// transport survives; the promised stream never reaches the listener
	p.writeHeaders(3, true)
	if st := waitStatus(t, rec.closed); st.Code() != codes.OK {
		t.Fatalf("stream status = %s, want OK", st.Code())
	}
}

func TestTransportStreamIDExhaustion(t *testing.T) {
	tr, p, lr := startTransport(t, Options{}, nil)

	tr.mu.Lock()
	tr.nextStreamID = maxStreamID - 4
	tr.mu.Unlock()

	rec1 := newStreamRecorder()
	rec2 := newStreamRecorder()
	tr.NewStream(&Method{FullName: "svc/A"}, nil, rec1)
	tr.NewStream(&Method{FullName: "svc/B"}, nil, rec2)

	fr := p.expectFrame(FrameHeaders)
	if fr.Stream() != maxStreamID-4 {
		t.Fatalf("stream id = %d, want %d", fr.Stream(), uint32(maxStreamID-4))
	}
	ReleaseFrameHeader(fr)

	// the last assignable id still completes...
	fr = p.expectFrame(FrameHeaders)
	if fr.Stream() != maxStreamID-2 {
		t.Fatalf("stream id = %d, want %d", fr.Stream(), uint32(maxStreamID-2))
	}
	ReleaseFrameHeader(fr)

	// ...and drives the local go-away
	st := waitStatus(t, lr.shutdown)
	if st.Code() != codes.Internal || st.Message() != "Stream ids exhausted" {
		t.Fatalf("shutdown status = %s %q", st.Code(), st.Message())
	}

	rec3 := newStreamRecorder()
	tr.NewStream(&Method{FullName: "svc/C"}, nil, rec3)
	if st := waitStatus(t, rec3.closed); st.Code() != codes.Internal {
		t.Fatalf("post-exhaustion stream status = %s, want Internal", st.Code())
	}

	// live streams keep working until they finish naturally
	p.writeHeaders(maxStreamID-4, true)
	if st := waitStatus(t, rec1.closed); st.Code() != codes.OK {
		t.Fatalf("stream status = %s, want OK", st.Code())
	}
	p.writeHeaders(maxStreamID-2, true)
	if st := waitStatus(t, rec2.closed); st.Code() != codes.OK {
		t.Fatalf("stream status = %s, want OK", st.Code())
	}

	waitSignal(t, lr.terminated, "TransportTerminated")
	lr.check(t)
}

func TestTransportShutdownIdempotent(t *testing.T) {
	tr, p, lr := startTransport(t, Options{}, nil)

	tr.Shutdown()
	tr.Shutdown()

	fr := p.expectFrame(FrameGoAway)
	ReleaseFrameHeader(fr)
	waitSignal(t, lr.terminated, "TransportTerminated")
	lr.check(t)

	// a ping after the transport stopped fails immediately
	pinged := make(chan error, 1)
	tr.Ping(func(_ time.Duration, err error) { pinged <- err })

	select {
	case err := <-pinged:
		if err == nil {
			t.Fatal("ping succeeded on stopped transport")
		}
	case <-time.After(testWait):
		t.Fatal("timed out waiting for failed ping")
	}
}

func TestTransportConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	tr := NewTransport(addr, Options{})
	lr := newLifecycleRecorder()
	if err := tr.Start(lr); err != nil {
		t.Fatalf("start: %s", err)
	}

	st := waitStatus(t, lr.shutdown)
	if st.Code() != codes.Unavailable {
		t.Fatalf("shutdown status = %s, want Unavailable", st.Code())
	}
	waitSignal(t, lr.terminated, "TransportTerminated")
	lr.check(t)
}

func TestTransportKeepaliveTimeout(t *testing.T) {
	_, p, lr := startTransport(t, Options{KeepaliveInterval: 30 * time.Millisecond}, nil)

	// swallow pings without acking until the transport gives up
	go func() {
		for {
			fr, err := ReadFrameFrom(p.br)
			if err != nil {
				return
			}
			ReleaseFrameHeader(fr)
		}
	}()

	st := waitStatus(t, lr.shutdown)
	if st.Code() != codes.Unavailable {
		t.Fatalf("shutdown status = %s, want Unavailable", st.Code())
	}
	waitSignal(t, lr.terminated, "TransportTerminated")
	lr.check(t)
}

func TestTransportAuthorityOverride(t *testing.T) {
	tr, p, _ := startTransport(t, Options{}, nil)

	var md []HeaderField
	var hf HeaderField
	hf.Set(":authority", "override.example.com")
	md = append(md, hf)
	hf = HeaderField{}
	hf.Set("X-Trace", "abc")
	md = append(md, hf)

	rec := newStreamRecorder()
	tr.NewStream(&Method{FullName: "svc/A"}, md, rec)

	fr := p.expectFrame(FrameHeaders)
	hdrs := p.decodeBlock(fr.Body().(*Headers).Headers())
	ReleaseFrameHeader(fr)

	if hdrs[":authority"] != "override.example.com" {
		t.Errorf(":authority = %q, want override", hdrs[":authority"])
	}
	if hdrs["x-trace"] != "abc" {
		t.Errorf("x-trace = %q, want abc (lowercased passthrough)", hdrs["x-trace"])
	}
	if _, ok := hdrs["X-Trace"]; ok {
		t.Error("metadata key was not lowercased")
	}
}

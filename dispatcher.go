package http2

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// connectionError is a protocol violation that kills the whole
// connection; code goes out on the GOAWAY frame.
type connectionError struct {
	code ErrorCode
	err  error
}

func (e connectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %s", e.code, e.err)
}

func (e connectionError) Unwrap() error {
	return e.err
}

// headerAssembly collects a HEADERS frame and its CONTINUATIONs until
// END_HEADERS. Owned by the reader goroutine.
type headerAssembly struct {
	active    bool
	streamID  uint32
	endStream bool
	block     []byte
}

// readLoop is the dedicated reader task: it pulls frames off the wire
// and dispatches them until the peer closes the connection or a fatal
// error surfaces. Its exit emits TransportTerminated, after
// TransportShutdown has fired on whichever path got there first.
func (t *Transport) readLoop() {
	defer t.terminated()

	br := bufio.NewReaderSize(t.c, 4096)

	var err error
	for err == nil {
		var fr *FrameHeader
		fr, err = ReadFrameFrom(br)
		if err != nil {
			if errors.Is(err, ErrUnknowFrameType) {
				// payload already discarded; RFC says ignore
				err = nil
				continue
			}
			break
		}

		err = t.dispatch(fr)
		ReleaseFrameHeader(fr)
	}

	if isIOError(err) {
		t.startGoAway(0, status.New(codes.Unavailable, "Connection closed"))
		return
	}

	code := ProtocolError
	var ce connectionError
	if errors.As(err, &ce) {
		code = ce.code
	}

	// give the GOAWAY a moment to reach the wire before the teardown
	// closes the writer underneath it
	select {
	case <-t.writeGoAway(0, code, []byte(err.Error())):
	case <-time.After(time.Second):
	}

	t.onException(err)
}

func isIOError(err error) bool {
	if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var ne net.Error
	var oe *net.OpError
	return errors.As(err, &ne) || errors.As(err, &oe)
}

func (t *Transport) dispatch(fr *FrameHeader) error {
	switch fr.Type() {
	case FrameData:
		return t.handleData(fr)
	case FrameHeaders:
		return t.handleHeaders(fr)
	case FrameContinuation:
		return t.handleContinuation(fr)
	case FrameSettings:
		return t.handleSettings(fr)
	case FramePing:
		return t.handlePing(fr)
	case FrameWindowUpdate:
		return t.handleWindowUpdate(fr)
	case FrameResetStream:
		return t.handleRstStream(fr)
	case FrameGoAway:
		return t.handleGoAway(fr)
	case FramePushPromise:
		return t.handlePushPromise(fr)
	case FramePriority:
		// ignored: the transport does not prioritize
	}

	return nil
}

func (t *Transport) handleData(fr *FrameHeader) error {
	data := fr.Body().(*Data)
	id := fr.Stream()

	if id == 0 {
		return connectionError{ProtocolError, errors.New("DATA on stream 0")}
	}

	t.mu.Lock()
	strm := t.streams[id]
	if strm == nil {
		may := t.mayHaveCreatedStreamLocked(id)
		ack := t.accumulateConnUnackedLocked(fr.Len())
		t.mu.Unlock()

		if ack > 0 {
			t.writeWindowUpdate(0, ack)
		}
		if !may {
			return connectionError{ProtocolError, fmt.Errorf("received DATA for unknown stream %d", id)}
		}

		// stale frames for a stream we already tore down
		t.writeRstStream(id, StreamClosedError)

		return nil
	}

	endStream := data.EndStream()
	if endStream {
		strm.remoteClosed = true
	}

	fits := true
	if data.Len() > 0 {
		fits = strm.bufferReceived(data.Data(), t.opts.MaxMessageSize)
	}

	ack := t.accumulateConnUnackedLocked(fr.Len())
	t.mu.Unlock()

	if ack > 0 {
		t.writeWindowUpdate(0, ack)
	}

	if !fits {
		code := EnhanceYourCalm
		t.finishStream(strm, status.Newf(codes.ResourceExhausted,
			"received message larger than max (%d)", t.opts.MaxMessageSize), &code)
		return nil
	}

	if data.Len() > 0 && !endStream {
		// replenish the stream-level window right away
		t.writeWindowUpdate(id, data.Len())
	}

	if data.Len() > 0 || endStream {
		strm.listener.OnData(data.Data(), endStream)
	}

	if endStream {
		t.finishStream(strm, status.New(codes.OK, ""), nil)
	}

	return nil
}

func (t *Transport) handleHeaders(fr *FrameHeader) error {
	h := fr.Body().(*Headers)
	id := fr.Stream()

	if id == 0 {
		return connectionError{ProtocolError, errors.New("HEADERS on stream 0")}
	}
	if t.assembly.active {
		return connectionError{ProtocolError, errors.New("HEADERS inside an open header block")}
	}

	if h.EndHeaders() {
		return t.finalizeHeaders(id, h.EndStream(), h.Headers())
	}

	t.assembly = headerAssembly{
		active:    true,
		streamID:  id,
		endStream: h.EndStream(),
		block:     append(t.assembly.block[:0], h.Headers()...),
	}

	return nil
}

func (t *Transport) handleContinuation(fr *FrameHeader) error {
	c := fr.Body().(*Continuation)

	if !t.assembly.active || fr.Stream() != t.assembly.streamID {
		return connectionError{ProtocolError, errors.New("CONTINUATION without an open header block")}
	}

	t.assembly.block = append(t.assembly.block, c.Headers()...)

	if !c.EndHeaders() {
		return nil
	}

	t.assembly.active = false

	return t.finalizeHeaders(t.assembly.streamID, t.assembly.endStream, t.assembly.block)
}

func (t *Transport) finalizeHeaders(id uint32, endStream bool, block []byte) error {
	var (
		fields []HeaderField
		size   int
	)

	err := t.dec.Decode(block, func(hf *HeaderField) {
		var f HeaderField
		hf.CopyTo(&f)
		fields = append(fields, f)
		size += hf.Size()
	})
	if err != nil {
		return connectionError{CompressionError, err}
	}

	t.mu.Lock()
	strm := t.streams[id]
	if strm == nil {
		may := t.mayHaveCreatedStreamLocked(id)
		t.mu.Unlock()

		if !may {
			return connectionError{ProtocolError, fmt.Errorf("received HEADERS for unknown stream %d", id)}
		}

		t.writeRstStream(id, StreamClosedError)

		return nil
	}

	if endStream {
		strm.remoteClosed = true
	}
	limit := t.opts.MaxHeaderListSize
	t.mu.Unlock()

	if limit > 0 && size > int(limit) {
		code := EnhanceYourCalm
		t.finishStream(strm, status.Newf(codes.ResourceExhausted,
			"received header list larger than max (%d vs. %d)", size, limit), &code)
		return nil
	}

	strm.listener.OnHeaders(fields, endStream)

	if endStream {
		t.finishStream(strm, status.New(codes.OK, ""), nil)
	}

	return nil
}

func (t *Transport) handleSettings(fr *FrameHeader) error {
	st := fr.Body().(*Settings)
	if st.IsAck() {
		return nil
	}

	t.mu.Lock()

	if st.HasMaxConcurrentStreams() {
		t.maxConcurrentStreams = st.MaxConcurrentStreams()
		t.drainPendingLocked()
	}

	if st.HasMaxWindowSize() {
		w := st.MaxWindowSize()
		if w > maxWindowSize {
			t.mu.Unlock()
			return connectionError{FlowControlError, fmt.Errorf("initial window size %d out of range", w)}
		}
		t.flow.updateInitialWindow(int32(w), t.streams)
	}

	tableResize := -1
	if st.HasHeaderTableSize() && st.HeaderTableSize() <= defaultHeaderTableSize {
		tableResize = int(st.HeaderTableSize())
	}

	ready := !t.seenSettings
	t.seenSettings = true
	if ready && t.state == StateConnecting {
		t.state = StateReady
	}
	t.mu.Unlock()

	if tableResize >= 0 {
		// the encoder belongs to the writer goroutine
		t.wq.enqueueRun(func(*bufio.Writer) error {
			t.enc.SetMaxTableSize(tableResize)
			return nil
		}, false)
	}

	ack := AcquireFrame(FrameSettings).(*Settings)
	ack.SetAck(true)

	ackFr := AcquireFrameHeader()
	ackFr.SetBody(ack)
	t.wq.enqueueFrame(ackFr, true)

	if ready {
		t.listener.TransportReady()
	}

	return nil
}

func (t *Transport) handlePing(fr *FrameHeader) error {
	ping := fr.Body().(*Ping)
	payload := ping.Payload()

	if !ping.IsAck() {
		t.writePing(true, payload)
		return nil
	}

	t.mu.Lock()
	rec := t.pings.ack(payload)
	t.mu.Unlock()

	if rec == nil {
		t.logger.Printf("http2: received unexpected ping ack %016x", payload)
		return nil
	}

	rec.succeed()

	return nil
}

func (t *Transport) handleWindowUpdate(fr *FrameHeader) error {
	wu := fr.Body().(*WindowUpdate)
	id := fr.Stream()
	inc := wu.Increment()

	if id == 0 {
		if inc == 0 {
			return connectionError{ProtocolError, errors.New("connection WINDOW_UPDATE with 0 increment")}
		}

		t.mu.Lock()
		ok := t.flow.updateConnWindow(int32(inc), t.streams)
		t.mu.Unlock()

		if !ok {
			return connectionError{FlowControlError, errors.New("connection flow control window overflow")}
		}

		return nil
	}

	t.mu.Lock()
	strm := t.streams[id]
	if strm == nil {
		may := t.mayHaveCreatedStreamLocked(id)
		t.mu.Unlock()

		if !may {
			return connectionError{ProtocolError, fmt.Errorf("received WINDOW_UPDATE for unknown stream %d", id)}
		}

		return nil
	}

	if inc == 0 {
		t.mu.Unlock()

		code := ProtocolError
		t.finishStream(strm, status.New(codes.Internal,
			"Received 0 flow control window increment"), &code)

		return nil
	}

	ok := t.flow.updateStreamWindow(strm, int32(inc))
	t.mu.Unlock()

	if !ok {
		code := FlowControlError
		t.finishStream(strm, status.New(codes.Internal,
			"Stream flow control window overflow"), &code)
	}

	return nil
}

func (t *Transport) handleRstStream(fr *FrameHeader) error {
	rst := fr.Body().(*RstStream)

	t.mu.Lock()
	strm := t.streams[fr.Stream()]
	if strm != nil {
		strm.remoteClosed = true
	}
	t.mu.Unlock()

	if strm == nil {
		return nil
	}

	t.finishStream(strm, statusFromErrCode(rst.Code()), nil)

	return nil
}

func (t *Transport) handleGoAway(fr *FrameHeader) error {
	ga := fr.Body().(*GoAway)

	t.startGoAway(ga.Stream(), statusFromGoAway(ga.Code(), ga.Data()))

	return nil
}

func (t *Transport) handlePushPromise(fr *FrameHeader) error {
	pp := fr.Body().(*PushPromise)

	// server-initiated streams are refused wholesale
	t.writeRstStream(pp.stream, ProtocolError)

	return nil
}

// accumulateConnUnackedLocked tracks inbound DATA bytes; once half the
// default connection window piles up it is returned for a
// connection-level WINDOW_UPDATE and the counter resets.
func (t *Transport) accumulateConnUnackedLocked(n int) int {
	t.connUnacked += n
	if t.connUnacked >= int(defaultWindowSize)/2 {
		acc := t.connUnacked
		t.connUnacked = 0
		return acc
	}

	return 0
}

func (t *Transport) writeWindowUpdate(id uint32, n int) {
	fr := AcquireFrameHeader()
	fr.SetStream(id)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(n)
	fr.SetBody(wu)

	t.wq.enqueueFrame(fr, true)
}

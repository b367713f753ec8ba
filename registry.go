package http2

import (
	"bufio"
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client stream ids are odd and start at 3; 1 belongs to the HTTP/1.1
// Upgrade request when that negotiator is used.
const (
	firstStreamID = 3
	maxStreamID   = math.MaxInt32
)

// enqueueCreate hands the stream to the writer goroutine. Admission,
// id assignment and HEADERS emission all happen there, so ids go on
// the wire in strictly increasing order.
func (t *Transport) enqueueCreate(strm *Stream) {
	cmd := &writeCommand{
		run:   func(bw *bufio.Writer) error { return t.createStream(bw, strm) },
		flush: !strm.method.SendsOneMessage,
		abort: func(error) {
			t.finishStream(strm, t.rejectionStatus(), nil)
		},
	}

	t.wq.enqueue(cmd)
}

// createStream runs on the writer goroutine. Admission policy: after
// go-away the stream is failed with the go-away status; at the
// concurrent-stream cap it parks on the pending queue; otherwise it is
// assigned the next odd id, registered, and its HEADERS go out.
func (t *Transport) createStream(bw *bufio.Writer, strm *Stream) error {
	t.mu.Lock()
	if strm.status != nil {
		// cancelled before it ever reached the wire
		t.mu.Unlock()
		return nil
	}

	if t.startedGoAway {
		st := t.goAwayStatus
		t.mu.Unlock()

		if st == nil {
			st = status.New(codes.Unavailable, "Transport stopped")
		}
		t.finishStream(strm, st, nil)

		return nil
	}

	if uint32(len(t.streams)) >= t.maxConcurrentStreams {
		t.pending = append(t.pending, strm)
		t.mu.Unlock()
		return nil
	}

	exhausted := t.assignStreamLocked(strm)
	t.mu.Unlock()

	err := t.writeStreamHeaders(bw, strm)

	t.mu.Lock()
	strm.started = true
	t.flow.drainStream(strm)
	t.mu.Unlock()

	if exhausted {
		t.startGoAway(maxStreamID, status.New(codes.Internal, "Stream ids exhausted"))
	}

	return err
}

// assignStreamLocked allocates the next odd id and registers the
// stream. Returns true when the id space just ran out and the caller
// must start the go-away.
func (t *Transport) assignStreamLocked(strm *Stream) (exhausted bool) {
	strm.id = t.nextStreamID
	t.flow.seedStream(strm)
	t.streams[strm.id] = strm

	if t.nextStreamID >= maxStreamID-2 {
		t.nextStreamID = maxStreamID
		return true
	}
	t.nextStreamID += 2

	return false
}

// drainPendingLocked re-enqueues parked streams, FIFO, while capacity
// remains. Returns true if at least one stream was handed to the writer
// to be started.
func (t *Transport) drainPendingLocked() bool {
	free := int(t.maxConcurrentStreams) - len(t.streams)
	started := false

	for free > 0 && len(t.pending) > 0 {
		strm := t.pending[0]
		t.pending = t.pending[1:]

		cmd := &writeCommand{
			run:   func(bw *bufio.Writer) error { return t.startPending(bw, strm) },
			flush: !strm.method.SendsOneMessage,
			abort: func(error) {
				t.finishStream(strm, t.rejectionStatus(), nil)
			},
		}
		t.wq.enqueue(cmd)

		free--
		started = true
	}

	return started
}

// startPending is createStream for a stream coming off the pending
// queue: if the freed slot was taken back in the meantime it returns
// to the FRONT of the queue, keeping admission FIFO.
func (t *Transport) startPending(bw *bufio.Writer, strm *Stream) error {
	t.mu.Lock()
	if strm.status != nil {
		t.mu.Unlock()
		return nil
	}

	if t.startedGoAway {
		st := t.goAwayStatus
		t.mu.Unlock()

		if st == nil {
			st = status.New(codes.Unavailable, "Transport stopped")
		}
		t.finishStream(strm, st, nil)

		return nil
	}

	if uint32(len(t.streams)) >= t.maxConcurrentStreams {
		t.pending = append([]*Stream{strm}, t.pending...)
		t.mu.Unlock()
		return nil
	}

	exhausted := t.assignStreamLocked(strm)
	t.mu.Unlock()

	err := t.writeStreamHeaders(bw, strm)

	t.mu.Lock()
	strm.started = true
	t.flow.drainStream(strm)
	t.mu.Unlock()

	if exhausted {
		t.startGoAway(maxStreamID, status.New(codes.Internal, "Stream ids exhausted"))
	}

	return err
}

// writeStreamHeaders encodes the request headers and writes the
// HEADERS frame (plus CONTINUATIONs for oversized blocks). Runs on the
// writer goroutine: the HPACK encoder state only survives if blocks
// hit the wire in encode order.
func (t *Transport) writeStreamHeaders(bw *bufio.Writer, strm *Stream) error {
	enc := t.enc

	h := AcquireFrame(FrameHeaders).(*Headers)

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	hf.SetBytes(StringAuthority, []byte(strm.authority))
	enc.AppendHeaderField(h, hf, true)

	hf.SetBytes(StringMethod, StringPOST)
	enc.AppendHeaderField(h, hf, true)

	hf.Set(string(StringPath), "/"+strm.method.FullName)
	enc.AppendHeaderField(h, hf, true)

	hf.SetBytes(StringScheme, []byte(t.scheme))
	enc.AppendHeaderField(h, hf, true)

	for i := range strm.metadata {
		md := &strm.metadata[i]
		hf.SetBytes(ToLower(md.KeyBytes()), md.ValueBytes())
		enc.AppendHeaderField(h, hf, false)
	}

	block := h.Headers()

	if len(block) <= maxFrameSize {
		h.SetEndHeaders(true)

		fr := AcquireFrameHeader()
		fr.SetStream(strm.id)
		fr.SetBody(h)

		_, err := fr.WriteTo(bw)
		ReleaseFrameHeader(fr)

		return err
	}

	// Oversized block: HEADERS carries the first chunk, CONTINUATIONs
	// the rest.
	h.SetEndHeaders(false)
	rest := append([]byte(nil), block[maxFrameSize:]...)
	h.SetHeaders(block[:maxFrameSize])

	fr := AcquireFrameHeader()
	fr.SetStream(strm.id)
	fr.SetBody(h)

	_, err := fr.WriteTo(bw)
	ReleaseFrameHeader(fr)

	for err == nil && len(rest) > 0 {
		n := len(rest)
		if n > maxFrameSize {
			n = maxFrameSize
		}

		cont := AcquireFrame(FrameContinuation).(*Continuation)
		cont.SetHeader(rest[:n])
		cont.SetEndHeaders(n == len(rest))
		rest = rest[n:]

		fr = AcquireFrameHeader()
		fr.SetStream(strm.id)
		fr.SetBody(cont)

		_, err = fr.WriteTo(bw)
		ReleaseFrameHeader(fr)
	}

	return err
}

// rejectionStatus is the status a stream gets when it is refused
// before ever reaching the wire.
func (t *Transport) rejectionStatus() *status.Status {
	t.mu.Lock()
	st := t.goAwayStatus
	t.mu.Unlock()

	if st == nil {
		st = status.New(codes.Unavailable, "Transport stopped")
	}

	return st
}

// mayHaveCreatedStreamLocked reports whether id belongs to a stream
// this client could have opened at some point.
func (t *Transport) mayHaveCreatedStreamLocked(id uint32) bool {
	return id&1 == 1 && id < t.nextStreamID
}

// finishStream reports the terminal status for strm exactly once,
// removes it from the registry, optionally resets it on the wire, and
// admits pending streams into the freed slot.
func (t *Transport) finishStream(strm *Stream, st *status.Status, rstCode *ErrorCode) {
	t.mu.Lock()
	if strm.status != nil {
		t.mu.Unlock()
		return
	}
	strm.status = st

	if strm.id != 0 {
		delete(t.streams, strm.id)
	} else {
		t.removePendingLocked(strm)
	}

	sendRst := rstCode != nil && strm.started && !strm.remoteClosed
	id := strm.id
	started := t.drainPendingLocked()
	t.mu.Unlock()

	if sendRst {
		t.writeRstStream(id, *rstCode)
	}

	strm.listener.OnClose(st)

	t.mu.Lock()
	strm.releaseRecvBuf()
	t.mu.Unlock()

	if !started {
		t.stopIfNecessary()
	}
}

func (t *Transport) removePendingLocked(strm *Stream) {
	for i := range t.pending {
		if t.pending[i] == strm {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

func (t *Transport) writeRstStream(id uint32, code ErrorCode) {
	fr := AcquireFrameHeader()
	fr.SetStream(id)

	rst := AcquireFrame(FrameResetStream).(*RstStream)
	rst.SetCode(code)
	fr.SetBody(rst)

	t.wq.enqueueFrame(fr, true)
}

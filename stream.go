package http2

import (
	"github.com/valyala/bytebufferpool"
	"google.golang.org/grpc/status"
)

// Method describes the remote procedure a stream carries.
type Method struct {
	// FullName is the procedure name as "service/method". The request
	// path becomes "/" + FullName.
	FullName string

	// SendsOneMessage marks procedures whose client half sends exactly
	// one message. The HEADERS frame of such streams is not flushed on
	// its own; it rides the same flush as the message.
	SendsOneMessage bool
}

// StreamListener receives the inbound half of one stream.
//
// Callbacks run on the transport's own goroutines and are never
// invoked while the transport lock is held; they must not block for
// long. Byte slices handed to OnData are only valid for the duration
// of the call; OnClose is invoked exactly once per stream.
type StreamListener interface {
	OnHeaders(hdrs []HeaderField, endStream bool)
	OnData(b []byte, endStream bool)
	OnClose(st *status.Status)
}

type noopStreamListener struct{}

func (noopStreamListener) OnHeaders([]HeaderField, bool) {}
func (noopStreamListener) OnData([]byte, bool)           {}
func (noopStreamListener) OnClose(*status.Status)        {}

// outChunk is one submitted piece of outbound data waiting for
// flow-control credit.
type outChunk struct {
	b         []byte
	endStream bool
}

// Stream represents one call multiplexed on the transport.
//
// Streams are created with Transport.NewStream and live until a
// terminal status is reported through their StreamListener.
type Stream struct {
	t        *Transport
	method   *Method
	listener StreamListener

	authority string
	metadata  []HeaderField

	// All the fields below are guarded by the transport mutex.

	id      uint32 // 0 while the stream sits in the pending queue
	started bool   // HEADERS handed to the wire

	sendWindow  int32
	pendingData []outChunk

	halfClosedLocal bool
	remoteClosed    bool

	status *status.Status // terminal status; set exactly once

	recvBuf *bytebufferpool.ByteBuffer
}

// ID returns the assigned stream id, or 0 while the stream is still
// queued for admission.
func (s *Stream) ID() uint32 {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.id
}

// Method returns the method descriptor the stream was created with.
func (s *Stream) Method() *Method {
	return s.method
}

// Authority returns the :authority value the stream was started with.
func (s *Stream) Authority() string {
	return s.authority
}

// Write submits message bytes for sending. The bytes are copied; they
// go on the wire as soon as flow-control credit allows, in submission
// order. endStream half-closes the local side after the bytes.
func (s *Stream) Write(b []byte, endStream bool) error {
	t := s.t

	t.mu.Lock()
	if s.status != nil {
		err := s.status.Err()
		t.mu.Unlock()
		return err
	}
	if s.halfClosedLocal {
		t.mu.Unlock()
		return ErrConnClosing
	}
	if endStream {
		s.halfClosedLocal = true
	}

	t.flow.sendData(s, append([]byte(nil), b...), endStream)
	t.mu.Unlock()

	return nil
}

// CloseSend half-closes the local side without sending further bytes.
func (s *Stream) CloseSend() error {
	return s.Write(nil, true)
}

// Cancel aborts the call. The peer sees RST_STREAM(CANCEL); the
// listener sees status CANCELLED.
func (s *Stream) Cancel() {
	code := CancelError
	s.t.finishStream(s, statusFromErrCode(CancelError), &code)
}

// Received returns the bytes buffered from the peer so far. The slice
// is owned by the stream and valid until OnClose returns.
func (s *Stream) Received() []byte {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	if s.recvBuf == nil {
		return nil
	}

	return s.recvBuf.B
}

// bufferReceived appends inbound bytes. Caller holds the transport
// mutex. Returns false when the buffered size would exceed the
// transport's message size limit.
func (s *Stream) bufferReceived(b []byte, limit int) bool {
	if s.recvBuf == nil {
		s.recvBuf = bytebufferpool.Get()
	}
	if limit > 0 && s.recvBuf.Len()+len(b) > limit {
		return false
	}

	_, _ = s.recvBuf.Write(b)

	return true
}

// releaseRecvBuf hands the receive buffer back to the pool. Called
// once, after the terminal status is delivered.
func (s *Stream) releaseRecvBuf() {
	if s.recvBuf != nil {
		bytebufferpool.Put(s.recvBuf)
		s.recvBuf = nil
	}
}

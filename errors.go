package http2

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknowFrameType is returned by the frame reader when the peer
	// sends a frame type outside RFC 7540. The payload is discarded and
	// reading may continue.
	ErrUnknowFrameType = errors.New("error unknown frame type")
	// ErrMissingBytes means the frame payload is shorter than its type requires.
	ErrMissingBytes = errors.New("missing payload bytes. Need more")
	// ErrPayloadExceeds means the frame payload exceeds the negotiated maximum size.
	ErrPayloadExceeds = errors.New("frame payload exceeds the negotiated maximum size")
	// ErrConnClosing is reported by write commands enqueued after the
	// transport started closing.
	ErrConnClosing = errors.New("transport is closing")
	// ErrServerSupport indicates whether the server supports HTTP/2 or not.
	ErrServerSupport = errors.New("server doesn't support HTTP/2")
	// ErrTimeout is raised when the server stops answering keepalive pings.
	ErrTimeout = errors.New("server is not replying to pings")
)

// ErrorCode defines the HTTP/2 error codes:
//
// Errors are defined here http://httpwg.org/specs/rfc7540.html#ErrorCodes
type ErrorCode uint32

const (
	NoError              ErrorCode = 0x0
	ProtocolError        ErrorCode = 0x1
	InternalError        ErrorCode = 0x2
	FlowControlError     ErrorCode = 0x3
	SettingsTimeoutError ErrorCode = 0x4
	StreamClosedError    ErrorCode = 0x5
	FrameSizeError       ErrorCode = 0x6
	RefusedStreamError   ErrorCode = 0x7
	CancelError          ErrorCode = 0x8
	CompressionError     ErrorCode = 0x9
	ConnectionError      ErrorCode = 0xa
	EnhanceYourCalm      ErrorCode = 0xb
	InadequateSecurity   ErrorCode = 0xc
	HTTP11Required       ErrorCode = 0xd
)

func (code ErrorCode) String() string {
	switch code {
	case NoError:
		return "NoError"
	case ProtocolError:
		return "ProtocolError"
	case InternalError:
		return "InternalError"
	case FlowControlError:
		return "FlowControlError"
	case SettingsTimeoutError:
		return "SettingsTimeoutError"
	case StreamClosedError:
		return "StreamClosedError"
	case FrameSizeError:
		return "FrameSizeError"
	case RefusedStreamError:
		return "RefusedStreamError"
	case CancelError:
		return "CancelError"
	case CompressionError:
		return "CompressionError"
	case ConnectionError:
		return "ConnectionError"
	case EnhanceYourCalm:
		return "EnhanceYourCalm"
	case InadequateSecurity:
		return "InadequateSecurity"
	case HTTP11Required:
		return "HTTP11Required"
	}

	return fmt.Sprintf("ErrorCode(%d)", uint32(code))
}

// Error is an HTTP/2 error code with optional debug data attached.
type Error struct {
	code  ErrorCode
	debug string
}

// NewError creates a new Error.
func NewError(e ErrorCode, debug string) Error {
	return Error{
		code:  e,
		debug: debug,
	}
}

// Code returns the error code of the error.
func (e Error) Code() ErrorCode {
	return e.code
}

// Debug returns the debug data attached to the error, if any.
func (e Error) Debug() string {
	return e.debug
}

func (e Error) Error() string {
	if len(e.debug) == 0 {
		return e.code.String()
	}

	return fmt.Sprintf("%s: %s", e.code, e.debug)
}

// Is implements errors.Is by comparing error codes.
func (e Error) Is(target error) bool {
	var other Error
	if errors.As(target, &other) {
		return other.code == e.code
	}

	return false
}

// WriteError wraps an I/O error raised while writing to the wire.
type WriteError struct {
	err error
}

func (we WriteError) Error() string {
	return fmt.Sprintf("writing error: %s", we.err)
}

func (we WriteError) Unwrap() error {
	return we.err
}

func (we WriteError) Is(target error) bool {
	return errors.Is(we.err, target)
}

func (we WriteError) As(target interface{}) bool {
	return errors.As(we.err, target)
}

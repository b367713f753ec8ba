package http2

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// statusFromErrCode maps an HTTP/2 error code received on RST_STREAM or
// GOAWAY to the status reported to the affected calls.
func statusFromErrCode(code ErrorCode) *status.Status {
	switch code {
	case NoError:
		// The peer must convey call outcomes in trailers, not here.
		return status.New(codes.Internal, "No error: A GRPC status of OK should have been sent")
	case ProtocolError:
		return status.New(codes.Internal, "Protocol error")
	case InternalError:
		return status.New(codes.Internal, "Internal error")
	case FlowControlError:
		return status.New(codes.Internal, "Flow control error")
	case StreamClosedError:
		return status.New(codes.Internal, "Stream closed")
	case FrameSizeError:
		return status.New(codes.Internal, "Frame too large")
	case RefusedStreamError:
		return status.New(codes.Unavailable, "Refused stream")
	case CancelError:
		return status.New(codes.Canceled, "Cancelled")
	case CompressionError:
		return status.New(codes.Internal, "Compression error")
	case ConnectionError:
		return status.New(codes.Internal, "Connect error")
	case EnhanceYourCalm:
		return status.New(codes.ResourceExhausted, "Enhance your calm")
	case InadequateSecurity:
		return status.New(codes.PermissionDenied, "Inadequate security")
	}

	return status.New(codes.Unknown, fmt.Sprintf("Unknown http2 error code: %d", uint32(code)))
}

// statusFromGoAway maps the error code of a received GOAWAY, augmented
// with the opaque debug data when the peer attached any.
func statusFromGoAway(code ErrorCode, debug []byte) *status.Status {
	st := statusFromErrCode(code)
	if len(debug) > 0 {
		st = status.New(st.Code(), fmt.Sprintf("%s: %s", st.Message(), debug))
	}

	return st
}

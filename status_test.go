package http2

import (
	"testing"

	"google.golang.org/grpc/codes"
)

func TestStatusFromErrCode(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want codes.Code
		msg  string
	}{
		{NoError, codes.Internal, "No error: A GRPC status of OK should have been sent"},
		{ProtocolError, codes.Internal, "Protocol error"},
		{InternalError, codes.Internal, "Internal error"},
		{FlowControlError, codes.Internal, "Flow control error"},
		{StreamClosedError, codes.Internal, "Stream closed"},
		{FrameSizeError, codes.Internal, "Frame too large"},
		{RefusedStreamError, codes.Unavailable, "Refused stream"},
		{CancelError, codes.Canceled, "Cancelled"},
		{CompressionError, codes.Internal, "Compression error"},
		{ConnectionError, codes.Internal, "Connect error"},
		{EnhanceYourCalm, codes.ResourceExhausted, "Enhance your calm"},
		{InadequateSecurity, codes.PermissionDenied, "Inadequate security"},
		{SettingsTimeoutError, codes.Unknown, "Unknown http2 error code: 4"},
		{ErrorCode(0xff), codes.Unknown, "Unknown http2 error code: 255"},
	}

	for _, tc := range tests {
		st := statusFromErrCode(tc.code)
		if st.Code() != tc.want {
			t.Errorf("%s: code = %s, want %s", tc.code, st.Code(), tc.want)
		}
		if st.Message() != tc.msg {
			t.Errorf("%s: message = %q, want %q", tc.code, st.Message(), tc.msg)
		}
	}
}

func TestStatusFromGoAwayDebugData(t *testing.T) {
	st := statusFromGoAway(EnhanceYourCalm, []byte("too_many_pings"))
	if st.Code() != codes.ResourceExhausted {
		t.Fatalf("code = %s, want ResourceExhausted", st.Code())
	}
	if want := "Enhance your calm: too_many_pings"; st.Message() != want {
		t.Fatalf("message = %q, want %q", st.Message(), want)
	}

	st = statusFromGoAway(NoError, nil)
	if st.Message() != "No error: A GRPC status of OK should have been sent" {
		t.Fatalf("debug-less goaway augmented the message: %q", st.Message())
	}
}

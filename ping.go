package http2

import (
	"encoding/binary"
)

const FramePing FrameType = 0x6

var _ Frame = &Ping{}

// Ping carries an 8-byte opaque payload the peer echoes back on the
// ACK; the transport matches outstanding pings on it.
//
// https://tools.ietf.org/html/rfc7540#section-6.7
type Ping struct {
	ack  bool
	data [8]byte
}

func (ping *Ping) Type() FrameType {
	return FramePing
}

// Reset ...
func (ping *Ping) Reset() {
	ping.ack = false
	ping.data = [8]byte{}
}

// IsAck returns true if the ACK flag was set on the frame.
func (ping *Ping) IsAck() bool {
	return ping.ack
}

// SetAck sets the ACK flag.
func (ping *Ping) SetAck(ack bool) {
	ping.ack = ack
}

// Payload returns the opaque payload as a 64-bit value.
func (ping *Ping) Payload() uint64 {
	return binary.BigEndian.Uint64(ping.data[:])
}

// SetPayload stores payload in the frame's opaque data.
func (ping *Ping) SetPayload(payload uint64) {
	binary.BigEndian.PutUint64(ping.data[:], payload)
}

// CopyTo ...
func (ping *Ping) CopyTo(p *Ping) {
	p.ack = ping.ack
}

// Write ...
func (ping *Ping) Write(b []byte) (n int, err error) {
	copy(ping.data[:], b)
	return
}

// SetData ...
func (ping *Ping) SetData(b []byte) {
	copy(ping.data[:], b)
}

// Deserialize ...
func (ping *Ping) Deserialize(frh *FrameHeader) error {
	ping.ack = frh.Flags().Has(FlagAck)
	ping.SetData(frh.payload)
	return nil
}

func (ping *Ping) Data() []byte {
	return ping.data[:]
}

// Serialize ...
func (ping *Ping) Serialize(fr *FrameHeader) {
	if ping.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
	}

	fr.setPayload(ping.data[:])
}

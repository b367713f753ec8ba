package http2

import (
	"github.com/nexthop-rpc/http2/http2utils"
)

const FrameSettings FrameType = 0x4

var _ Frame = &Settings{}

const (
	// default Settings parameters
	defaultHeaderTableSize   uint32 = 4096
	defaultConcurrentStreams uint32 = 100
	defaultWindowSize        uint32 = 1<<16 - 1
	defaultMaxFrameSize      uint32 = 1 << 14

	maxWindowSize = 1<<31 - 1
	maxFrameSize  = 1 << 14

	// SettingHeaderTableSize and friends are the setting identifiers
	// (https://httpwg.org/specs/rfc7540.html#SettingValues)
	SettingHeaderTableSize      uint16 = 0x1
	SettingEnablePush           uint16 = 0x2
	SettingMaxConcurrentStreams uint16 = 0x3
	SettingInitialWindowSize    uint16 = 0x4
	SettingMaxFrameSize         uint16 = 0x5
	SettingMaxHeaderListSize    uint16 = 0x6
)

// Settings defines a SETTINGS frame.
//
// https://tools.ietf.org/html/rfc7540#section-6.5
type Settings struct {
	ack          bool
	rawSettings  []byte
	tableSize    uint32
	enablePush   bool
	maxStreams   uint32
	windowSize   uint32
	frameSize    uint32
	headerSize   uint32
	hasStreams   bool
	hasWindow    bool
	hasTableSize bool
}

func (st *Settings) Type() FrameType {
	return FrameSettings
}

// Reset resets the settings to their default values.
func (st *Settings) Reset() {
	st.ack = false
	st.rawSettings = st.rawSettings[:0]
	st.tableSize = defaultHeaderTableSize
	st.enablePush = false
	st.maxStreams = defaultConcurrentStreams
	st.windowSize = defaultWindowSize
	st.frameSize = defaultMaxFrameSize
	st.headerSize = 0
	st.hasStreams = false
	st.hasWindow = false
	st.hasTableSize = false
}

// CopyTo copies st fields to st2.
func (st *Settings) CopyTo(st2 *Settings) {
	st2.ack = st.ack
	st2.rawSettings = append(st2.rawSettings[:0], st.rawSettings...)
	st2.tableSize = st.tableSize
	st2.enablePush = st.enablePush
	st2.maxStreams = st.maxStreams
	st2.windowSize = st.windowSize
	st2.frameSize = st.frameSize
	st2.headerSize = st.headerSize
	st2.hasStreams = st.hasStreams
	st2.hasWindow = st.hasWindow
	st2.hasTableSize = st.hasTableSize
}

// IsAck returns true if the frame has the ACK flag set.
func (st *Settings) IsAck() bool {
	return st.ack
}

// SetAck sets the ACK flag.
func (st *Settings) SetAck(ack bool) {
	st.ack = ack
}

// HeaderTableSize returns the SETTINGS_HEADER_TABLE_SIZE value.
func (st *Settings) HeaderTableSize() uint32 {
	return st.tableSize
}

// SetHeaderTableSize sets the SETTINGS_HEADER_TABLE_SIZE value.
func (st *Settings) SetHeaderTableSize(size uint32) {
	st.tableSize = size
	st.hasTableSize = true
}

// HasHeaderTableSize returns whether the frame carried SETTINGS_HEADER_TABLE_SIZE.
func (st *Settings) HasHeaderTableSize() bool {
	return st.hasTableSize
}

// Push returns whether the SETTINGS_ENABLE_PUSH value is 1.
func (st *Settings) Push() bool {
	return st.enablePush
}

// SetPush sets the SETTINGS_ENABLE_PUSH value.
func (st *Settings) SetPush(value bool) {
	st.enablePush = value
}

// MaxConcurrentStreams returns the SETTINGS_MAX_CONCURRENT_STREAMS value.
func (st *Settings) MaxConcurrentStreams() uint32 {
	return st.maxStreams
}

// SetMaxConcurrentStreams sets the SETTINGS_MAX_CONCURRENT_STREAMS value.
func (st *Settings) SetMaxConcurrentStreams(streams uint32) {
	st.maxStreams = streams
	st.hasStreams = true
}

// HasMaxConcurrentStreams returns whether the frame carried
// SETTINGS_MAX_CONCURRENT_STREAMS.
func (st *Settings) HasMaxConcurrentStreams() bool {
	return st.hasStreams
}

// MaxWindowSize returns the SETTINGS_INITIAL_WINDOW_SIZE value.
func (st *Settings) MaxWindowSize() uint32 {
	return st.windowSize
}

// SetMaxWindowSize sets the SETTINGS_INITIAL_WINDOW_SIZE value.
func (st *Settings) SetMaxWindowSize(size uint32) {
	st.windowSize = size
	st.hasWindow = true
}

// HasMaxWindowSize returns whether the frame carried SETTINGS_INITIAL_WINDOW_SIZE.
func (st *Settings) HasMaxWindowSize() bool {
	return st.hasWindow
}

// MaxFrameSize returns the SETTINGS_MAX_FRAME_SIZE value.
func (st *Settings) MaxFrameSize() uint32 {
	return st.frameSize
}

// SetMaxFrameSize sets the SETTINGS_MAX_FRAME_SIZE value.
func (st *Settings) SetMaxFrameSize(size uint32) {
	st.frameSize = size
}

// MaxHeaderListSize returns the SETTINGS_MAX_HEADER_LIST_SIZE value.
func (st *Settings) MaxHeaderListSize() uint32 {
	return st.headerSize
}

// SetMaxHeaderListSize sets the SETTINGS_MAX_HEADER_LIST_SIZE value.
func (st *Settings) SetMaxHeaderListSize(size uint32) {
	st.headerSize = size
}

// Encode encodes the settings into rawSettings to be sent through the wire.
func (st *Settings) Encode() {
	st.rawSettings = st.rawSettings[:0]
	if st.tableSize != 0 {
		st.rawSettings = appendSetting(st.rawSettings, SettingHeaderTableSize, st.tableSize)
	}
	if st.enablePush {
		st.rawSettings = appendSetting(st.rawSettings, SettingEnablePush, 1)
	} else {
		st.rawSettings = appendSetting(st.rawSettings, SettingEnablePush, 0)
	}
	if st.hasStreams {
		st.rawSettings = appendSetting(st.rawSettings, SettingMaxConcurrentStreams, st.maxStreams)
	}
	if st.hasWindow {
		st.rawSettings = appendSetting(st.rawSettings, SettingInitialWindowSize, st.windowSize)
	}
	if st.frameSize != 0 {
		st.rawSettings = appendSetting(st.rawSettings, SettingMaxFrameSize, st.frameSize)
	}
	if st.headerSize != 0 {
		st.rawSettings = appendSetting(st.rawSettings, SettingMaxHeaderListSize, st.headerSize)
	}
}

func appendSetting(dst []byte, id uint16, value uint32) []byte {
	dst = append(dst, byte(id>>8), byte(id))
	return http2utils.AppendUint32Bytes(dst, value)
}

// Decode decodes the given payload into st.
func (st *Settings) Decode(d []byte) {
	st.rawSettings = append(st.rawSettings[:0], d...)

	for i := 0; i+6 <= len(d); i += 6 {
		key := uint16(d[i])<<8 | uint16(d[i+1])
		value := http2utils.BytesToUint32(d[i+2:])

		switch key {
		case SettingHeaderTableSize:
			st.tableSize = value
			st.hasTableSize = true
		case SettingEnablePush:
			st.enablePush = value != 0
		case SettingMaxConcurrentStreams:
			st.maxStreams = value
			st.hasStreams = true
		case SettingInitialWindowSize:
			st.windowSize = value
			st.hasWindow = true
		case SettingMaxFrameSize:
			st.frameSize = value
		case SettingMaxHeaderListSize:
			st.headerSize = value
		}
	}
}

// ForEach visits every setting pair carried on the frame in wire order.
func (st *Settings) ForEach(fn func(id uint16, value uint32)) {
	d := st.rawSettings
	for i := 0; i+6 <= len(d); i += 6 {
		fn(uint16(d[i])<<8|uint16(d[i+1]), http2utils.BytesToUint32(d[i+2:]))
	}
}

func (st *Settings) Deserialize(frh *FrameHeader) error {
	if len(frh.payload)%6 != 0 {
		return ErrMissingBytes
	}

	st.ack = frh.Flags().Has(FlagAck)
	st.Decode(frh.payload)

	return nil
}

func (st *Settings) Serialize(frh *FrameHeader) {
	if st.ack {
		frh.SetFlags(frh.Flags().Add(FlagAck))
		frh.setPayload(nil)
		return
	}

	st.Encode()
	frh.setPayload(st.rawSettings)
}

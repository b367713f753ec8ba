package http2

// outboundFlow accounts the peer-granted send windows: one for the
// connection and one per stream, both seeded from the peer's
// SETTINGS_INITIAL_WINDOW_SIZE (65,535 until told otherwise).
//
// Submitted data is debited immediately up to the available credit;
// the remainder queues on the stream and drains greedily as
// WINDOW_UPDATE credit arrives. Nothing here blocks: exhausted credit
// parks bytes, not goroutines.
//
// All methods are called with the transport mutex held.
type outboundFlow struct {
	wq *writeQueue

	connWindow    int32
	initialWindow int32
}

func newOutboundFlow(wq *writeQueue) *outboundFlow {
	return &outboundFlow{
		wq:            wq,
		connWindow:    int32(defaultWindowSize),
		initialWindow: int32(defaultWindowSize),
	}
}

// seedStream gives a new stream its initial send window.
func (fc *outboundFlow) seedStream(strm *Stream) {
	strm.sendWindow = fc.initialWindow
}

// sendData queues b on the stream and sends whatever credit allows.
func (fc *outboundFlow) sendData(strm *Stream, b []byte, endStream bool) {
	strm.pendingData = append(strm.pendingData, outChunk{b: b, endStream: endStream})
	fc.drainStream(strm)
}

// updateStreamWindow credits one stream. Returns false on 2^31-1
// overflow, which the caller must treat as a stream error.
func (fc *outboundFlow) updateStreamWindow(strm *Stream, delta int32) bool {
	if int64(strm.sendWindow)+int64(delta) > maxWindowSize {
		return false
	}

	strm.sendWindow += delta
	fc.drainStream(strm)

	return true
}

// updateConnWindow credits the connection window and drains every
// stream with parked bytes. Returns false on overflow.
func (fc *outboundFlow) updateConnWindow(delta int32, streams map[uint32]*Stream) bool {
	if int64(fc.connWindow)+int64(delta) > maxWindowSize {
		return false
	}

	fc.connWindow += delta
	for _, strm := range streams {
		if len(strm.pendingData) > 0 {
			fc.drainStream(strm)
			if fc.connWindow <= 0 {
				break
			}
		}
	}

	return true
}

// updateInitialWindow applies a peer SETTINGS_INITIAL_WINDOW_SIZE
// change: every live stream's window shifts by the delta, positive
// deltas drain parked bytes.
func (fc *outboundFlow) updateInitialWindow(newInit int32, streams map[uint32]*Stream) {
	delta := newInit - fc.initialWindow
	fc.initialWindow = newInit

	for _, strm := range streams {
		strm.sendWindow += delta
		if delta > 0 {
			fc.drainStream(strm)
		}
	}
}

// drainStream emits as much of the stream's parked data as both
// windows allow, splitting chunks at the frame size cap.
func (fc *outboundFlow) drainStream(strm *Stream) {
	if !strm.started {
		return
	}

	for len(strm.pendingData) > 0 {
		chunk := &strm.pendingData[0]

		if len(chunk.b) == 0 {
			// bare half-close, needs no credit
			fc.writeData(strm.id, nil, chunk.endStream)
			strm.pendingData = strm.pendingData[1:]
			continue
		}

		n := len(chunk.b)
		if n > int(strm.sendWindow) {
			n = int(strm.sendWindow)
		}
		if n > int(fc.connWindow) {
			n = int(fc.connWindow)
		}
		if n > maxFrameSize {
			n = maxFrameSize
		}
		if n <= 0 {
			return
		}

		last := n == len(chunk.b)
		fc.writeData(strm.id, chunk.b[:n], chunk.endStream && last)

		strm.sendWindow -= int32(n)
		fc.connWindow -= int32(n)

		if last {
			strm.pendingData = strm.pendingData[1:]
		} else {
			chunk.b = chunk.b[n:]
		}
	}
}

func (fc *outboundFlow) writeData(streamID uint32, b []byte, endStream bool) {
	fr := AcquireFrameHeader()
	fr.SetStream(streamID)

	data := AcquireFrame(FrameData).(*Data)
	data.SetData(b)
	data.SetEndStream(endStream)
	fr.SetBody(data)

	fc.wq.enqueueFrame(fr, true)
}

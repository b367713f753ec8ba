package http2

import (
	"time"

	"github.com/valyala/fastrand"
)

// DefaultPingInterval is the default keepalive ping interval.
const DefaultPingInterval = 3 * time.Second

// keepaliveMaxUnacked is how many keepalive pings may go unanswered
// before the connection is considered dead.
const keepaliveMaxUnacked = 3

// PingCallback is invoked with the measured round-trip time once the
// peer acknowledges a ping, or with an error if the transport dies
// first.
type PingCallback func(rtt time.Duration, err error)

// pingRecord is the single in-flight PING: its opaque payload, when it
// left, and everyone waiting on it.
type pingRecord struct {
	payload   uint64
	started   time.Time
	callbacks []PingCallback
}

// pingTracker keeps the at-most-one outstanding PING and coalesces
// concurrent callers onto it. Guarded by the transport mutex.
type pingTracker struct {
	outstanding *pingRecord
}

// attach joins cb to the in-flight ping if one exists.
func (pt *pingTracker) attach(cb PingCallback) bool {
	if pt.outstanding == nil {
		return false
	}

	pt.outstanding.callbacks = append(pt.outstanding.callbacks, cb)

	return true
}

// begin starts a fresh ping with a random opaque payload. The caller
// sends the actual frame outside the lock.
func (pt *pingTracker) begin(cb PingCallback) *pingRecord {
	rec := &pingRecord{
		payload:   uint64(fastrand.Uint32())<<32 | uint64(fastrand.Uint32()),
		started:   time.Now(),
		callbacks: []PingCallback{cb},
	}
	pt.outstanding = rec

	return rec
}

// ack matches an inbound PING ack against the outstanding record.
// A payload mismatch leaves the record in place and returns nil.
func (pt *pingTracker) ack(payload uint64) *pingRecord {
	rec := pt.outstanding
	if rec == nil || rec.payload != payload {
		return nil
	}

	pt.outstanding = nil

	return rec
}

// detach removes and returns the outstanding record, if any.
func (pt *pingTracker) detach() *pingRecord {
	rec := pt.outstanding
	pt.outstanding = nil
	return rec
}

// succeed completes every waiter with the measured round trip.
// Called outside the lock.
func (rec *pingRecord) succeed() {
	rtt := time.Since(rec.started)
	for _, cb := range rec.callbacks {
		cb(rtt, nil)
	}
}

// fail completes every waiter with err. Called outside the lock.
func (rec *pingRecord) fail(err error) {
	for _, cb := range rec.callbacks {
		cb(0, err)
	}
}

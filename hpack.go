package http2

import (
	"bytes"
	"sync"

	"golang.org/x/net/http2/hpack"
)

// HPACK represents the HPACK encoding and decoding state of one
// connection direction.
//
// Use AcquireHPACK to acquire a HPACK. An HPACK instance MUST NOT be
// used from different goroutines: the dynamic tables on both ends only
// stay in sync if fields are coded in wire order.
type HPACK struct {
	encBuf bytes.Buffer
	enc    *hpack.Encoder
	dec    *hpack.Decoder

	fields []hpack.HeaderField
}

var hpackPool = sync.Pool{
	New: func() interface{} {
		hp := &HPACK{}
		hp.init()
		return hp
	},
}

// AcquireHPACK gets HPACK from the pool.
func AcquireHPACK() *HPACK {
	hp := hpackPool.Get().(*HPACK)
	hp.Reset()
	return hp
}

// ReleaseHPACK puts HPACK to the pool.
func ReleaseHPACK(hp *HPACK) {
	hp.Reset()
	hpackPool.Put(hp)
}

func (hp *HPACK) init() {
	hp.enc = hpack.NewEncoder(&hp.encBuf)
	hp.dec = hpack.NewDecoder(defaultHeaderTableSize, func(f hpack.HeaderField) {
		hp.fields = append(hp.fields, f)
	})
}

// Reset discards the coding state. The dynamic tables are dropped, so
// Reset must only be called between connections.
func (hp *HPACK) Reset() {
	hp.encBuf.Reset()
	hp.fields = hp.fields[:0]
	hp.init()
}

// SetMaxTableSize sets the maximum dynamic table size used when
// encoding, normally the peer's SETTINGS_HEADER_TABLE_SIZE.
func (hp *HPACK) SetMaxTableSize(size int) {
	hp.enc.SetMaxDynamicTableSize(uint32(size))
}

// AppendHeader encodes hf and appends the coded bytes to dst,
// returning the extended slice.
//
// If store is false (or the field is marked sensible) the field is
// coded as never-indexed and kept out of the dynamic tables.
func (hp *HPACK) AppendHeader(dst []byte, hf *HeaderField, store bool) []byte {
	hp.encBuf.Reset()

	_ = hp.enc.WriteField(hpack.HeaderField{
		Name:      hf.Key(),
		Value:     hf.Value(),
		Sensitive: !store || hf.IsSensible(),
	})

	return append(dst, hp.encBuf.Bytes()...)
}

// AppendHeaderField encodes hf into the given Headers frame.
func (hp *HPACK) AppendHeaderField(h *Headers, hf *HeaderField, store bool) {
	h.SetHeaders(hp.AppendHeader(h.Headers(), hf, store))
}

// Decode decodes a complete header block, visiting every field in wire
// order. The *HeaderField handed to visit is reused across calls.
func (hp *HPACK) Decode(b []byte, visit func(hf *HeaderField)) error {
	hp.fields = hp.fields[:0]

	if _, err := hp.dec.Write(b); err != nil {
		return err
	}
	if err := hp.dec.Close(); err != nil {
		return err
	}

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	for i := range hp.fields {
		hf.Set(hp.fields[i].Name, hp.fields[i].Value)
		hf.sensible = hp.fields[i].Sensitive
		visit(hf)
	}

	return nil
}

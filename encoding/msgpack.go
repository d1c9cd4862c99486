// Package encoding provides centralized msgpack serialization for tidemark.
// Raft entries, engine values, publish log records and gRPC messages all go
// through this package so every component agrees on the wire shape.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	enc := msgpack.NewEncoder(buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings stay Go strings (not []byte).
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// Encoder writes a sequence of msgpack values to a stream
type Encoder struct {
	enc *msgpack.Encoder
}

// NewEncoder returns an encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: msgpack.NewEncoder(w)}
}

// Encode writes one value
func (e *Encoder) Encode(v interface{}) error {
	return e.enc.Encode(v)
}

// Decoder reads a sequence of msgpack values from a stream
type Decoder struct {
	dec *msgpack.Decoder
}

// NewDecoder returns a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)
	return &Decoder{dec: dec}
}

// Decode reads the next value. It returns io.EOF at the end of the stream.
func (d *Decoder) Decode(v interface{}) error {
	return d.dec.Decode(v)
}

// Package encoding is the msgpack codec for records persisted by pgrelay
// (position log entries). All on-disk msgpack goes through this package so
// the encoder options stay identical between writers and readers.
//
// Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var bufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// Marshal encodes v to msgpack. Integers use the smallest encoding that
// holds the value.
func Marshal(v interface{}) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	enc := msgpack.NewEncoder(buf)
	enc.UseCompactInts(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	// buf is reused, hand out a copy
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Unmarshal decodes msgpack data into v. When decoding into interface{},
// strings stay Go strings instead of []byte.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

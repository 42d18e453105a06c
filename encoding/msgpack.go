// Package encoding provides centralized serialization/deserialization for ripple.
// ALL msgpack operations MUST go through this package to ensure consistent behavior.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
//
// Type Preservation: When decoding into interface{}, msgpack strings decode as
// Go strings (not []byte). Row values land in map[string]any, and both filter
// comparison and JSON rendering of rows require text columns to arrive as
// strings.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings (not
// []byte). Without this, a text column decoded from a change payload would
// compare unequal to the same text in a row filter, and JSON output of rows
// would base64-encode what should be plain text.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// UseLooseInterfaceDecoding converts []byte to string when decoding into interface{}
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

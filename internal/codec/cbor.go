// Package codec holds the CBOR configuration for the supervisor⇄worker
// pipe protocol. JSON is used for everything a host or operator reads
// (control service, export files); CBOR is used on the worker pipes only.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: sorted map keys, shortest integers.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Payloads are opaque map[string]any; the default
		// map[interface{}]interface{} does not round-trip through JSON.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// A single frame is bounded; a misbehaving worker must not make
		// the supervisor allocate without limit.
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
		MaxNestedLevels:  32,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with deterministic encoding.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// Encoder and Decoder are aliases so callers only import this package.
type (
	Encoder = cbor.Encoder
	Decoder = cbor.Decoder
)

// UnmarshalTypeError reports a well-formed item of the wrong type. The
// stream decoder has consumed the item, so the stream stays usable.
type UnmarshalTypeError = cbor.UnmarshalTypeError

// NewEncoder returns a stream encoder writing to w.
func NewEncoder(w io.Writer) *Encoder { return encMode.NewEncoder(w) }

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder { return decMode.NewDecoder(r) }

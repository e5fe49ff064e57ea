// Package codec implements the reversible wire pipeline used by the transport:
// a serializer turns a payload.Value into bytes, and optional stages wrap it
// to compress and encrypt the result.
//
// A stage A wrapping B encodes as A.transform(B.Encode(v)) and decodes as
// B.Decode(A.untransform(b)), so decoding always reverses the encode order.
// Every Codec is stateless after construction and safe for concurrent use.
package codec

import (
	"github.com/c360/nodemesh/payload"
)

// Codec encodes payloads to wire bytes and back
type Codec interface {
	Encode(v payload.Value) ([]byte, error)
	Decode(data []byte) (payload.Value, error)
	Name() string
}

// Chain describes the stage names of c from outermost to innermost
func Chain(c Codec) []string {
	var names []string
	for c != nil {
		names = append(names, c.Name())
		w, ok := c.(interface{ Parent() Codec })
		if !ok {
			break
		}
		c = w.Parent()
	}
	return names
}

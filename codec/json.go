package codec

import (
	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/payload"
)

// JSON is the default serializer. Map key order is preserved.
type JSON struct{}

// NewJSON returns the JSON serializer
func NewJSON() *JSON {
	return &JSON{}
}

// Name implements Codec
func (*JSON) Name() string { return "json" }

// Encode implements Codec
func (*JSON) Encode(v payload.Value) ([]byte, error) {
	b, err := v.MarshalJSON()
	if err != nil {
		return nil, errors.WrapInvalid(err, "JSON", "Encode", "marshal payload")
	}
	return b, nil
}

// Decode implements Codec. Empty input decodes to null.
func (*JSON) Decode(data []byte) (payload.Value, error) {
	if len(data) == 0 {
		return payload.Null(), nil
	}
	v, err := payload.ParseJSON(data)
	if err != nil {
		return payload.Value{}, errors.NewDecodeError("json", err)
	}
	return v, nil
}

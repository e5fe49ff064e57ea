package codec

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/payload"
)

// MsgPack serializes payloads as MessagePack. Maps keep their key order in
// both directions.
type MsgPack struct {
	handle *msgpack.MsgpackHandle
	bufs   sync.Pool
}

// NewMsgPack returns the MessagePack serializer
func NewMsgPack() *MsgPack {
	h := &msgpack.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	// schema-less maps decode into key/value slices, in wire order
	h.MapType = reflect.TypeOf(orderedMap(nil))
	return &MsgPack{
		handle: h,
		bufs: sync.Pool{New: func() any {
			return new(bytes.Buffer)
		}},
	}
}

// Name implements Codec
func (*MsgPack) Name() string { return "msgpack" }

// orderedMap encodes as a MessagePack map of alternating keys and values
type orderedMap []any

// MapBySlice marks orderedMap for map encoding and decoding
func (orderedMap) MapBySlice() {}

// fromWire converts a decoded MessagePack tree into a payload
func fromWire(x any) (payload.Value, error) {
	switch t := x.(type) {
	case orderedMap:
		if len(t)%2 != 0 {
			return payload.Value{}, fmt.Errorf("map with %d entries is not key/value pairs", len(t))
		}
		fields := make([]payload.Field, 0, len(t)/2)
		for i := 0; i < len(t); i += 2 {
			key, ok := t[i].(string)
			if !ok {
				return payload.Value{}, fmt.Errorf("map key %v (%T) is not a string", t[i], t[i])
			}
			v, err := fromWire(t[i+1])
			if err != nil {
				return payload.Value{}, fmt.Errorf("%s: %w", key, err)
			}
			fields = append(fields, payload.F(key, v))
		}
		return payload.Map(fields...), nil
	case []any:
		items := make([]payload.Value, len(t))
		for i, item := range t {
			v, err := fromWire(item)
			if err != nil {
				return payload.Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = v
		}
		return payload.List(items...), nil
	default:
		return payload.FromAny(x)
	}
}

func toWire(v payload.Value) any {
	switch v.Kind() {
	case payload.KindBool:
		b, _ := v.AsBool()
		return b
	case payload.KindNumber:
		if i, ok := v.AsInt(); ok {
			return i
		}
		n, _ := v.AsNumber()
		return n
	case payload.KindString:
		return v.Str()
	case payload.KindList:
		items := v.Items()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = toWire(item)
		}
		return out
	case payload.KindMap:
		keys := v.Keys()
		out := make(orderedMap, 0, 2*len(keys))
		for _, k := range keys {
			out = append(out, k, toWire(v.Field(k)))
		}
		return out
	default:
		return nil
	}
}

// Encode implements Codec
func (m *MsgPack) Encode(v payload.Value) ([]byte, error) {
	buf := m.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer m.bufs.Put(buf)

	if err := msgpack.NewEncoder(buf, m.handle).Encode(toWire(v)); err != nil {
		return nil, errors.WrapInvalid(err, "MsgPack", "Encode", "encode payload")
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Decode implements Codec. Empty input decodes to null.
func (m *MsgPack) Decode(data []byte) (out payload.Value, err error) {
	if len(data) == 0 {
		return payload.Null(), nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.NewDecodeError("msgpack", fmt.Errorf("%v", r))
		}
	}()

	var raw any
	if err := msgpack.NewDecoderBytes(data, m.handle).Decode(&raw); err != nil {
		return payload.Value{}, errors.NewDecodeError("msgpack", err)
	}
	v, err := fromWire(raw)
	if err != nil {
		return payload.Value{}, errors.NewDecodeError("msgpack", err)
	}
	return v, nil
}

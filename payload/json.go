package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
)

// MarshalJSON encodes v with map keys in insertion order
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return fmt.Errorf("payload: unsupported number %v", v.n)
		}
		b, err := json.Marshal(v.n)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindString:
		b, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		buf.WriteByte('{')
		for i, k := range v.obj.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.obj.vals[k].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("payload: unknown kind %d", v.kind)
	}
	return nil
}

// UnmarshalJSON decodes data keeping object key order
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	val, err := readJSON(dec)
	if err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("payload: trailing data after JSON value")
	}
	*v = val
	return nil
}

// ParseJSON decodes a JSON document into a Value
func ParseJSON(data []byte) (Value, error) {
	var v Value
	err := v.UnmarshalJSON(data)
	return v, err
}

func readJSON(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("payload: number %s: %w", t, err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				item, err := readJSON(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: KindList, list: items}, nil
		case '{':
			obj := &object{vals: make(map[string]Value)}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("payload: object key %v is not a string", keyTok)
				}
				val, err := readJSON(dec)
				if err != nil {
					return Value{}, err
				}
				obj.set(key, val)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: KindMap, obj: obj}, nil
		}
	}
	return Value{}, fmt.Errorf("payload: unexpected JSON token %v", tok)
}

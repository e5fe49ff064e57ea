// Package payload provides the dynamically-typed message body exchanged
// between nodes. A Value is an immutable tagged union of null, bool, number,
// string, list and map. Maps keep the insertion order of their keys.
package payload

import (
	"math"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value
type Kind uint8

// Value kinds
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a node of the payload tree. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	obj  *object
}

type object struct {
	keys []string
	vals map[string]Value
}

// Null returns the null value
func Null() Value { return Value{} }

// Bool returns a boolean value
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric value
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Int returns a numeric value from an integer
func Int(n int64) Value { return Value{kind: KindNumber, n: float64(n)} }

// String returns a string value
func String(s string) Value { return Value{kind: KindString, s: s} }

// List returns a list holding a copy of items
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

// Field is a key/value pair used to build maps in order
type Field struct {
	Key   string
	Value Value
}

// F is shorthand for Field{key, value}
func F(key string, value Value) Field {
	return Field{Key: key, Value: value}
}

// Map returns a map built from fields in order. A repeated key keeps its
// first position and takes the last value.
func Map(fields ...Field) Value {
	obj := &object{
		keys: make([]string, 0, len(fields)),
		vals: make(map[string]Value, len(fields)),
	}
	for _, f := range fields {
		obj.set(f.Key, f.Value)
	}
	return Value{kind: KindMap, obj: obj}
}

// NewMap returns an empty map
func NewMap() Value {
	return Map()
}

func (o *object) set(key string, v Value) {
	if _, ok := o.vals[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.vals[key] = v
}

func (o *object) clone() *object {
	cp := &object{
		keys: make([]string, len(o.keys), len(o.keys)+1),
		vals: make(map[string]Value, len(o.vals)+1),
	}
	copy(cp.keys, o.keys)
	for k, v := range o.vals {
		cp.vals[k] = v
	}
	return cp
}

// Kind returns the variant of v
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean held by v
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsNumber returns the number held by v
func (v Value) AsNumber() (float64, bool) {
	return v.n, v.kind == KindNumber
}

// AsInt returns the number held by v when it is integral
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber || v.n != math.Trunc(v.n) || math.IsInf(v.n, 0) {
		return 0, false
	}
	return int64(v.n), true
}

// AsString returns the string held by v
func (v Value) AsString() (string, bool) {
	return v.s, v.kind == KindString
}

// Str returns the string held by v, or "" for any other kind
func (v Value) Str() string {
	return v.s
}

// Len returns the number of list items or map entries
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.obj.keys)
	default:
		return 0
	}
}

// Index returns list item i, or null when out of range
func (v Value) Index(i int) Value {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Value{}
	}
	return v.list[i]
}

// Items returns a copy of the list items
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	cp := make([]Value, len(v.list))
	copy(cp, v.list)
	return cp
}

// Get returns the value under key and whether it is present
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	val, ok := v.obj.vals[key]
	return val, ok
}

// Field returns the value under key, or null
func (v Value) Field(key string) Value {
	val, _ := v.Get(key)
	return val
}

// GetPath walks a dot separated path. Numeric segments index lists.
func (v Value) GetPath(path string) (Value, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch cur.kind {
		case KindMap:
			next, ok := cur.obj.vals[seg]
			if !ok {
				return Value{}, false
			}
			cur = next
		case KindList:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(cur.list) {
				return Value{}, false
			}
			cur = cur.list[i]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// Keys returns map keys in insertion order
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	cp := make([]string, len(v.obj.keys))
	copy(cp, v.obj.keys)
	return cp
}

// With returns a copy of the map v with key set to val. A non-map v is
// treated as an empty map.
func (v Value) With(key string, val Value) Value {
	var obj *object
	if v.kind == KindMap {
		obj = v.obj.clone()
	} else {
		obj = &object{vals: make(map[string]Value, 1)}
	}
	obj.set(key, val)
	return Value{kind: KindMap, obj: obj}
}

// Merge returns a copy of v with every entry of other set on it in order
func (v Value) Merge(other Value) Value {
	out := v
	if out.kind != KindMap {
		out = NewMap()
	}
	if other.kind != KindMap {
		return out
	}
	obj := out.obj.clone()
	for _, k := range other.obj.keys {
		obj.set(k, other.obj.vals[k])
	}
	return Value{kind: KindMap, obj: obj}
}

// Equal reports deep equality. Map equality does not depend on key order.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindNumber:
		return v.n == other.n
	case KindString:
		return v.s == other.s
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.obj.keys) != len(other.obj.keys) {
			return false
		}
		for k, a := range v.obj.vals {
			b, ok := other.obj.vals[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders v as compact JSON
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "<invalid payload>"
	}
	return string(b)
}

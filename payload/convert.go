package payload

import (
	"fmt"
	"reflect"
	"sort"
)

// FromAny converts native Go values into a Value. Maps with unordered keys
// are converted with keys sorted.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case []byte:
		return String(string(t)), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case []Value:
		return List(t...), nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return Value{kind: KindList, list: items}, nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = v
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := &object{keys: make([]string, 0, len(keys)), vals: make(map[string]Value, len(keys))}
		for _, k := range keys {
			v, err := FromAny(t[k])
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			obj.set(k, v)
		}
		return Value{kind: KindMap, obj: obj}, nil
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, v := range t {
			ks, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("payload: map key %v (%T) is not a string", k, k)
			}
			m[ks] = v
		}
		return FromAny(m)
	}
	return Value{}, fmt.Errorf("payload: unsupported type %s", reflect.TypeOf(x))
}

// MustFromAny is FromAny that panics on unsupported input. For literals in tests
// and fixed protocol packets.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}
	return v
}

// ToAny converts v into plain Go values: nil, bool, float64, string, []any
// and map[string]any.
func (v Value) ToAny() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.obj.keys))
		for _, k := range v.obj.keys {
			out[k] = v.obj.vals[k].ToAny()
		}
		return out
	default:
		return nil
	}
}

// Strings returns the string items of a list, skipping other kinds
func (v Value) Strings() []string {
	if v.kind != KindList {
		return nil
	}
	out := make([]string, 0, len(v.list))
	for _, item := range v.list {
		if item.kind == KindString {
			out = append(out, item.s)
		}
	}
	return out
}

package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroValueIsNull(t *testing.T) {
	var v Value
	assert.True(t, v.IsNull())
	assert.Equal(t, KindNull, v.Kind())
	assert.True(t, v.Equal(Null()))
	assert.Equal(t, "null", v.String())
}

func TestAccessors(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		kind Kind
	}{
		{"bool", Bool(true), KindBool},
		{"number", Number(1.5), KindNumber},
		{"int", Int(7), KindNumber},
		{"string", String("x"), KindString},
		{"list", List(Int(1)), KindList},
		{"map", Map(F("a", Int(1))), KindMap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.v.Kind())
			assert.Equal(t, tt.name == "list" || tt.name == "map", tt.v.Len() == 1)
		})
	}

	b, ok := Bool(true).AsBool()
	assert.True(t, ok)
	assert.True(t, b)

	_, ok = String("1").AsNumber()
	assert.False(t, ok)

	n, ok := Number(3).AsInt()
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)

	_, ok = Number(3.5).AsInt()
	assert.False(t, ok)

	assert.True(t, List(String("a")).Index(3).IsNull())
}

func TestMapOrderAndWith(t *testing.T) {
	m := Map(F("b", Int(1)), F("a", Int(2)), F("b", Int(3)))
	assert.Equal(t, []string{"b", "a"}, m.Keys())
	assert.True(t, m.Field("b").Equal(Int(3)))

	m2 := m.With("c", Bool(true))
	assert.Equal(t, []string{"b", "a"}, m.Keys(), "With must not mutate the receiver")
	assert.Equal(t, []string{"b", "a", "c"}, m2.Keys())

	merged := Map(F("x", Int(1))).Merge(Map(F("y", Int(2)), F("x", Int(3))))
	assert.Equal(t, []string{"x", "y"}, merged.Keys())
	assert.True(t, merged.Field("x").Equal(Int(3)))

	assert.Equal(t, []string{"k"}, Null().With("k", Null()).Keys())
}

func TestGetPath(t *testing.T) {
	v := MustFromAny(map[string]any{
		"a": map[string]any{
			"b": []any{"zero", map[string]any{"c": 42}},
		},
	})

	got, ok := v.GetPath("a.b.1.c")
	require.True(t, ok)
	assert.True(t, got.Equal(Int(42)))

	_, ok = v.GetPath("a.b.9")
	assert.False(t, ok)
	_, ok = v.GetPath("a.missing")
	assert.False(t, ok)
	_, ok = v.GetPath("a.b.0.c")
	assert.False(t, ok)

	self, ok := v.GetPath("")
	assert.True(t, ok)
	assert.True(t, self.Equal(v))
}

func TestEqual(t *testing.T) {
	a := Map(F("x", Int(1)), F("y", List(String("s"), Null())))
	b := Map(F("y", List(String("s"), Null())), F("x", Int(1)))
	c := Map(F("x", Int(1)), F("y", List(String("s"))))

	assert.True(t, a.Equal(b), "map equality ignores key order")
	assert.False(t, a.Equal(c))
	assert.False(t, Int(1).Equal(String("1")))
	assert.False(t, Map(F("x", Null())).Equal(Map(F("y", Null()))))
}

func TestJSONPreservesOrder(t *testing.T) {
	in := `{"z":1,"a":[true,null,"s",2.5],"m":{"k2":{},"k1":[]}}`

	v, err := ParseJSON([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, v.Keys())
	assert.Equal(t, []string{"k2", "k1"}, v.Field("m").Keys())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, in, string(out))
}

func TestJSONErrors(t *testing.T) {
	for _, in := range []string{`{"a":`, `[1,2`, `1 2`, ``} {
		_, err := ParseJSON([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestFromAnyToAny(t *testing.T) {
	native := map[string]any{
		"n":   int64(5),
		"f":   2.5,
		"s":   "str",
		"b":   false,
		"nil": nil,
		"l":   []any{uint8(1), "two"},
		"m":   map[any]any{"k": "v"},
	}

	v, err := FromAny(native)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "f", "l", "m", "n", "nil", "s"}, v.Keys())

	back := v.ToAny().(map[string]any)
	assert.Equal(t, 5.0, back["n"])
	assert.Equal(t, []any{1.0, "two"}, back["l"])
	assert.Equal(t, map[string]any{"k": "v"}, back["m"])

	_, err = FromAny(struct{}{})
	assert.Error(t, err)

	_, err = FromAny(map[any]any{1: "x"})
	assert.Error(t, err)

	assert.Equal(t, []string{"a", "b"}, MustFromAny([]any{"a", 1, "b"}).Strings())
}

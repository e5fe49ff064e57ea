package codec

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodemesh/config"
	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/payload"
)

func samplePayloads() map[string]payload.Value {
	return map[string]payload.Value{
		"null":   payload.Null(),
		"bool":   payload.Bool(true),
		"number": payload.Number(3.25),
		"int":    payload.Int(-42),
		"string": payload.String("héllo"),
		"empty":  payload.NewMap(),
		"list":   payload.List(payload.Int(1), payload.String("two"), payload.Null()),
		"unsorted": payload.Map(
			payload.F("z", payload.Int(1)),
			payload.F("b", payload.Int(2)),
			payload.F("a", payload.Int(3)),
		),
		"request": payload.Map(
			payload.F("ver", payload.String("4")),
			payload.F("sender", payload.String("node-1")),
			payload.F("action", payload.String("math.add")),
			payload.F("params", payload.Map(payload.F("a", payload.Int(2)), payload.F("b", payload.Int(3)))),
		),
		"large": payload.Map(
			payload.F("blob", payload.String(strings.Repeat("abcdefgh", 512))),
			payload.F("nested", payload.List(payload.Map(payload.F("k", payload.Bool(false))))),
		),
	}
}

func pipelines(t *testing.T) map[string]Codec {
	t.Helper()

	build := func(cfg config.SerializerConfig) Codec {
		c, err := FromConfig(cfg, nil)
		require.NoError(t, err)
		return c
	}

	return map[string]Codec{
		"json":    NewJSON(),
		"msgpack": NewMsgPack(),
		"json+deflate": build(config.SerializerConfig{
			Type: "json", Compress: true, CompressAbove: 64, CompressionLevel: 1,
		}),
		"msgpack+deflate9": build(config.SerializerConfig{
			Type: "msgpack", Compress: true, CompressAbove: 64, CompressionLevel: 9,
		}),
		"json+deflate+chacha": build(config.SerializerConfig{
			Type: "json", Compress: true, CompressAbove: 64,
			Cipher: config.CipherConfig{Key: "secret", IV: "iv"},
		}),
		"msgpack+xchacha": build(config.SerializerConfig{
			Type:   "msgpack",
			Cipher: config.CipherConfig{Key: "secret", Algorithm: AlgorithmXChaCha20Poly1305},
		}),
		"json+aes": build(config.SerializerConfig{
			Cipher: config.CipherConfig{Key: "secret", Algorithm: AlgorithmAES256GCM, IV: "salt"},
		}),
	}
}

func TestRoundTrip(t *testing.T) {
	for name, c := range pipelines(t) {
		for pname, p := range samplePayloads() {
			t.Run(name+"/"+pname, func(t *testing.T) {
				encoded, err := c.Encode(p)
				require.NoError(t, err)

				decoded, err := c.Decode(encoded)
				require.NoError(t, err)
				assert.True(t, p.Equal(decoded), "got %s want %s", decoded, p)
				assertKeyOrder(t, p, decoded)
			})
		}
	}
}

// assertKeyOrder checks that every map in got lists its keys in want's order
func assertKeyOrder(t *testing.T, want, got payload.Value) {
	t.Helper()
	switch want.Kind() {
	case payload.KindMap:
		require.Equal(t, want.Keys(), got.Keys())
		for _, k := range want.Keys() {
			assertKeyOrder(t, want.Field(k), got.Field(k))
		}
	case payload.KindList:
		require.Equal(t, want.Len(), got.Len())
		for i := 0; i < want.Len(); i++ {
			assertKeyOrder(t, want.Index(i), got.Index(i))
		}
	}
}

func TestMsgPackKeepsKeyOrder(t *testing.T) {
	c := NewMsgPack()
	p := payload.Map(
		payload.F("z", payload.Int(1)),
		payload.F("b", payload.Map(payload.F("y", payload.Null()), payload.F("x", payload.Bool(true)))),
		payload.F("a", payload.List(payload.Map(payload.F("q", payload.Int(1)), payload.F("p", payload.Int(2))))),
	)

	b, err := c.Encode(p)
	require.NoError(t, err)
	back, err := c.Decode(b)
	require.NoError(t, err)

	assert.Equal(t, []string{"z", "b", "a"}, back.Keys())
	assert.Equal(t, []string{"y", "x"}, back.Field("b").Keys())
	assert.Equal(t, []string{"q", "p"}, back.Field("a").Index(0).Keys())
}

func TestJSONKeepsKeyOrder(t *testing.T) {
	c := NewJSON()
	p := payload.Map(payload.F("z", payload.Int(1)), payload.F("a", payload.Int(2)))

	b, err := c.Encode(p)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":2}`, string(b))

	back, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a"}, back.Keys())
}

func TestDeflateBelowThresholdIsRawWithFlag(t *testing.T) {
	inner := NewJSON()
	d, err := NewDeflate(inner, WithThreshold(1024))
	require.NoError(t, err)

	p := samplePayloads()["request"]
	plain, err := inner.Encode(p)
	require.NoError(t, err)

	out, err := d.Encode(p)
	require.NoError(t, err)
	assert.Equal(t, FlagRaw, out[0])
	assert.Equal(t, plain, out[1:])
}

func TestDeflateAboveThresholdCompresses(t *testing.T) {
	d, err := NewDeflate(NewJSON(), WithThreshold(100))
	require.NoError(t, err)

	p := samplePayloads()["large"]
	out, err := d.Encode(p)
	require.NoError(t, err)
	assert.Equal(t, FlagCompressed, out[0])

	plain, err := NewJSON().Encode(p)
	require.NoError(t, err)
	assert.Less(t, len(out), len(plain))
}

func TestDeflateThresholdZeroDisables(t *testing.T) {
	d, err := NewDeflate(NewJSON(), WithThreshold(0))
	require.NoError(t, err)

	out, err := d.Encode(samplePayloads()["large"])
	require.NoError(t, err)
	assert.Equal(t, FlagRaw, out[0])
}

func TestDeflateShortInputIsNull(t *testing.T) {
	d, err := NewDeflate(NewJSON())
	require.NoError(t, err)

	for _, in := range [][]byte{nil, {}, {FlagRaw}, {FlagCompressed}} {
		v, err := d.Decode(in)
		require.NoError(t, err)
		assert.True(t, v.IsNull())
	}
}

func TestDeflateDecodeErrors(t *testing.T) {
	d, err := NewDeflate(NewJSON(), WithThreshold(10), WithMaxDecodedSize(128))
	require.NoError(t, err)

	_, err = d.Decode([]byte{7, '{', '}'})
	assert.True(t, errors.IsDecode(err), "unknown flag")
	assert.ErrorIs(t, err, errors.ErrDataCorrupted)

	_, err = d.Decode([]byte{FlagCompressed, 0xff, 0xfe, 0xfd, 0xfc})
	assert.True(t, errors.IsDecode(err), "corrupt stream")

	big, err := d.Encode(payload.String(strings.Repeat("x", 4096)))
	require.NoError(t, err)
	_, err = d.Decode(big)
	assert.True(t, errors.IsDecode(err), "inflated size limit")
	assert.ErrorIs(t, err, errors.ErrResourceExhausted)

	_, err = d.Decode([]byte{FlagRaw, '{', '"'})
	assert.True(t, errors.IsDecode(err), "parent decode failure")
}

func TestDeflateInvalidOptions(t *testing.T) {
	_, err := NewDeflate(NewJSON(), WithThreshold(-1))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = NewDeflate(NewJSON(), WithLevel(10))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = NewDeflate(nil)
	assert.Error(t, err)
}

func TestCipherRejectsTamperedAndMisKeyed(t *testing.T) {
	for _, alg := range []string{AlgorithmChaCha20Poly1305, AlgorithmXChaCha20Poly1305, AlgorithmAES256GCM} {
		t.Run(alg, func(t *testing.T) {
			c, err := NewCipher(NewJSON(), []byte("key-a"), []byte("iv"), alg)
			require.NoError(t, err)
			assert.Equal(t, alg, c.Algorithm())

			p := samplePayloads()["request"]
			sealed, err := c.Encode(p)
			require.NoError(t, err)

			again, err := c.Encode(p)
			require.NoError(t, err)
			assert.False(t, bytes.Equal(sealed, again), "nonces are random")

			tampered := append([]byte(nil), sealed...)
			tampered[len(tampered)-1] ^= 0x01
			_, err = c.Decode(tampered)
			assert.True(t, errors.IsDecode(err))

			otherKey, err := NewCipher(NewJSON(), []byte("key-b"), []byte("iv"), alg)
			require.NoError(t, err)
			_, err = otherKey.Decode(sealed)
			assert.True(t, errors.IsDecode(err))

			otherIV, err := NewCipher(NewJSON(), []byte("key-a"), []byte("other"), alg)
			require.NoError(t, err)
			_, err = otherIV.Decode(sealed)
			assert.True(t, errors.IsDecode(err))

			_, err = c.Decode(sealed[:4])
			assert.True(t, errors.IsDecode(err))
		})
	}
}

func TestCipherInvalidConfig(t *testing.T) {
	_, err := NewCipher(NewJSON(), nil, nil, "")
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = NewCipher(NewJSON(), []byte("k"), nil, "rot13")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.SerializerConfig
		chain []string
	}{
		{"default", config.SerializerConfig{}, []string{"json"}},
		{"msgpack", config.SerializerConfig{Type: "msgpack"}, []string{"msgpack"}},
		{"compress", config.SerializerConfig{Compress: true, CompressAbove: 10}, []string{"deflate", "json"}},
		{"compress threshold zero", config.SerializerConfig{Compress: true, CompressAbove: 0}, []string{"json"}},
		{"threshold without compress", config.SerializerConfig{CompressAbove: 10}, []string{"json"}},
		{"full", config.SerializerConfig{
			Type: "MsgPack", Compress: true, CompressAbove: 10,
			Cipher: config.CipherConfig{Key: "k"},
		}, []string{"cipher", "deflate", "msgpack"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := FromConfig(tt.cfg, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.chain, Chain(c))
		})
	}

	_, err := FromConfig(config.SerializerConfig{Type: "xml"}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestConcurrentUse(t *testing.T) {
	for name, c := range pipelines(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for _, p := range samplePayloads() {
						b, err := c.Encode(p)
						if !assert.NoError(t, err) {
							return
						}
						back, err := c.Decode(b)
						if !assert.NoError(t, err) {
							return
						}
						assert.True(t, p.Equal(back))
					}
				}()
			}
			wg.Wait()
		})
	}
}

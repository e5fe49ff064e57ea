package codec

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/payload"
)

// Envelope flag bytes written by Deflate
const (
	FlagRaw        byte = 0
	FlagCompressed byte = 1
)

const (
	// DefaultCompressAbove is the default compression threshold in bytes
	DefaultCompressAbove = 1024
	// DefaultCompressionLevel trades ratio for speed
	DefaultCompressionLevel = flate.BestSpeed
	// DefaultMaxDecodedSize bounds inflated payloads
	DefaultMaxDecodedSize = 64 << 20
)

// Deflate compresses the wrapped codec's output when it exceeds a threshold.
// Output is one flag byte followed by the raw or deflated body.
type Deflate struct {
	parent         Codec
	threshold      int
	level          int
	maxDecodedSize int64
	logger         *slog.Logger

	writers sync.Pool
	readers sync.Pool
}

// DeflateOption configures Deflate
type DeflateOption func(*Deflate)

// WithThreshold sets the size above which output is compressed. Zero disables
// compression; output still carries the flag byte.
func WithThreshold(n int) DeflateOption {
	return func(d *Deflate) { d.threshold = n }
}

// WithLevel sets the deflate level, 1 (best speed) to 9 (best compression)
func WithLevel(level int) DeflateOption {
	return func(d *Deflate) { d.level = level }
}

// WithMaxDecodedSize bounds the inflated size accepted by Decode
func WithMaxDecodedSize(n int64) DeflateOption {
	return func(d *Deflate) { d.maxDecodedSize = n }
}

// WithDeflateLogger logs compression timings at debug level
func WithDeflateLogger(logger *slog.Logger) DeflateOption {
	return func(d *Deflate) { d.logger = logger }
}

// NewDeflate wraps parent with the compression stage
func NewDeflate(parent Codec, opts ...DeflateOption) (*Deflate, error) {
	if parent == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Deflate", "NewDeflate", "parent codec")
	}

	d := &Deflate{
		parent:         parent,
		threshold:      DefaultCompressAbove,
		level:          DefaultCompressionLevel,
		maxDecodedSize: DefaultMaxDecodedSize,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.threshold < 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: threshold %d", errors.ErrInvalidConfig, d.threshold),
			"Deflate", "NewDeflate", "validate threshold")
	}
	if d.level < flate.BestSpeed || d.level > flate.BestCompression {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: compression level %d", errors.ErrInvalidConfig, d.level),
			"Deflate", "NewDeflate", "validate level")
	}

	level := d.level
	d.writers.New = func() any {
		w, _ := flate.NewWriter(nil, level)
		return w
	}
	return d, nil
}

// Name implements Codec
func (*Deflate) Name() string { return "deflate" }

// Parent returns the wrapped codec
func (d *Deflate) Parent() Codec { return d.parent }

// Encode implements Codec
func (d *Deflate) Encode(v payload.Value) ([]byte, error) {
	body, err := d.parent.Encode(v)
	if err != nil {
		return nil, err
	}

	if d.threshold == 0 || len(body) <= d.threshold {
		out := make([]byte, len(body)+1)
		out[0] = FlagRaw
		copy(out[1:], body)
		return out, nil
	}

	start := time.Now()

	var buf bytes.Buffer
	buf.Grow(len(body)/2 + 1)
	buf.WriteByte(FlagCompressed)

	w := d.writers.Get().(*flate.Writer)
	defer d.writers.Put(w)
	w.Reset(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, errors.WrapInvalid(err, "Deflate", "Encode", "compress payload")
	}
	if err := w.Close(); err != nil {
		return nil, errors.WrapInvalid(err, "Deflate", "Encode", "flush compressor")
	}

	if d.logger != nil {
		d.logger.Debug("payload compressed",
			"from", len(body),
			"to", buf.Len()-1,
			"duration", time.Since(start))
	}
	return buf.Bytes(), nil
}

// Decode implements Codec. Input shorter than two bytes decodes to null.
func (d *Deflate) Decode(data []byte) (payload.Value, error) {
	if len(data) < 2 {
		return payload.Null(), nil
	}

	switch data[0] {
	case FlagRaw:
		return d.parent.Decode(data[1:])
	case FlagCompressed:
		body, err := d.inflate(data[1:])
		if err != nil {
			return payload.Value{}, errors.NewDecodeError("deflate", err)
		}
		return d.parent.Decode(body)
	default:
		return payload.Value{}, errors.NewDecodeError("deflate",
			fmt.Errorf("%w: unknown envelope flag %d", errors.ErrDataCorrupted, data[0]))
	}
}

func (d *Deflate) inflate(compressed []byte) ([]byte, error) {
	start := time.Now()
	src := bytes.NewReader(compressed)

	var r io.ReadCloser
	if pooled, ok := d.readers.Get().(io.ReadCloser); ok {
		if err := pooled.(flate.Resetter).Reset(src, nil); err != nil {
			return nil, err
		}
		r = pooled
	} else {
		r = flate.NewReader(src)
	}
	defer d.readers.Put(r)

	var out bytes.Buffer
	n, err := io.Copy(&out, io.LimitReader(r, d.maxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if n > d.maxDecodedSize {
		return nil, fmt.Errorf("%w: inflated payload exceeds %d bytes", errors.ErrResourceExhausted, d.maxDecodedSize)
	}

	if d.logger != nil {
		d.logger.Debug("payload decompressed",
			"from", len(compressed),
			"to", out.Len(),
			"duration", time.Since(start))
	}
	return out.Bytes(), nil
}

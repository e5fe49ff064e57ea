package codec

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360/nodemesh/config"
	"github.com/c360/nodemesh/errors"
)

// NewSerializer returns the terminal serializer named by typ. An empty type
// selects JSON.
func NewSerializer(typ string) (Codec, error) {
	switch strings.ToLower(typ) {
	case "", config.SerializerJSON:
		return NewJSON(), nil
	case config.SerializerMsgPack:
		return NewMsgPack(), nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown serializer %q", errors.ErrInvalidConfig, typ),
			"codec", "NewSerializer", "select serializer")
	}
}

// FromConfig builds serializer, then deflate when compression is enabled
// with a positive threshold, then cipher when a key is set.
func FromConfig(cfg config.SerializerConfig, logger *slog.Logger) (Codec, error) {
	c, err := NewSerializer(cfg.Type)
	if err != nil {
		return nil, err
	}

	if cfg.Compress && cfg.CompressAbove > 0 {
		opts := []DeflateOption{WithThreshold(cfg.CompressAbove)}
		if cfg.CompressionLevel != 0 {
			opts = append(opts, WithLevel(cfg.CompressionLevel))
		}
		if logger != nil {
			opts = append(opts, WithDeflateLogger(logger))
		}
		if c, err = NewDeflate(c, opts...); err != nil {
			return nil, err
		}
	}

	if cfg.Cipher.Key != "" {
		if c, err = NewCipher(c, []byte(cfg.Cipher.Key), []byte(cfg.Cipher.IV), cfg.Cipher.Algorithm); err != nil {
			return nil, err
		}
	}

	return c, nil
}

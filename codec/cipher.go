package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/payload"
)

// Supported cipher algorithms
const (
	AlgorithmChaCha20Poly1305  = "chacha20-poly1305"
	AlgorithmXChaCha20Poly1305 = "xchacha20-poly1305"
	AlgorithmAES256GCM         = "aes-256-gcm"
)

const keySize = 32

// Cipher encrypts the wrapped codec's output with an AEAD. Each message is a
// random nonce followed by the sealed body. The AEAD key is derived from the
// secret with HKDF-SHA256, using the IV as salt.
type Cipher struct {
	parent    Codec
	algorithm string
	aead      cipher.AEAD
}

// NewCipher wraps parent with the encryption stage. An empty algorithm
// selects chacha20-poly1305.
func NewCipher(parent Codec, secret, iv []byte, algorithm string) (*Cipher, error) {
	if parent == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Cipher", "NewCipher", "parent codec")
	}
	if len(secret) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: empty cipher key", errors.ErrMissingConfig),
			"Cipher", "NewCipher", "validate key")
	}

	algorithm = strings.ToLower(algorithm)
	if algorithm == "" {
		algorithm = AlgorithmChaCha20Poly1305
	}

	key, err := deriveKey(secret, iv, algorithm)
	if err != nil {
		return nil, errors.WrapFatal(err, "Cipher", "NewCipher", "derive key")
	}

	var aead cipher.AEAD
	switch algorithm {
	case AlgorithmChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
	case AlgorithmXChaCha20Poly1305:
		aead, err = chacha20poly1305.NewX(key)
	case AlgorithmAES256GCM:
		var block cipher.Block
		if block, err = aes.NewCipher(key); err == nil {
			aead, err = cipher.NewGCM(block)
		}
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown cipher algorithm %q", errors.ErrInvalidConfig, algorithm),
			"Cipher", "NewCipher", "select algorithm")
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "Cipher", "NewCipher", "initialize AEAD")
	}

	return &Cipher{parent: parent, algorithm: algorithm, aead: aead}, nil
}

func deriveKey(secret, salt []byte, algorithm string) ([]byte, error) {
	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, secret, salt, []byte("nodemesh/"+algorithm))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Name implements Codec
func (*Cipher) Name() string { return "cipher" }

// Algorithm returns the AEAD algorithm name
func (c *Cipher) Algorithm() string { return c.algorithm }

// Parent returns the wrapped codec
func (c *Cipher) Parent() Codec { return c.parent }

// Encode implements Codec
func (c *Cipher) Encode(v payload.Value) ([]byte, error) {
	plain, err := c.parent.Encode(v)
	if err != nil {
		return nil, err
	}

	nonceSize := c.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, errors.WrapFatal(err, "Cipher", "Encode", "generate nonce")
	}
	return c.aead.Seal(out, out[:nonceSize], plain, nil), nil
}

// Decode implements Codec. Tampered or mis-keyed input fails with a DecodeError.
func (c *Cipher) Decode(data []byte) (payload.Value, error) {
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead() {
		return payload.Value{}, errors.NewDecodeError("cipher",
			fmt.Errorf("%w: ciphertext too short (%d bytes)", errors.ErrDataCorrupted, len(data)))
	}

	plain, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return payload.Value{}, errors.NewDecodeError("cipher", err)
	}
	return c.parent.Decode(plain)
}

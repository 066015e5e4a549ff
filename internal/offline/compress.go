package offline

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Codec transforms persisted table payloads.
type Codec interface {
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// ErrCodecClosed is returned by a ZstdCodec used after Close.
var ErrCodecClosed = errors.New("offline: codec is closed")

// zstdMagic prefixes every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ZstdCodec compresses payloads with zstd. Payloads that do not shrink are
// stored as is, and Decode passes through anything that is not a zstd frame,
// so uncompressed data written earlier stays readable.
type ZstdCodec struct {
	mu     sync.RWMutex
	closed bool
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// NewZstdCodec creates a ZstdCodec.
func NewZstdCodec() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("offline: creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("offline: creating zstd decoder: %w", err)
	}
	return &ZstdCodec{enc: enc, dec: dec}, nil
}

// Encode compresses src when that makes it smaller.
func (c *ZstdCodec) Encode(src []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrCodecClosed
	}
	out := c.enc.EncodeAll(src, make([]byte, 0, len(src)))
	if len(out) >= len(src) {
		return src, nil
	}
	return out, nil
}

// Decode reverses Encode.
func (c *ZstdCodec) Decode(src []byte) ([]byte, error) {
	if !bytes.HasPrefix(src, zstdMagic) {
		return src, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrCodecClosed
	}
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("offline: decompressing: %w", err)
	}
	return out, nil
}

// Close releases the encoder and decoder. It waits for in-flight calls and
// is safe to call more than once.
func (c *ZstdCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.dec.Close()
	_ = c.enc.Close()
}

// plainCodec stores payloads unchanged.
type plainCodec struct{}

func (plainCodec) Encode(src []byte) ([]byte, error) { return src, nil }
func (plainCodec) Decode(src []byte) ([]byte, error) { return src, nil }

package cache

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// MaxDecompressedSize caps decompression to guard against compression bombs.
const MaxDecompressedSize = 10 * 1024 * 1024 // 10MB

// Compression selects how new cache entries are compressed.
type Compression string

const (
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// ParseCompression validates a compression name.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case CompressionGzip, CompressionZstd:
		return c, nil
	case "":
		return CompressionGzip, nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

	// ErrDecompressionBomb is returned when a payload inflates past
	// MaxDecompressedSize.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")
)

// Codec turns metadata into the stored payload: JSON, compressed, then
// base64 encoded. Either compression is readable whatever the writer uses.
// A Codec is goroutine-safe.
type Codec struct {
	compression Compression
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	mu          sync.RWMutex
}

// NewCodec creates a codec writing with the given compression.
func NewCodec(compression Compression) (*Codec, error) {
	if _, err := ParseCompression(string(compression)); err != nil {
		return nil, err
	}
	if compression == "" {
		compression = CompressionGzip
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{
		compression: compression,
		encoder:     enc,
		decoder:     dec,
	}, nil
}

// Compression returns the compression used for writing.
func (c *Codec) Compression() Compression {
	return c.compression
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// EncodePayload serializes, compresses and base64 encodes m.
func (c *Codec) EncodePayload(m *Metadata) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	compressed, err := c.compress(data)
	if err != nil {
		return nil, err
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(len(compressed)))
	base64.StdEncoding.Encode(out, compressed)
	return out, nil
}

// DecodePayload reverses EncodePayload. Any failure wraps ErrCorrupt.
func (c *Codec) DecodePayload(payload []byte) (*Metadata, error) {
	payload = bytes.TrimSpace(payload)
	compressed := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(compressed, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrCorrupt, err)
	}

	data, err := c.decompress(compressed[:n])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		if errors.Is(err, ErrCorrupt) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &m, nil
}

func (c *Codec) compress(data []byte) ([]byte, error) {
	if c.compression == CompressionZstd {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc == nil {
			return nil, errors.New("encoder closed")
		}
		return enc.EncodeAll(data, nil), nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Codec) decompress(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder closed")
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if len(out) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		return out, nil

	case bytes.HasPrefix(data, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = zr.Close() }()
		out, err := io.ReadAll(io.LimitReader(zr, MaxDecompressedSize+1))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if len(out) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		return out, nil

	default:
		return nil, errors.New("unknown compression format")
	}
}

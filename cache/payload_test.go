package cache

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/ohif-cache/dicom"
)

func sampleMetadata() *Metadata {
	return &Metadata{
		Version: FormatVersion,
		Tags: dicom.InstanceTags{
			"0008,0018": json.RawMessage(`"I1"`),
			"0028,0011": json.RawMessage(`512`),
			"0028,0030": json.RawMessage(`[0.5,0.5]`),
			"0054,0016": json.RawMessage(`[{"RadionuclideHalfLife":6586.2,"RadionuclideTotalDose":3.7e+08}]`),
		},
	}
}

func newTestCodec(t *testing.T, compression Compression) *Codec {
	t.Helper()
	codec, err := NewCodec(compression)
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionGzip, CompressionZstd} {
		t.Run(string(compression), func(t *testing.T) {
			codec := newTestCodec(t, compression)

			payload, err := codec.EncodePayload(sampleMetadata())
			require.NoError(t, err)

			got, err := codec.DecodePayload(payload)
			require.NoError(t, err)
			assert.Equal(t, sampleMetadata(), got)
		})
	}
}

func TestCodec_ReadsEitherCompression(t *testing.T) {
	gz := newTestCodec(t, CompressionGzip)
	zs := newTestCodec(t, CompressionZstd)

	fromZstd, err := zs.EncodePayload(sampleMetadata())
	require.NoError(t, err)
	fromGzip, err := gz.EncodePayload(sampleMetadata())
	require.NoError(t, err)

	got, err := gz.DecodePayload(fromZstd)
	require.NoError(t, err)
	assert.Equal(t, sampleMetadata(), got)

	got, err = zs.DecodePayload(fromGzip)
	require.NoError(t, err)
	assert.Equal(t, sampleMetadata(), got)
}

func TestCodec_GzipPayloadLayout(t *testing.T) {
	codec := newTestCodec(t, CompressionGzip)

	payload, err := codec.EncodePayload(sampleMetadata())
	require.NoError(t, err)

	compressed, err := base64.StdEncoding.DecodeString(string(payload))
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.EqualValues(t, FormatVersion, fields["Version"])
	assert.Equal(t, "I1", fields["0008,0018"])
}

func TestCodec_DecodeCorrupt(t *testing.T) {
	codec := newTestCodec(t, CompressionGzip)

	gzipped := func(s string) []byte {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte(s))
		_ = zw.Close()
		return []byte(base64.StdEncoding.EncodeToString(buf.Bytes()))
	}

	tests := map[string][]byte{
		"not base64":      []byte("%%%"),
		"unknown format":  []byte(base64.StdEncoding.EncodeToString([]byte(`{"Version":1}`))),
		"truncated gzip":  []byte(base64.StdEncoding.EncodeToString([]byte{0x1f, 0x8b, 0x08})),
		"invalid json":    gzipped(`{"Version":`),
		"missing version": gzipped(`{"0008,0018":"I1"}`),
		"empty":           nil,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := codec.DecodePayload(payload)
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionGzip, c)

	c, err = ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	_, err = ParseCompression("brotli")
	require.Error(t, err)
}

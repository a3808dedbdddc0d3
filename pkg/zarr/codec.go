// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package zarr

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Compression selects how chunks are compressed.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// ParseCompression converts a name ("", "none", "gzip" or "zstd") to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionGzip, CompressionZstd:
		return Compression(name), nil
	}
	return "", errors.Errorf("unknown compression %q, valid values are \"none\", \"gzip\" and \"zstd\"", name)
}

// Default compression levels written to the metadata.
const (
	gzipLevel = 5
	zstdLevel = 3
)

func (c Compression) compressor() (*Compressor, error) {
	switch c {
	case "", CompressionNone:
		return nil, nil
	case CompressionGzip:
		return &Compressor{ID: "gzip", Level: gzipLevel}, nil
	case CompressionZstd:
		return &Compressor{ID: "zstd", Level: zstdLevel}, nil
	}
	return nil, errors.Errorf("unknown compression %q", c)
}

func (m *Metadata) compression() (Compression, error) {
	if m.Compressor == nil {
		return CompressionNone, nil
	}
	switch m.Compressor.ID {
	case "gzip":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return "", errors.Errorf("unsupported zarr compressor %q", m.Compressor.ID)
}

// Encoders and decoders are safe for concurrent use with EncodeAll/DecodeAll, so one of each is shared.
var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel)))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil)
	})
)

func encodeChunk(compression Compression, raw []byte) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return raw, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzipLevel)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create gzip writer")
		}
		if _, err = w.Write(raw); err != nil {
			return nil, errors.Wrap(err, "failed to gzip chunk")
		}
		if err = w.Close(); err != nil {
			return nil, errors.Wrap(err, "failed to gzip chunk")
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		encoder, err := zstdEncoder()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create zstd encoder")
		}
		return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	}
	return nil, errors.Errorf("unknown compression %q", compression)
}

func decodeChunk(compression Compression, encoded []byte, expectedSize int) ([]byte, error) {
	var raw []byte
	switch compression {
	case CompressionNone:
		raw = encoded
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(encoded))
		if err != nil {
			return nil, errors.Wrap(err, "failed to read gzip chunk")
		}
		raw = make([]byte, 0, expectedSize)
		buf := bytes.NewBuffer(raw)
		// One extra byte is enough to detect an oversized chunk.
		if _, err = io.Copy(buf, io.LimitReader(r, int64(expectedSize)+1)); err != nil {
			return nil, errors.Wrap(err, "failed to gunzip chunk")
		}
		raw = buf.Bytes()
	case CompressionZstd:
		decoder, err := zstdDecoder()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create zstd decoder")
		}
		raw, err = decoder.DecodeAll(encoded, make([]byte, 0, expectedSize))
		if err != nil {
			return nil, errors.Wrap(err, "failed to decompress zstd chunk")
		}
	default:
		return nil, errors.Errorf("unknown compression %q", compression)
	}
	if len(raw) != expectedSize {
		return nil, errors.Errorf("chunk has %d bytes, expected %d", len(raw), expectedSize)
	}
	return raw, nil
}

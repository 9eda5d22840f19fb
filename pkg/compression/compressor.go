// Package compression compresses serialized batch payloads before they
// leave the dispatcher. Writers are pooled; compression runs on the
// dispatcher goroutine, never on the ingestion path.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents compression algorithms
type Algorithm string

const (
	AlgorithmGzip   Algorithm = "gzip"
	AlgorithmZstd   Algorithm = "zstd"
	AlgorithmLZ4    Algorithm = "lz4"
	AlgorithmSnappy Algorithm = "snappy"
	AlgorithmNone   Algorithm = "none"
)

// ParseAlgorithm validates a configured algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgorithmGzip, AlgorithmZstd, AlgorithmLZ4, AlgorithmSnappy, AlgorithmNone:
		return Algorithm(s), nil
	case "":
		return AlgorithmNone, nil
	default:
		return AlgorithmNone, fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// Config controls the payload compressor.
type Config struct {
	Algorithm Algorithm
	// MinBytes skips compression for payloads below this size.
	MinBytes int
	// Level applies to gzip and zstd.
	Level int
}

// Result contains the compression outcome for one payload.
type Result struct {
	Data           []byte
	Algorithm      Algorithm
	OriginalSize   int
	CompressedSize int
	Ratio          float64
}

// Compressor compresses payloads with pooled writers.
type Compressor struct {
	config Config

	gzipPool sync.Pool
	lz4Pool  sync.Pool

	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
}

// New creates a compressor. Defaults: lz4, 1KB threshold.
func New(config Config) *Compressor {
	if config.Algorithm == "" {
		config.Algorithm = AlgorithmLZ4
	}
	if config.MinBytes == 0 {
		config.MinBytes = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	c := &Compressor{config: config}
	c.gzipPool = sync.Pool{
		New: func() interface{} {
			w, _ := gzip.NewWriterLevel(nil, config.Level)
			return w
		},
	}
	c.lz4Pool = sync.Pool{
		New: func() interface{} {
			return lz4.NewWriter(nil)
		},
	}
	return c
}

func (c *Compressor) initZstd() {
	c.zstdOnce.Do(func() {
		c.zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.config.Level)))
		c.zstdDec, _ = zstd.NewReader(nil)
	})
}

func passthrough(data []byte) *Result {
	return &Result{
		Data:           data,
		Algorithm:      AlgorithmNone,
		OriginalSize:   len(data),
		CompressedSize: len(data),
		Ratio:          1.0,
	}
}

// Compress applies the configured algorithm. Payloads under MinBytes pass
// through untouched.
func (c *Compressor) Compress(data []byte) (*Result, error) {
	if c.config.Algorithm == AlgorithmNone || len(data) < c.config.MinBytes {
		return passthrough(data), nil
	}

	compressed, err := c.compressWith(data, c.config.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("compression failed with %s: %w", c.config.Algorithm, err)
	}

	return &Result{
		Data:           compressed,
		Algorithm:      c.config.Algorithm,
		OriginalSize:   len(data),
		CompressedSize: len(compressed),
		Ratio:          float64(len(compressed)) / float64(len(data)),
	}, nil
}

func (c *Compressor) compressWith(data []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case AlgorithmGzip:
		return c.compressGzip(data)
	case AlgorithmZstd:
		c.initZstd()
		return c.zstdEnc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case AlgorithmLZ4:
		return c.compressLZ4(data)
	case AlgorithmSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

func (c *Compressor) compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer := c.gzipPool.Get().(*gzip.Writer)
	defer c.gzipPool.Put(writer)

	writer.Reset(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Compressor) compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer := c.lz4Pool.Get().(*lz4.Writer)
	defer c.lz4Pool.Put(writer)

	writer.Reset(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses an algorithm applied by Compress.
func (c *Compressor) Decompress(data []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case AlgorithmNone, "":
		return data, nil
	case AlgorithmGzip:
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		return io.ReadAll(reader)
	case AlgorithmZstd:
		c.initZstd()
		return c.zstdDec.DecodeAll(data, nil)
	case AlgorithmLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case AlgorithmSnappy:
		return snappy.Decode(nil, data)
	default:
		return nil, fmt.Errorf("unsupported decompression algorithm: %s", algorithm)
	}
}

// Encoding returns the content-encoding token for the configured algorithm.
func (c *Compressor) Encoding() string {
	if c.config.Algorithm == AlgorithmNone {
		return ""
	}
	return string(c.config.Algorithm)
}

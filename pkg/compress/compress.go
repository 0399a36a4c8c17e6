// Package compress encodes archived bundles.
//
// Zstandard is the default; gzip is offered for tooling that cannot read
// zstd. Both codecs come from github.com/klauspost/compress.
//
//	codec, err := compress.New(compress.AlgorithmZSTD, compress.LevelDefault)
//	if err != nil {
//	    return err
//	}
//	packed, err := codec.Compress(bundleJSON)
package compress

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Algorithm is a compression algorithm.
type Algorithm string

const (
	AlgorithmZSTD Algorithm = "zstd"
	AlgorithmGzip Algorithm = "gzip"
	AlgorithmNone Algorithm = "none"
)

// ParseAlgorithm accepts "zstd", "zst", "gzip", "gz" and "none"
// (case-insensitive). Empty means zstd.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zstd", "zst":
		return AlgorithmZSTD, nil
	case "gzip", "gz":
		return AlgorithmGzip, nil
	case "none":
		return AlgorithmNone, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %q", s)
	}
}

// Level is a compression level on the zstd 1-22 scale. Gzip maps it onto
// its own 1-9 range.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 3
	LevelBetter  Level = 6
	LevelBest    Level = 9
)

// Codec compresses and decompresses with one algorithm. Safe for
// concurrent use.
type Codec struct {
	algorithm Algorithm
	level     Level

	encoders sync.Pool
	decoders sync.Pool
}

// New creates a codec.
func New(algorithm Algorithm, level Level) (*Codec, error) {
	if level <= 0 {
		level = LevelDefault
	}
	c := &Codec{algorithm: algorithm, level: level}

	switch algorithm {
	case AlgorithmZSTD:
		encLevel := zstd.EncoderLevelFromZstd(int(level))
		c.encoders.New = func() any {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
			if err != nil {
				return err
			}
			return enc
		}
		c.decoders.New = func() any {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return err
			}
			return dec
		}
	case AlgorithmGzip, AlgorithmNone:
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %q", algorithm)
	}
	return c, nil
}

// MustNew is New for static arguments.
func MustNew(algorithm Algorithm, level Level) *Codec {
	c, err := New(algorithm, level)
	if err != nil {
		panic(err)
	}
	return c
}

// Algorithm returns the codec algorithm.
func (c *Codec) Algorithm() Algorithm {
	return c.algorithm
}

// Extension returns the file suffix for the algorithm, including the dot.
func (c *Codec) Extension() string {
	switch c.algorithm {
	case AlgorithmZSTD:
		return ".zst"
	case AlgorithmGzip:
		return ".gz"
	default:
		return ""
	}
}

// Compress returns data encoded with the codec algorithm.
func (c *Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := c.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%s write: %w", c.algorithm, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s close: %w", c.algorithm, err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes data produced by Compress.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	r, err := c.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c.algorithm, err)
	}
	return out, nil
}

// NewWriter returns a writer compressing into w. Close flushes the
// stream; it does not close w.
func (c *Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c.algorithm {
	case AlgorithmZSTD:
		v := c.encoders.Get()
		enc, ok := v.(*zstd.Encoder)
		if !ok {
			return nil, fmt.Errorf("zstd encoder: %v", v)
		}
		enc.Reset(w)
		return &pooledEncoder{Encoder: enc, pool: &c.encoders}, nil
	case AlgorithmGzip:
		gw, err := gzip.NewWriterLevel(w, gzipLevel(c.level))
		if err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		return gw, nil
	default:
		return nopWriteCloser{w}, nil
	}
}

// NewReader returns a reader decompressing r.
func (c *Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c.algorithm {
	case AlgorithmZSTD:
		v := c.decoders.Get()
		dec, ok := v.(*zstd.Decoder)
		if !ok {
			return nil, fmt.Errorf("zstd decoder: %v", v)
		}
		if err := dec.Reset(r); err != nil {
			c.decoders.Put(dec)
			return nil, fmt.Errorf("zstd reset: %w", err)
		}
		return &pooledDecoder{Decoder: dec, pool: &c.decoders}, nil
	case AlgorithmGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return gr, nil
	default:
		return io.NopCloser(r), nil
	}
}

func gzipLevel(l Level) int {
	switch {
	case l <= LevelDefault:
		return gzip.BestSpeed
	case l >= LevelBest:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

type pooledEncoder struct {
	*zstd.Encoder
	pool *sync.Pool
}

func (p *pooledEncoder) Close() error {
	err := p.Encoder.Close()
	p.pool.Put(p.Encoder)
	return err
}

type pooledDecoder struct {
	*zstd.Decoder
	pool *sync.Pool
}

// Close returns the decoder to the pool; zstd.Decoder.Close would
// release it for good.
func (p *pooledDecoder) Close() error {
	_ = p.Decoder.Reset(nil)
	p.pool.Put(p.Decoder)
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Stats describes one compression result.
type Stats struct {
	OriginalSize   int     `json:"original_size"`
	CompressedSize int     `json:"compressed_size"`
	Ratio          float64 `json:"ratio"` // compressed/original
	Algorithm      string  `json:"algorithm"`
}

// CompressWithStats compresses data and reports its size change.
func (c *Codec) CompressWithStats(data []byte) ([]byte, Stats, error) {
	out, err := c.Compress(data)
	if err != nil {
		return nil, Stats{}, err
	}
	s := Stats{OriginalSize: len(data), CompressedSize: len(out), Algorithm: string(c.algorithm)}
	if len(data) > 0 {
		s.Ratio = float64(len(out)) / float64(len(data))
	}
	return out, s, nil
}

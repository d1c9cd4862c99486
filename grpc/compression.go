package grpc

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/encoding"
)

const zstdName = "zstd"

// zstdCompressor implements gRPC's encoding.Compressor interface using zstd
type zstdCompressor struct {
	level       zstd.EncoderLevel
	encoderPool sync.Pool
	decoderPool sync.Pool
}

var compressionLevel atomic.Int32

// RegisterZstdCompressor registers the zstd compressor with gRPC at the
// configured level (1-4). Level 0 leaves compression off. gRPC keeps one
// compressor per name, so the last registration wins; call it once at
// startup before serving.
func RegisterZstdCompressor(level int) {
	compressionLevel.Store(int32(level))
	if level == 0 {
		log.Debug().Msg("gRPC compression disabled (level=0)")
		return
	}

	zstdLevel := configLevelToZstd(level)
	encoding.RegisterCompressor(&zstdCompressor{level: zstdLevel})
	log.Info().
		Int("config_level", level).
		Str("zstd_level", zstdLevel.String()).
		Msg("Registered zstd gRPC compressor")
}

// Name returns the compressor name
func (c *zstdCompressor) Name() string {
	return zstdName
}

// Compress returns a WriteCloser that compresses data written to it
func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	if enc, ok := c.encoderPool.Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return &pooledEncoder{enc: enc, pool: &c.encoderPool}, nil
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, err
	}
	return &pooledEncoder{enc: enc, pool: &c.encoderPool}, nil
}

// Decompress returns a Reader that decompresses data read from it
func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	if dec, ok := c.decoderPool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err != nil {
			c.decoderPool.Put(dec)
			return nil, err
		}
		return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
}

// pooledEncoder wraps zstd.Encoder to return it to pool on Close
type pooledEncoder struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (p *pooledEncoder) Write(data []byte) (int, error) {
	return p.enc.Write(data)
}

func (p *pooledEncoder) Close() error {
	err := p.enc.Close()
	p.pool.Put(p.enc)
	return err
}

// pooledDecoder wraps zstd.Decoder to return it to pool when done
type pooledDecoder struct {
	dec      *zstd.Decoder
	pool     *sync.Pool
	returned bool
}

func (p *pooledDecoder) Read(data []byte) (int, error) {
	n, err := p.dec.Read(data)
	if err == io.EOF && !p.returned {
		p.returned = true
		p.pool.Put(p.dec)
	}
	return n, err
}

// configLevelToZstd maps config levels (1-4) to zstd.EncoderLevel
func configLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}

// IsCompressionEnabled returns true if gRPC compression is enabled
func IsCompressionEnabled() bool {
	return compressionLevel.Load() > 0
}

// CompressionName returns the compression codec name if enabled, empty otherwise
func CompressionName() string {
	if IsCompressionEnabled() {
		return zstdName
	}
	return ""
}

package grpc

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestZstdCompressorRoundTrip(t *testing.T) {
	c := &zstdCompressor{level: zstd.SpeedFastest}
	payload := bytes.Repeat([]byte("region-1 resolved ts checkpoint "), 256)

	for i := 0; i < 3; i++ {
		var buf bytes.Buffer
		w, err := c.Compress(&buf)
		if err != nil {
			t.Fatalf("compress: %v", err)
		}
		if _, err := w.Write(payload); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if buf.Len() >= len(payload) {
			t.Errorf("compressed size %d not smaller than %d", buf.Len(), len(payload))
		}

		r, err := c.Decompress(&buf)
		if err != nil {
			t.Fatalf("decompress: %v", err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round %d: payload mismatch", i)
		}
	}
}

func TestConfigLevelToZstd(t *testing.T) {
	tests := []struct {
		level int
		want  zstd.EncoderLevel
	}{
		{1, zstd.SpeedFastest},
		{2, zstd.SpeedDefault},
		{3, zstd.SpeedBetterCompression},
		{4, zstd.SpeedBestCompression},
		{9, zstd.SpeedFastest},
	}
	for _, tt := range tests {
		if got := configLevelToZstd(tt.level); got != tt.want {
			t.Errorf("level %d: got %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestCompressionToggle(t *testing.T) {
	defer RegisterZstdCompressor(0)

	RegisterZstdCompressor(0)
	if IsCompressionEnabled() || CompressionName() != "" {
		t.Fatal("compression should be off at level 0")
	}

	RegisterZstdCompressor(2)
	if !IsCompressionEnabled() {
		t.Fatal("compression should be on at level 2")
	}
	if CompressionName() != "zstd" {
		t.Errorf("got compressor %q", CompressionName())
	}
}

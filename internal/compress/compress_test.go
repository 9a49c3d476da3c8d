// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package compress

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/dedup"
)

func newTestEngine(t *testing.T, codecName string) *Engine {
	t.Helper()
	e, err := NewEngine(config.CompressionInfo{
		Enabled:          true,
		Codec:            codecName,
		MinSizeRaw:       1024,
		EntropyThreshold: 7.5,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(b)
	return b
}

func TestEngine_RoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":      {},
		"small":      []byte("x"),
		"text":       []byte(strings.Repeat(`{"track":"kick","gain":-3.5}`, 2000)),
		"random":     randomBytes(256 * 1024),
		"large":      bytes.Repeat([]byte("0123456789abcdef"), 6*1024*1024/16),
		"compressed": nil,
	}

	for _, codecName := range []string{CodecZstd, CodecGzip} {
		e := newTestEngine(t, codecName)

		// Saída já comprimida como entrada
		first, err := e.Compress(payloads["text"])
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}
		payloads["compressed"] = first.Data

		for name, data := range payloads {
			t.Run(codecName+"/"+name, func(t *testing.T) {
				c, err := e.Compress(data)
				if err != nil {
					t.Fatalf("Compress: %v", err)
				}
				if c.Codec != codecName {
					t.Errorf("expected codec %s, got %s", codecName, c.Codec)
				}
				out, err := e.Decompress(c)
				if err != nil {
					t.Fatalf("Decompress: %v", err)
				}
				if !bytes.Equal(out, data) {
					t.Fatalf("round trip mismatch: %d bytes in, %d bytes out", len(data), len(out))
				}
				if dedup.Checksum(out) != dedup.Checksum(data) {
					t.Error("checksum changed after round trip")
				}
			})
		}
	}
}

func TestEngine_DecompressRaw(t *testing.T) {
	e := newTestEngine(t, CodecZstd)
	data := []byte("raw bytes")
	out, err := e.Decompress(&CompressedChunk{Data: data, Codec: CodecNone, OriginalSize: int64(len(data)), Checksum: dedup.Checksum(data)})
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("expected raw passthrough, got %q", out)
	}
}

func TestEngine_DecompressCorrupted(t *testing.T) {
	e := newTestEngine(t, CodecZstd)
	c, err := e.Compress([]byte(strings.Repeat("abc", 1000)))
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	bad := *c
	bad.Data = []byte("definitely not zstd")
	_, err = e.Decompress(&bad)
	var cErr *CompressionError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected CompressionError, got %v", err)
	}

	wrongSum := *c
	wrongSum.Checksum = dedup.Checksum([]byte("other"))
	if _, err := e.Decompress(&wrongSum); !errors.Is(err, dedup.ErrChecksumMismatch) {
		t.Errorf("expected checksum mismatch, got %v", err)
	}

	unknown := *c
	unknown.Codec = "lz4"
	if _, err := e.Decompress(&unknown); !errors.As(err, &cErr) {
		t.Errorf("expected CompressionError for unknown codec, got %v", err)
	}
}

func TestEngine_ShouldCompress(t *testing.T) {
	e := newTestEngine(t, CodecZstd)
	text := []byte(strings.Repeat("lorem ipsum dolor sit amet ", 200))
	random := randomBytes(128 * 1024)

	tests := []struct {
		name        string
		data        []byte
		contentType string
		want        bool
	}{
		{"json", text, "application/json", true},
		{"wav", random, "audio/wav", true},
		{"project", random, DetectContentType("live set.als", nil), true},
		{"mp3", text, "audio/mpeg", false},
		{"jpeg", text, "image/jpeg", false},
		{"zip", text, "application/zip", false},
		{"plain text sniffed", text, "", true},
		{"random sniffed", random, "", false},
		{"below min size", []byte("tiny"), "application/json", false},
		{"octet-stream low entropy", bytes.Repeat([]byte{0, 1, 2, 3}, 1024), "application/octet-stream", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.ShouldCompress(tt.data, tt.contentType); got != tt.want {
				t.Errorf("ShouldCompress(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestEngine_Disabled(t *testing.T) {
	e, err := NewEngine(config.CompressionInfo{Enabled: false})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if e.ShouldCompress([]byte(strings.Repeat("a", 4096)), "text/plain") {
		t.Error("disabled engine should never compress")
	}
}

func TestEngine_UnknownCodec(t *testing.T) {
	if _, err := NewEngine(config.CompressionInfo{Enabled: true, Codec: "brotli"}); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}

func TestEngine_Stats(t *testing.T) {
	e := newTestEngine(t, CodecZstd)
	data := bytes.Repeat([]byte("a"), 64*1024)
	c, err := e.Compress(data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if c.Saved() <= 0 {
		t.Errorf("expected savings on repetitive data, got %d", c.Saved())
	}

	s := e.Stats()
	if s.Compressed != 1 {
		t.Errorf("expected 1 compressed, got %d", s.Compressed)
	}
	if s.BytesIn != int64(len(data)) {
		t.Errorf("expected bytes_in %d, got %d", len(data), s.BytesIn)
	}
	if s.BytesSaved != c.Saved() {
		t.Errorf("expected bytes_saved %d, got %d", c.Saved(), s.BytesSaved)
	}
	if s.Ratio <= 0 || s.Ratio >= 1 {
		t.Errorf("expected ratio in (0,1), got %f", s.Ratio)
	}
}

func TestEntropy(t *testing.T) {
	if h := Entropy(nil); h != 0 {
		t.Errorf("expected 0 for empty input, got %f", h)
	}
	if h := Entropy(bytes.Repeat([]byte{7}, 1000)); h != 0 {
		t.Errorf("expected 0 for constant input, got %f", h)
	}
	if h := Entropy(randomBytes(64 * 1024)); h < 7.9 {
		t.Errorf("expected near 8 bits/byte for random input, got %f", h)
	}
}

func TestDetectContentType(t *testing.T) {
	tests := map[string]string{
		"kick.WAV":   "audio/wav",
		"song.mp3":   "audio/mpeg",
		"notes.json": "application/json",
	}
	for name, want := range tests {
		if got := DetectContentType(name, nil); got != want {
			t.Errorf("DetectContentType(%q) = %q, want %q", name, got, want)
		}
	}
	if got := DetectContentType("", []byte("plain text here")); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("expected sniffed text/plain, got %q", got)
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package compress decide se um chunk vale a compressão e executa o round
// trip zstd/gzip com verificação de integridade.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/dedup"
)

const (
	// CodecNone marca chunks gravados sem compressão.
	CodecNone = ""
	CodecZstd = "zst"
	CodecGzip = "gzip"

	// entropySampleSize é o tamanho da amostra usada na sonda de entropia.
	entropySampleSize = 64 * 1024
)

// CompressionError classifica falhas do backend de compressão. É sempre
// recuperável: o chamador grava o chunk sem compressão.
type CompressionError struct {
	Op    string
	Codec string
	Err   error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Codec, e.Err)
}

func (e *CompressionError) Unwrap() error { return e.Err }

// CompressedChunk é o resultado de Compress. Checksum é do conteúdo original.
type CompressedChunk struct {
	Data         []byte
	Codec        string
	OriginalSize int64
	Checksum     string
}

// Saved retorna os bytes economizados (negativo se a compressão inflou).
func (c *CompressedChunk) Saved() int64 {
	return c.OriginalSize - int64(len(c.Data))
}

type codec interface {
	encode(src []byte) ([]byte, error)
	decode(src []byte) ([]byte, error)
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

// EncodeAll e DecodeAll são seguros para uso concorrente.
func (z *zstdCodec) encode(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (z *zstdCodec) decode(src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, nil)
}

type gzipCodec struct{}

func (gzipCodec) encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := pgzip.NewWriterLevel(&buf, pgzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	// Blocos de 1MB com até GOMAXPROCS goroutines
	if err := w.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
		w.Close()
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) decode(src []byte) ([]byte, error) {
	r, err := pgzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Stats é um snapshot dos contadores do engine.
type Stats struct {
	Compressed int64   `json:"compressed"`
	Skipped    int64   `json:"skipped"`
	Failures   int64   `json:"failures"`
	BytesIn    int64   `json:"bytes_in"`
	BytesOut   int64   `json:"bytes_out"`
	BytesSaved int64   `json:"bytes_saved"`
	Ratio      float64 `json:"ratio"`
}

// Engine aplica a heurística e os codecs. Seguro para uso concorrente.
type Engine struct {
	enabled   bool
	codecName string
	minSize   int64
	threshold float64
	codecs    map[string]codec

	compressed atomic.Int64
	skipped    atomic.Int64
	failures   atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
}

// NewEngine cria o engine conforme a seção compression da config.
func NewEngine(cfg config.CompressionInfo) (*Engine, error) {
	z, err := newZstdCodec()
	if err != nil {
		return nil, err
	}
	name := cfg.Codec
	if name == "" {
		name = CodecZstd
	}
	e := &Engine{
		enabled:   cfg.Enabled,
		codecName: name,
		minSize:   cfg.MinSizeRaw,
		threshold: cfg.EntropyThreshold,
		codecs: map[string]codec{
			CodecZstd: z,
			CodecGzip: gzipCodec{},
		},
	}
	if _, ok := e.codecs[name]; !ok {
		return nil, fmt.Errorf("unknown compression codec %q", name)
	}
	if e.threshold <= 0 {
		e.threshold = 7.5
	}
	return e, nil
}

// Codec retorna o codec configurado.
func (e *Engine) Codec() string { return e.codecName }

// ShouldCompress decide pela compressão de data. contentType vazio é
// inferido dos próprios bytes.
func (e *Engine) ShouldCompress(data []byte, contentType string) bool {
	if !e.enabled || int64(len(data)) < e.minSize || len(data) == 0 {
		e.skipped.Add(1)
		return false
	}
	if contentType == "" {
		contentType = DetectContentType("", data)
	}

	switch classify(contentType) {
	case classCompressible:
		return true
	case classIncompressible:
		e.skipped.Add(1)
		return false
	}

	if Entropy(sample(data)) >= e.threshold {
		e.skipped.Add(1)
		return false
	}
	return true
}

// Compress comprime data com o codec configurado.
func (e *Engine) Compress(data []byte) (*CompressedChunk, error) {
	return e.compressWith(e.codecName, data)
}

func (e *Engine) compressWith(name string, data []byte) (*CompressedChunk, error) {
	c, ok := e.codecs[name]
	if !ok {
		e.failures.Add(1)
		return nil, &CompressionError{Op: "compress", Codec: name, Err: fmt.Errorf("unknown codec")}
	}
	out, err := c.encode(data)
	if err != nil {
		e.failures.Add(1)
		return nil, &CompressionError{Op: "compress", Codec: name, Err: err}
	}

	e.compressed.Add(1)
	e.bytesIn.Add(int64(len(data)))
	e.bytesOut.Add(int64(len(out)))

	return &CompressedChunk{
		Data:         out,
		Codec:        name,
		OriginalSize: int64(len(data)),
		Checksum:     dedup.Checksum(data),
	}, nil
}

// Decompress reverte Compress e confere tamanho e checksum do original.
// CodecNone retorna os bytes como estão.
func (e *Engine) Decompress(c *CompressedChunk) ([]byte, error) {
	var out []byte
	if c.Codec == CodecNone {
		out = c.Data
	} else {
		dec, ok := e.codecs[c.Codec]
		if !ok {
			return nil, &CompressionError{Op: "decompress", Codec: c.Codec, Err: fmt.Errorf("unknown codec")}
		}
		var err error
		out, err = dec.decode(c.Data)
		if err != nil {
			return nil, &CompressionError{Op: "decompress", Codec: c.Codec, Err: err}
		}
	}

	if c.OriginalSize >= 0 && int64(len(out)) != c.OriginalSize {
		return nil, &CompressionError{
			Op: "decompress", Codec: c.Codec,
			Err: fmt.Errorf("size mismatch: expected %d, got %d", c.OriginalSize, len(out)),
		}
	}
	if err := dedup.Verify(out, c.Checksum); err != nil {
		return nil, &CompressionError{Op: "decompress", Codec: c.Codec, Err: err}
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Stats retorna os contadores acumulados.
func (e *Engine) Stats() Stats {
	in, out := e.bytesIn.Load(), e.bytesOut.Load()
	s := Stats{
		Compressed: e.compressed.Load(),
		Skipped:    e.skipped.Load(),
		Failures:   e.failures.Load(),
		BytesIn:    in,
		BytesOut:   out,
		BytesSaved: in - out,
	}
	if in > 0 {
		s.Ratio = math.Round(float64(out)/float64(in)*1000) / 1000
	}
	return s
}

// Entropy calcula a entropia de Shannon de data em bits por byte (0..8).
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	n := float64(len(data))
	var h float64
	for _, f := range freq {
		if f == 0 {
			continue
		}
		p := float64(f) / n
		h -= p * math.Log2(p)
	}
	return h
}

// sample pega até entropySampleSize bytes em quatro janelas espaçadas.
func sample(data []byte) []byte {
	if len(data) <= entropySampleSize {
		return data
	}
	const windows = 4
	win := entropySampleSize / windows
	step := (len(data) - win) / (windows - 1)
	out := make([]byte, 0, entropySampleSize)
	for i := 0; i < windows; i++ {
		off := i * step
		out = append(out, data[off:off+win]...)
	}
	return out
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package assembly concatena os chunks concluídos de uma sessão, em ordem,
// num único artefato em staging.
package assembly

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-upload/internal/compress"
	"github.com/nishisan-dev/n-upload/internal/dedup"
	"github.com/nishisan-dev/n-upload/internal/session"
	"github.com/nishisan-dev/n-upload/internal/storage"
)

// writeBufferSize é o buffer de escrita do artefato (256KB).
const writeBufferSize = 256 * 1024

// AssemblyError é fatal para a sessão.
type AssemblyError struct {
	SessionID string
	Reason    string
	Missing   []int
	Err       error
}

func (e *AssemblyError) Error() string {
	msg := fmt.Sprintf("assembling session %s: %s", e.SessionID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// AssembledFile descreve o artefato produzido.
type AssembledFile struct {
	Location string        `json:"location"`
	Size     int64         `json:"size"`
	Checksum string        `json:"checksum"`
	Chunks   int           `json:"chunks"`
	Duration time.Duration `json:"duration"`
}

// MissingChunks retorna os números de 1..chunks_count sem chunk gravado.
func MissingChunks(s *session.UploadSession, chunks []session.Chunk) []int {
	var done []int
	for i := range chunks {
		if chunks[i].Stored() {
			done = append(done, chunks[i].Number)
		}
	}
	return session.MissingChunks(s.ChunksCount, done)
}

// Assembler lê chunks do backend e escreve o artefato.
type Assembler struct {
	backend    storage.ChunkBackend
	artifacts  storage.ArtifactStore
	compressor *compress.Engine
	logger     *slog.Logger
}

// NewAssembler cria o assembler. compressor é necessário para ler chunks
// gravados comprimidos.
func NewAssembler(backend storage.ChunkBackend, artifacts storage.ArtifactStore, compressor *compress.Engine, logger *slog.Logger) *Assembler {
	return &Assembler{backend: backend, artifacts: artifacts, compressor: compressor, logger: logger}
}

// Assemble escreve os chunks 1..N em ordem crescente, conferindo cada um
// contra seu checksum, e valida o tamanho total contra s.TotalSize. Em
// sucesso grava ArtifactLocation e ArtifactChecksum em s. Em erro nenhum
// artefato fica visível.
func (a *Assembler) Assemble(ctx context.Context, s *session.UploadSession, chunks []session.Chunk) (*AssembledFile, error) {
	start := time.Now()

	if missing := MissingChunks(s, chunks); len(missing) > 0 {
		return nil, &AssemblyError{
			SessionID: s.ID,
			Reason:    fmt.Sprintf("%d chunk(s) missing", len(missing)),
			Missing:   missing,
		}
	}

	byNumber := make(map[int]session.Chunk, len(chunks))
	for _, c := range chunks {
		if c.Stored() {
			byNumber[c.Number] = c
		}
	}

	w, err := a.artifacts.Create(ctx, s.ID, s.TotalSize)
	if err != nil {
		return nil, &AssemblyError{SessionID: s.ID, Reason: "creating artifact", Err: err}
	}

	hasher := sha256.New()
	buf := bufio.NewWriterSize(io.MultiWriter(w, hasher), writeBufferSize)

	var total int64
	for n := 1; n <= s.ChunksCount; n++ {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return nil, &AssemblyError{SessionID: s.ID, Reason: "cancelled", Err: err}
		}

		data, err := a.readChunk(ctx, byNumber[n])
		if err != nil {
			w.Abort()
			return nil, &AssemblyError{SessionID: s.ID, Reason: fmt.Sprintf("reading chunk %d", n), Err: err}
		}
		if _, err := buf.Write(data); err != nil {
			w.Abort()
			return nil, &AssemblyError{SessionID: s.ID, Reason: fmt.Sprintf("writing chunk %d", n), Err: err}
		}
		total += int64(len(data))

		// Já passou do declarado: não adianta continuar.
		if total > s.TotalSize {
			w.Abort()
			return nil, &AssemblyError{
				SessionID: s.ID,
				Reason:    fmt.Sprintf("size mismatch: assembled more than declared %d bytes at chunk %d", s.TotalSize, n),
			}
		}
	}

	if total != s.TotalSize {
		w.Abort()
		return nil, &AssemblyError{
			SessionID: s.ID,
			Reason:    fmt.Sprintf("size mismatch: declared %d, assembled %d", s.TotalSize, total),
		}
	}

	if err := buf.Flush(); err != nil {
		w.Abort()
		return nil, &AssemblyError{SessionID: s.ID, Reason: "flushing artifact", Err: err}
	}

	location, err := w.Commit(ctx)
	if err != nil {
		return nil, &AssemblyError{SessionID: s.ID, Reason: "committing artifact", Err: err}
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	s.ArtifactLocation = location
	s.ArtifactChecksum = checksum

	af := &AssembledFile{
		Location: location,
		Size:     total,
		Checksum: checksum,
		Chunks:   s.ChunksCount,
		Duration: time.Since(start),
	}
	a.logger.Info("artifact assembled",
		"session", s.ID,
		"location", location,
		"bytes", total,
		"chunks", s.ChunksCount,
		"duration", af.Duration,
	)
	return af, nil
}

// readChunk lê, descomprime e confere um chunk.
func (a *Assembler) readChunk(ctx context.Context, c session.Chunk) ([]byte, error) {
	raw, err := a.backend.Read(ctx, c.StorageKey)
	if err != nil {
		return nil, err
	}

	if c.Codec == compress.CodecNone {
		if c.Size > 0 && int64(len(raw)) != c.Size {
			return nil, fmt.Errorf("stored size %d differs from declared %d", len(raw), c.Size)
		}
		if err := dedup.Verify(raw, c.Checksum); err != nil {
			return nil, err
		}
		return raw, nil
	}

	if a.compressor == nil {
		return nil, fmt.Errorf("chunk stored with codec %q but no decompressor configured", c.Codec)
	}
	return a.compressor.Decompress(&compress.CompressedChunk{
		Data:         raw,
		Codec:        c.Codec,
		OriginalSize: c.Size,
		Checksum:     c.Checksum,
	})
}

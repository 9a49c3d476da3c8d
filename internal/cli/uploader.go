// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nishisan-dev/n-upload/internal/compress"
	"github.com/nishisan-dev/n-upload/internal/dedup"
	"github.com/nishisan-dev/n-upload/internal/session"
	"github.com/nishisan-dev/n-upload/internal/transfer"
	"github.com/nishisan-dev/n-upload/internal/upload"
)

// ErrIncomplete indica chunks que não foram aceitos após todas as rodadas.
var ErrIncomplete = errors.New("upload incomplete")

// ChunkUploader é a parte do serviço de upload usada pelo CLI.
type ChunkUploader interface {
	CreateSession(ctx context.Context, req upload.CreateRequest) (*session.UploadSession, error)
	UploadChunks(ctx context.Context, sessionID string, chunks []transfer.ChunkPayload) ([]transfer.TransferResult, error)
	GetProgress(ctx context.Context, sessionID string) (session.Progress, error)
	GetSession(ctx context.Context, sessionID string) (*session.UploadSession, error)
}

// Uploader fatia arquivos locais em chunks e os entrega ao serviço em janelas.
type Uploader struct {
	svc       ChunkUploader
	chunkSize int64
	window    int
	rounds    int
	progress  *ProgressReporter
	logger    *slog.Logger
}

// NewUploader cria o uploader. window é o número de chunks lidos por chamada;
// rounds limita os reenvios de chunks que falharam.
func NewUploader(svc ChunkUploader, chunkSize int64, window, rounds int, progress *ProgressReporter, logger *slog.Logger) *Uploader {
	if window <= 0 {
		window = 8
	}
	if rounds <= 0 {
		rounds = 3
	}
	return &Uploader{
		svc:       svc,
		chunkSize: chunkSize,
		window:    window,
		rounds:    rounds,
		progress:  progress,
		logger:    logger,
	}
}

// ChunksFor retorna quantos chunks de chunkSize cobrem size bytes.
func ChunksFor(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// UploadFile cria a sessão para o arquivo em path e envia todos os chunks.
// req.Filename vazio usa o nome base do arquivo.
func (u *Uploader) UploadFile(ctx context.Context, path string, req upload.CreateRequest) (*session.UploadSession, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if req.Filename == "" {
		req.Filename = filepath.Base(path)
	}
	req.TotalSize = info.Size()
	req.ChunksCount = ChunksFor(info.Size(), u.chunkSize)

	s, err := u.svc.CreateSession(ctx, req)
	if err != nil {
		return nil, err
	}
	pending := make([]int, s.ChunksCount)
	for i := range pending {
		pending[i] = i + 1
	}
	return u.send(ctx, path, s, pending)
}

// Resume reenvia apenas os chunks que ainda faltam na sessão id.
func (u *Uploader) Resume(ctx context.Context, path, id string) (*session.UploadSession, error) {
	s, err := u.svc.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() != s.TotalSize {
		return nil, fmt.Errorf("file %s has %d bytes, session %s expects %d", path, info.Size(), id, s.TotalSize)
	}
	p, err := u.svc.GetProgress(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.progress != nil {
		u.progress.AddBytes(max(s.TotalSize-int64(len(p.MissingChunks))*u.chunkSize, 0))
	}
	u.logger.Info("resuming upload", "session", id, "missing", len(p.MissingChunks), "completed", p.CompletedChunks)
	return u.send(ctx, path, s, p.MissingChunks)
}

func (u *Uploader) send(ctx context.Context, path string, s *session.UploadSession, pending []int) (*session.UploadSession, error) {
	f, err := os.Open(path)
	if err != nil {
		return s, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	for round := 1; round <= u.rounds && len(pending) > 0; round++ {
		var failed []int
		for start := 0; start < len(pending); start += u.window {
			end := min(start+u.window, len(pending))
			payloads, err := u.read(f, s, pending[start:end])
			if err != nil {
				return s, err
			}

			results, err := u.svc.UploadChunks(ctx, s.ID, payloads)
			if err != nil {
				if cur, gErr := u.svc.GetSession(context.WithoutCancel(ctx), s.ID); gErr == nil {
					s = cur
				}
				return s, fmt.Errorf("uploading chunks of session %s: %w", s.ID, err)
			}
			for i, r := range results {
				if r.Success {
					if u.progress != nil {
						u.progress.AddBytes(int64(len(payloads[i].Data)))
						u.progress.AddChunk()
					}
					continue
				}
				failed = append(failed, r.ChunkNumber)
				if u.progress != nil {
					u.progress.AddRetry()
				}
				u.logger.Warn("chunk rejected", "session", s.ID, "chunk", r.ChunkNumber, "round", round, "error", r.Err)
			}
		}
		pending = failed
	}

	final, err := u.svc.GetSession(ctx, s.ID)
	if err != nil {
		return s, err
	}
	if len(pending) > 0 && final.Status == session.StatusUploading {
		return final, fmt.Errorf("%w: session %s still missing chunks %v", ErrIncomplete, s.ID, pending)
	}
	return final, nil
}

// read lê os chunks numbers do arquivo. O último chunk pode ser menor.
func (u *Uploader) read(f *os.File, s *session.UploadSession, numbers []int) ([]transfer.ChunkPayload, error) {
	payloads := make([]transfer.ChunkPayload, 0, len(numbers))
	for _, n := range numbers {
		offset := int64(n-1) * u.chunkSize
		size := min(u.chunkSize, s.TotalSize-offset)
		if size <= 0 {
			return nil, fmt.Errorf("chunk %d is beyond the end of %s", n, f.Name())
		}
		buf := make([]byte, size)
		if _, err := f.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading chunk %d of %s: %w", n, f.Name(), err)
		}
		payloads = append(payloads, transfer.ChunkPayload{
			Number:      n,
			Data:        buf,
			Checksum:    dedup.Checksum(buf),
			ContentType: compress.DetectContentType(s.Filename, buf),
		})
	}
	return payloads, nil
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transfer distribui chunks de uma sessão por um pool limitado de
// workers: dedup, compressão, throttle e gravação com retry.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nishisan-dev/n-upload/internal/compress"
	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/dedup"
	"github.com/nishisan-dev/n-upload/internal/session"
	"github.com/nishisan-dev/n-upload/internal/storage"
	"github.com/nishisan-dev/n-upload/internal/throttle"
)

// DefaultMaxConcurrent é o tamanho do pool quando o chamador passa <= 0.
const DefaultMaxConcurrent = 3

const metaDedupSource = "dedup_source"

// ChunkPayload é um chunk recebido do cliente.
type ChunkPayload struct {
	Number int
	Data   []byte
	// Checksum declarado (sha256 hex). Vazio = calculado no servidor.
	Checksum string
	// ContentType orienta a heurística de compressão. Vazio = inferido.
	ContentType string
}

// TransferResult é o resultado de um chunk. Results[i] corresponde a
// chunks[i] da chamada.
type TransferResult struct {
	ChunkNumber int    `json:"chunk_number"`
	Success     bool   `json:"success"`
	Skipped     bool   `json:"skipped,omitempty"` // já presente, sem transferência
	StorageKey  string `json:"storage_key,omitempty"`
	Codec       string `json:"codec,omitempty"`
	StoredSize  int64  `json:"stored_size,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	// Failures é o total acumulado de falhas do chunk na sessão.
	Failures int   `json:"failures,omitempty"`
	Err      error `json:"-"`
}

// TransferError registra a falha de um único chunk após esgotar as tentativas.
type TransferError struct {
	SessionID   string
	ChunkNumber int
	Attempts    int
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transferring chunk %d of session %s after %d attempt(s): %v",
		e.ChunkNumber, e.SessionID, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ChunkRecords é a parte do repositório usada pelos workers.
type ChunkRecords interface {
	GetChunk(ctx context.Context, sessionID string, number int) (*session.Chunk, error)
	SaveChunk(ctx context.Context, c *session.Chunk) error
	CountKeyReferences(ctx context.Context, key string) (int64, error)
}

// Options configura o coordenador.
type Options struct {
	ChunkTimeout time.Duration
	Retry        config.RetryInfo
}

// Coordinator executa as transferências. Seguro para uso concorrente.
type Coordinator struct {
	backend    storage.ChunkBackend
	records    ChunkRecords
	dedup      *dedup.Engine
	compressor *compress.Engine
	throttle   *throttle.Throttle
	opts       Options
	logger     *slog.Logger
}

// NewCoordinator cria o coordenador. compressor pode ser nil (sem compressão).
func NewCoordinator(backend storage.ChunkBackend, records ChunkRecords, d *dedup.Engine,
	compressor *compress.Engine, th *throttle.Throttle, opts Options, logger *slog.Logger) *Coordinator {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	return &Coordinator{
		backend:    backend,
		records:    records,
		dedup:      d,
		compressor: compressor,
		throttle:   th,
		opts:       opts,
		logger:     logger,
	}
}

// WithLogger retorna uma cópia que loga em logger (ex.: log da sessão).
func (c *Coordinator) WithLogger(logger *slog.Logger) *Coordinator {
	cp := *c
	cp.logger = logger
	return &cp
}

// UploadChunksParallel transfere chunks com até maxConcurrent workers.
// Sempre retorna um resultado por entrada; a falha de um chunk não cancela
// os demais e nunca vira erro do coordenador.
func (c *Coordinator) UploadChunksParallel(ctx context.Context, s *session.UploadSession, chunks []ChunkPayload, maxConcurrent int) []TransferResult {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	results := make([]TransferResult, len(chunks))

	// Validação e checksums
	seen := make(map[int]int, len(chunks))
	var candidates []dedup.Descriptor
	valid := make([]bool, len(chunks))
	checksums := make([]string, len(chunks))
	for i, p := range chunks {
		results[i].ChunkNumber = p.Number
		if err := validatePayload(s, p); err != nil {
			results[i].Err = err
			continue
		}
		if prev, dup := seen[p.Number]; dup {
			results[i].Err = session.Invalid("chunk_number", "chunk %d submitted twice in the same call (index %d)", p.Number, prev)
			continue
		}
		seen[p.Number] = i

		sum := dedup.Checksum(p.Data)
		if p.Checksum != "" && p.Checksum != sum {
			results[i].Err = &session.ValidationError{
				Field:  "checksum",
				Reason: fmt.Sprintf("chunk %d: declared %s, computed %s", p.Number, p.Checksum, sum),
				Err:    dedup.ErrChecksumMismatch,
			}
			continue
		}
		checksums[i] = sum
		valid[i] = true
		candidates = append(candidates, dedup.Descriptor{Number: p.Number, Size: int64(len(p.Data)), Checksum: sum})
	}

	// Classificação única para o lote inteiro (só metadados locais)
	var classified dedup.Result
	if c.dedup != nil && len(candidates) > 0 {
		classified = c.dedup.Deduplicate(ctx, s, candidates)
	}

	g := new(errgroup.Group)
	g.SetLimit(maxConcurrent)

	for i := range chunks {
		if !valid[i] {
			continue
		}
		p := chunks[i]
		sum := checksums[i]
		if match, ok := classified.Matches[p.Number]; ok {
			g.Go(func() error {
				results[i] = c.reuse(ctx, s, p, sum, match)
				return nil
			})
			continue
		}
		g.Go(func() error {
			results[i] = c.transferOne(ctx, s, p, sum)
			return nil
		})
	}
	g.Wait()

	return results
}

func validatePayload(s *session.UploadSession, p ChunkPayload) error {
	if p.Number < 1 || p.Number > s.ChunksCount {
		return session.Invalid("chunk_number", "chunk %d out of range [1, %d]", p.Number, s.ChunksCount)
	}
	if len(p.Data) == 0 {
		return session.Invalid("data", "chunk %d is empty", p.Number)
	}
	return nil
}

// reuse registra um chunk já presente. Para match da própria sessão o
// registro já está concluído; match de outra sessão ganha um registro
// apontando para a mesma chave.
func (c *Coordinator) reuse(ctx context.Context, s *session.UploadSession, p ChunkPayload, sum string, match session.Chunk) TransferResult {
	res := TransferResult{
		ChunkNumber: p.Number,
		Success:     true,
		Skipped:     true,
		StorageKey:  match.StorageKey,
		Codec:       match.Codec,
		StoredSize:  match.StoredSize,
		Checksum:    sum,
	}
	if match.SessionID == s.ID {
		return res
	}

	rec := &session.Chunk{
		SessionID:  s.ID,
		Number:     p.Number,
		Size:       int64(len(p.Data)),
		Status:     session.ChunkCompleted,
		Checksum:   sum,
		StorageKey: match.StorageKey,
		Codec:      match.Codec,
		StoredSize: match.StoredSize,
		Owner:      s.Owner,
		Metadata:   session.Metadata{metaDedupSource: match.SessionID},
	}
	if err := c.records.SaveChunk(ctx, rec); err != nil {
		// Sem registro, o chunk volta a ser transferido normalmente.
		c.logger.Warn("failed to record deduplicated chunk, transferring",
			"session", s.ID, "chunk", p.Number, "error", err)
		return c.transferOne(ctx, s, p, sum)
	}
	c.logger.Debug("chunk reused from another session",
		"session", s.ID, "chunk", p.Number, "source", match.SessionID, "key", match.StorageKey)
	return res
}

func (c *Coordinator) transferOne(ctx context.Context, s *session.UploadSession, p ChunkPayload, sum string) TransferResult {
	res := TransferResult{ChunkNumber: p.Number, Checksum: sum}
	logger := c.logger.With("session", s.ID, "chunk", p.Number)

	rec, err := c.records.GetChunk(ctx, s.ID, p.Number)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			logger.Warn("failed to load chunk record", "error", err)
		}
		rec = &session.Chunk{SessionID: s.ID, Number: p.Number}
	}
	rec.Metadata = maps.Clone(rec.Metadata)
	rec.Size = int64(len(p.Data))
	rec.Checksum = sum
	rec.Owner = s.Owner
	rec.Status = session.ChunkUploading
	if err := c.records.SaveChunk(ctx, rec); err != nil {
		logger.Warn("failed to mark chunk uploading", "error", err)
	}

	payload, codec := c.prepare(s, p, logger)

	prevKey := rec.StorageKey
	version := versionFor(prevKey)

	var key string
	attempts, err := c.storeWithRetry(ctx, s.ID, p.Number, payload, version, &key, logger)
	res.Attempts = attempts

	if err == nil {
		rec.Status = session.ChunkCompleted
		rec.StorageKey = key
		rec.Codec = codec
		rec.StoredSize = int64(len(payload))
		rec.Quarantined = false
		delete(rec.Metadata, session.MetaError)
		delete(rec.Metadata, metaDedupSource)
		if err = c.records.SaveChunk(ctx, rec); err == nil {
			if prevKey != "" && prevKey != key {
				c.dropObject(ctx, prevKey, logger)
			}
			res.Success = true
			res.StorageKey = key
			res.Codec = codec
			res.StoredSize = rec.StoredSize
			res.Failures = rec.Failures
			logger.Debug("chunk stored", "key", key, "bytes", len(payload), "codec", codec, "attempts", attempts)
			return res
		}
		err = fmt.Errorf("recording chunk: %w", err)
	}

	rec.Status = session.ChunkFailed
	rec.Failures++
	if rec.Metadata == nil {
		rec.Metadata = session.Metadata{}
	}
	rec.Metadata[session.MetaError] = err.Error()
	if saveErr := c.records.SaveChunk(context.WithoutCancel(ctx), rec); saveErr != nil {
		logger.Warn("failed to record chunk failure", "error", saveErr)
	}

	res.Failures = rec.Failures
	res.Err = &TransferError{SessionID: s.ID, ChunkNumber: p.Number, Attempts: attempts, Err: err}
	logger.Warn("chunk transfer failed", "attempts", attempts, "failures", rec.Failures, "error", err)
	return res
}

// versionFor escolhe a chave do envio. Um chunk que já tem objeto grava
// sob uma versão nova: o objeto atual pode estar referenciado por outra
// sessão (dedup entre sessões) e nunca é sobrescrito.
func versionFor(prevKey string) string {
	if prevKey == "" {
		return ""
	}
	return uuid.NewString()
}

// dropObject remove o objeto anterior de um chunk que ganhou outra chave,
// se nenhuma sessão ainda aponta para ele.
func (c *Coordinator) dropObject(ctx context.Context, key string, logger *slog.Logger) {
	refs, err := c.records.CountKeyReferences(ctx, key)
	if err != nil || refs > 0 {
		return
	}
	if err := c.backend.Delete(context.WithoutCancel(ctx), key); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		logger.Warn("failed to remove replaced chunk object", "key", key, "error", err)
	}
}

// prepare decide a compressão. Sem ContentType no payload vale o nome do
// arquivo da sessão. Falha do codec ou saída sem ganho grava o chunk cru.
func (c *Coordinator) prepare(s *session.UploadSession, p ChunkPayload, logger *slog.Logger) ([]byte, string) {
	if c.compressor == nil {
		return p.Data, compress.CodecNone
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = compress.DetectContentType(s.Filename, p.Data)
	}
	if !c.compressor.ShouldCompress(p.Data, contentType) {
		return p.Data, compress.CodecNone
	}
	cc, err := c.compressor.Compress(p.Data)
	if err != nil {
		logger.Warn("compression failed, storing uncompressed", "error", err)
		return p.Data, compress.CodecNone
	}
	if len(cc.Data) >= len(p.Data) {
		return p.Data, compress.CodecNone
	}
	return cc.Data, cc.Codec
}

func (c *Coordinator) storeWithRetry(ctx context.Context, sessionID string, number int, payload []byte, version string, key *string, logger *slog.Logger) (int, error) {
	var lastErr error
	attempt := 0

	for ; attempt < c.opts.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt, c.opts.Retry.InitialDelay, c.opts.Retry.MaxDelay)
			logger.Info("retrying chunk store", "attempt", attempt+1, "delay", delay)

			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = c.storeOnce(ctx, sessionID, number, payload, version, key)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if ctx.Err() != nil {
			return attempt + 1, lastErr
		}
		logger.Warn("chunk store attempt failed", "attempt", attempt+1, "error", lastErr)
	}

	return attempt, lastErr
}

// storeOnce grava uma vez. transfer.chunk_timeout vale só para o Store no
// backend; a espera do throttle corre no ctx da chamada.
func (c *Coordinator) storeOnce(ctx context.Context, sessionID string, number int, payload []byte, version string, key *string) error {
	store := func(ctx context.Context) error {
		storeCtx := ctx
		if c.opts.ChunkTimeout > 0 {
			var cancel context.CancelFunc
			storeCtx, cancel = context.WithTimeout(ctx, c.opts.ChunkTimeout)
			defer cancel()
		}
		k, err := c.put(storeCtx, sessionID, number, version, payload)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("chunk timeout after %s: %w", c.opts.ChunkTimeout, err)
			}
			return err
		}
		*key = k
		return nil
	}

	if c.throttle != nil {
		return c.throttle.Throttle(ctx, int64(len(payload)), store)
	}
	return store(ctx)
}

func (c *Coordinator) put(ctx context.Context, sessionID string, number int, version string, payload []byte) (string, error) {
	if version == "" {
		return c.backend.Store(ctx, sessionID, number, payload)
	}
	return c.backend.StoreVersion(ctx, sessionID, number, version, payload)
}

// calculateBackoff calcula o delay com exponential backoff capped.
func calculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

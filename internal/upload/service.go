// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package upload expõe o pipeline de upload em chunks: criação de sessões,
// recepção de chunks, progresso, transições de estado, montagem, scan e
// leitura do artefato final.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/n-upload/internal/access"
	"github.com/nishisan-dev/n-upload/internal/assembly"
	"github.com/nishisan-dev/n-upload/internal/batch"
	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/logging"
	"github.com/nishisan-dev/n-upload/internal/scan"
	"github.com/nishisan-dev/n-upload/internal/session"
	"github.com/nishisan-dev/n-upload/internal/storage"
	"github.com/nishisan-dev/n-upload/internal/store"
	"github.com/nishisan-dev/n-upload/internal/transfer"
)

// SpaceGuard recusa sessões que não cabem no disco de staging.
type SpaceGuard interface {
	EnsureFree(need int64) error
}

// Listener recebe os eventos de ciclo de vida das sessões (eventos e
// histórico de observabilidade).
type Listener interface {
	SessionCreated(s *session.UploadSession)
	SessionTransitioned(s *session.UploadSession, prev session.Status, ev session.Event)
}

// Deps são os colaboradores do serviço. Authorizer, Batches, Guard,
// SessionLogs e Listener são opcionais.
type Deps struct {
	Repo        store.Repository
	Chunks      storage.ChunkBackend
	Artifacts   storage.ArtifactStore
	Coordinator *transfer.Coordinator
	Assembler   *assembly.Assembler
	Scanner     scan.Scanner
	Authorizer  access.Authorizer
	Batches     batch.Aggregator
	Guard       SpaceGuard
	SessionLogs *logging.SessionLogs
	Listener    Listener
	Logger      *slog.Logger
}

// Options ajusta limites e o comportamento automático.
type Options struct {
	MaxSessionSize   int64
	MaxConcurrent    int
	MaxChunkFailures int
	// AutoFinalize dispara montagem, scan e finalização quando o último
	// chunk chega.
	AutoFinalize bool
}

// OptionsFromConfig extrai as opções da config do servidor.
func OptionsFromConfig(cfg *config.ServerConfig) Options {
	return Options{
		MaxSessionSize:   cfg.Transfer.MaxSessionSizeRaw,
		MaxConcurrent:    cfg.Transfer.MaxConcurrent,
		MaxChunkFailures: cfg.Transfer.MaxChunkFailures,
		AutoFinalize:     true,
	}
}

// Service é o ponto de entrada do pipeline. Seguro para uso concorrente.
// Transições de uma mesma sessão são serializadas por um lock por sessão;
// transferências de chunks correm fora dele.
type Service struct {
	repo        store.Repository
	chunks      storage.ChunkBackend
	artifacts   storage.ArtifactStore
	coordinator *transfer.Coordinator
	assembler   *assembly.Assembler
	scanner     scan.Scanner
	authorizer  access.Authorizer
	batches     batch.Aggregator
	guard       SpaceGuard
	logs        *logging.SessionLogs
	listener    Listener
	logger      *slog.Logger

	opts  Options
	locks sync.Map // sessionID → *sync.Mutex
	now   func() time.Time
}

// NewService monta o serviço.
func NewService(d Deps, opts Options) *Service {
	if opts.MaxSessionSize <= 0 || opts.MaxSessionSize > config.MaxSessionSize {
		opts.MaxSessionSize = config.MaxSessionSize
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = transfer.DefaultMaxConcurrent
	}
	if opts.MaxChunkFailures <= 0 {
		opts.MaxChunkFailures = 5
	}
	authz := d.Authorizer
	if authz == nil {
		authz = access.AllowAll{}
	}
	scanner := d.Scanner
	if scanner == nil {
		scanner = scan.NopScanner{}
	}
	return &Service{
		repo:        d.Repo,
		chunks:      d.Chunks,
		artifacts:   d.Artifacts,
		coordinator: d.Coordinator,
		assembler:   d.Assembler,
		scanner:     scanner,
		authorizer:  authz,
		batches:     d.Batches,
		guard:       d.Guard,
		logs:        d.SessionLogs,
		listener:    d.Listener,
		logger:      d.Logger,
		opts:        opts,
		now:         time.Now,
	}
}

// CreateRequest declara um upload.
type CreateRequest struct {
	Filename    string           `json:"filename"`
	TotalSize   int64            `json:"total_size"`
	ChunksCount int              `json:"chunks_count"`
	Scope       string           `json:"scope"`
	Folder      string           `json:"folder,omitempty"`
	Owner       string           `json:"owner"`
	BatchID     string           `json:"batch_id,omitempty"`
	Metadata    session.Metadata `json:"metadata,omitempty"`
}

func (s *Service) validate(req CreateRequest) error {
	if req.Owner == "" {
		return session.Invalid("owner", "is required")
	}
	if err := storage.ValidatePathComponent(req.Filename, "filename"); err != nil {
		return &session.ValidationError{Field: "filename", Reason: err.Error(), Err: err}
	}
	if err := storage.ValidatePathComponent(req.Scope, "scope"); err != nil {
		return &session.ValidationError{Field: "scope", Reason: err.Error(), Err: err}
	}
	if err := storage.ValidateFolder(req.Folder); err != nil {
		return &session.ValidationError{Field: "folder", Reason: err.Error(), Err: err}
	}
	if req.TotalSize <= 0 {
		return session.Invalid("total_size", "must be > 0, got %d", req.TotalSize)
	}
	if req.TotalSize > s.opts.MaxSessionSize {
		return session.Invalid("total_size", "%d exceeds the maximum of %d bytes", req.TotalSize, s.opts.MaxSessionSize)
	}
	if req.ChunksCount <= 0 {
		return session.Invalid("chunks_count", "must be > 0, got %d", req.ChunksCount)
	}
	if int64(req.ChunksCount) > req.TotalSize {
		return session.Invalid("chunks_count", "%d chunks cannot hold %d bytes", req.ChunksCount, req.TotalSize)
	}
	return nil
}

// CreateSession valida, autoriza e persiste uma sessão pending. Nenhuma
// sessão inválida chega ao repositório.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (*session.UploadSession, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if err := s.authorizer.Authorize(ctx, req.Owner, req.Scope); err != nil {
		return nil, err
	}
	if req.BatchID != "" {
		if getter, ok := s.batches.(interface {
			GetBatch(ctx context.Context, id string) (*session.Batch, error)
		}); ok {
			b, err := getter.GetBatch(ctx, req.BatchID)
			if err != nil {
				return nil, &session.ValidationError{Field: "batch_id", Reason: err.Error(), Err: err}
			}
			if b.Status.IsTerminal() {
				return nil, session.Invalid("batch_id", "batch %s is %s", b.ID, b.Status)
			}
		}
	}
	if s.guard != nil {
		if err := s.guard.EnsureFree(req.TotalSize); err != nil {
			return nil, err
		}
	}

	now := s.now()
	sess := &session.UploadSession{
		ID:          session.NewID(),
		Filename:    req.Filename,
		TotalSize:   req.TotalSize,
		ChunksCount: req.ChunksCount,
		Status:      session.StatusPending,
		Metadata:    req.Metadata,
		BatchID:     req.BatchID,
		Folder:      req.Folder,
		Scope:       req.Scope,
		Owner:       req.Owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, session.ErrDuplicateActive) {
			return nil, &session.ValidationError{Field: "destination", Reason: err.Error(), Err: err}
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s.logFor(sess).Info("upload session created",
		"filename", sess.Filename,
		"scope", sess.Scope,
		"folder", sess.Folder,
		"bytes", sess.TotalSize,
		"chunks", sess.ChunksCount,
		"batch", sess.BatchID,
	)
	if s.listener != nil {
		s.listener.SessionCreated(sess.Clone())
	}
	return sess, nil
}

// ChunkResult é o resultado de SubmitChunk com o progresso resultante.
type ChunkResult struct {
	transfer.TransferResult
	Status     session.Status `json:"status"`
	Percentage float64        `json:"percentage"`
}

// SubmitChunk recebe um chunk. Falha de transferência vem em result.Err;
// o erro retornado é reservado a problemas da sessão.
func (s *Service) SubmitChunk(ctx context.Context, sessionID string, number int, data []byte, checksum string) (*ChunkResult, error) {
	results, err := s.UploadChunks(ctx, sessionID, []transfer.ChunkPayload{
		{Number: number, Data: data, Checksum: checksum},
	})
	if err != nil {
		return nil, err
	}
	res := &ChunkResult{TransferResult: results[0]}
	if p, err := s.GetProgress(ctx, sessionID); err == nil {
		res.Status = p.Status
		res.Percentage = p.Percentage
	}
	return res, nil
}

// UploadChunks transfere vários chunks de uma sessão em paralelo. Uma
// sessão pending passa a uploading no primeiro chunk.
func (s *Service) UploadChunks(ctx context.Context, sessionID string, chunks []transfer.ChunkPayload) ([]transfer.TransferResult, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case session.StatusPending:
		sess, err = s.transition(ctx, sessionID, session.EventStartUpload, nil)
		// Outro chamador pode ter iniciado a sessão entre a leitura e o lock.
		if err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			return nil, err
		}
		if err != nil {
			if sess, err = s.repo.GetSession(ctx, sessionID); err != nil {
				return nil, err
			}
		}
		if sess.Status != session.StatusUploading {
			return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrNotAcceptingChunks)
		}
	case session.StatusUploading:
	default:
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrNotAcceptingChunks)
	}

	logger := s.logFor(sess)
	results := s.coordinator.WithLogger(logger).UploadChunksParallel(ctx, sess, chunks, s.opts.MaxConcurrent)

	// A sessão pode ter sido cancelada enquanto os chunks drenavam.
	current, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return results, nil
	}
	if current.Status != session.StatusUploading {
		logger.Info("discarding chunk results of closed session", "status", current.Status, "chunks", len(results))
		return results, nil
	}

	for _, r := range results {
		if r.Success || r.Failures < s.opts.MaxChunkFailures {
			continue
		}
		cause := fmt.Errorf("chunk %d failed %d times: %w", r.ChunkNumber, r.Failures, r.Err)
		if _, err := s.Fail(ctx, sessionID, session.ClassTransfer, cause); err != nil {
			logger.Warn("failed to mark session failed", "error", err)
		}
		return results, nil
	}

	if s.opts.AutoFinalize {
		s.maybeFinalize(ctx, sessionID)
	}
	return results, nil
}

// GetProgress retorna percentual, chunks faltantes, status e o erro que
// levou a sessão a failed.
func (s *Service) GetProgress(ctx context.Context, sessionID string) (session.Progress, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return session.Progress{}, err
	}
	chunks, err := s.repo.ListChunks(ctx, sessionID)
	if err != nil {
		return session.Progress{}, fmt.Errorf("listing chunks: %w", err)
	}
	return session.BuildProgress(sess, chunks), nil
}

// GetSession retorna a sessão.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*session.UploadSession, error) {
	return s.repo.GetSession(ctx, sessionID)
}

func (s *Service) lockFor(sessionID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Service) logFor(sess *session.UploadSession) *slog.Logger {
	if s.logs != nil {
		return s.logs.For(sess.Owner, sess.ID)
	}
	return s.logger.With("session", sess.ID)
}

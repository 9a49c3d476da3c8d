// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package dedup calcula checksums de chunks e classifica candidatos entre
// "já presentes" e "a transferir".
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nishisan-dev/n-upload/internal/session"
)

// ErrChecksumMismatch indica bytes que não conferem com o checksum declarado.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Checksum retorna o SHA-256 hex de data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify confere data contra expected. expected vazio é aceito.
func Verify(data []byte, expected string) error {
	if expected == "" {
		return nil
	}
	if got := Checksum(data); got != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, got)
	}
	return nil
}

// Descriptor descreve um chunk candidato.
type Descriptor struct {
	Number   int
	Size     int64
	Checksum string
}

// Lookup é a parte do repositório consultada na classificação. Só metadados
// locais, nenhum acesso ao backend de bytes.
type Lookup interface {
	ListChunks(ctx context.Context, sessionID string) ([]session.Chunk, error)
	FindChunksByChecksum(ctx context.Context, owner string, checksums []string, excludeSession string) (map[string]session.Chunk, error)
}

// DeduplicationError envolve uma falha interna de consulta. Nunca chega ao
// cliente: a classificação degrada para "transferir".
type DeduplicationError struct {
	SessionID string
	Err       error
}

func (e *DeduplicationError) Error() string {
	return fmt.Sprintf("deduplication for session %s: %v", e.SessionID, e.Err)
}

func (e *DeduplicationError) Unwrap() error { return e.Err }

// Result é a classificação de um conjunto de candidatos.
type Result struct {
	AlreadyPresent []Descriptor
	ToTransfer     []Descriptor
	// Matches aponta, por número de chunk, o registro existente que torna o
	// candidato dispensável (da própria sessão ou de outra).
	Matches map[int]session.Chunk
	// Degraded é não-nil quando a consulta falhou e tudo foi para ToTransfer.
	Degraded error
}

// Engine classifica candidatos. O reuso entre sessões é opcional e limitado
// ao mesmo owner.
type Engine struct {
	lookup       Lookup
	crossSession bool
	logger       *slog.Logger
}

// NewEngine cria o engine.
func NewEngine(lookup Lookup, crossSession bool, logger *slog.Logger) *Engine {
	return &Engine{lookup: lookup, crossSession: crossSession, logger: logger}
}

// Deduplicate classifica candidates para a sessão s. Não altera os
// candidatos nem nenhum registro.
func (e *Engine) Deduplicate(ctx context.Context, s *session.UploadSession, candidates []Descriptor) Result {
	res := Result{Matches: make(map[int]session.Chunk)}

	existing, err := e.lookup.ListChunks(ctx, s.ID)
	if err != nil {
		return e.degrade(s, candidates, err)
	}

	byNumber := make(map[int]session.Chunk, len(existing))
	for _, c := range existing {
		if c.Stored() && !c.Quarantined {
			byNumber[c.Number] = c
		}
	}

	var pending []Descriptor
	for _, d := range candidates {
		if d.Checksum == "" {
			pending = append(pending, d)
			continue
		}
		if c, ok := byNumber[d.Number]; ok && c.Checksum == d.Checksum {
			res.AlreadyPresent = append(res.AlreadyPresent, d)
			res.Matches[d.Number] = c
			continue
		}
		pending = append(pending, d)
	}

	if !e.crossSession || len(pending) == 0 {
		res.ToTransfer = pending
		return res
	}

	checksums := make([]string, 0, len(pending))
	for _, d := range pending {
		if d.Checksum != "" {
			checksums = append(checksums, d.Checksum)
		}
	}
	if len(checksums) == 0 {
		res.ToTransfer = pending
		return res
	}

	found, err := e.lookup.FindChunksByChecksum(ctx, s.Owner, checksums, s.ID)
	if err != nil {
		// A parte da própria sessão continua válida; só o reuso entre sessões cai.
		res.ToTransfer = pending
		res.Degraded = &DeduplicationError{SessionID: s.ID, Err: err}
		e.logger.Warn("cross-session dedup lookup failed, transferring",
			"session", s.ID, "chunks", len(pending), "error", err)
		return res
	}

	for _, d := range pending {
		if c, ok := found[d.Checksum]; ok && d.Checksum != "" && c.Size == d.Size {
			res.AlreadyPresent = append(res.AlreadyPresent, d)
			res.Matches[d.Number] = c
			continue
		}
		res.ToTransfer = append(res.ToTransfer, d)
	}

	if n := len(res.AlreadyPresent); n > 0 {
		e.logger.Debug("dedup classified chunks",
			"session", s.ID, "present", n, "transfer", len(res.ToTransfer))
	}
	return res
}

func (e *Engine) degrade(s *session.UploadSession, candidates []Descriptor, err error) Result {
	e.logger.Warn("dedup lookup failed, transferring all candidates",
		"session", s.ID, "chunks", len(candidates), "error", err)
	return Result{
		ToTransfer: append([]Descriptor(nil), candidates...),
		Matches:    map[int]session.Chunk{},
		Degraded:   &DeduplicationError{SessionID: s.ID, Err: err},
	}
}

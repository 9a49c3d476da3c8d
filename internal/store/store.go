// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store persiste os registros de sessões e chunks.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/session"
)

// SessionFilter restringe ListSessions. Campos zero não filtram.
type SessionFilter struct {
	Statuses      []session.Status
	Owner         string
	BatchID       string
	UpdatedBefore time.Time
	Limit         int
}

// Repository é o contrato de persistência do pipeline.
//
// CreateSession garante, atomicamente, que nenhuma outra sessão ativa
// tenha o mesmo (scope, folder, filename); caso contrário retorna
// session.ErrDuplicateActive. Leituras retornam session.ErrNotFound.
type Repository interface {
	CreateSession(ctx context.Context, s *session.UploadSession) error
	GetSession(ctx context.Context, id string) (*session.UploadSession, error)
	UpdateSession(ctx context.Context, s *session.UploadSession) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, f SessionFilter) ([]session.UploadSession, error)

	// SaveChunk faz upsert por (session_id, number).
	SaveChunk(ctx context.Context, c *session.Chunk) error
	GetChunk(ctx context.Context, sessionID string, number int) (*session.Chunk, error)
	ListChunks(ctx context.Context, sessionID string) ([]session.Chunk, error)

	// FindChunksByChecksum retorna, por checksum, um chunk concluído e não
	// quarentenado de outra sessão do mesmo owner.
	FindChunksByChecksum(ctx context.Context, owner string, checksums []string, excludeSession string) (map[string]session.Chunk, error)
	// CountKeyReferences conta chunks (de qualquer sessão) apontando para key.
	CountKeyReferences(ctx context.Context, key string) (int64, error)
	// QuarantineChunks marca os chunks da sessão como inelegíveis para reuso.
	QuarantineChunks(ctx context.Context, sessionID string) error

	Close() error
}

// Open cria o repositório configurado em database.driver.
func Open(cfg config.DatabaseInfo) (Repository, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryRepository(), nil
	case "sqlite":
		return OpenSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func matchesFilter(s *session.UploadSession, f SessionFilter) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if s.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Owner != "" && s.Owner != f.Owner {
		return false
	}
	if f.BatchID != "" && s.BatchID != f.BatchID {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package batch agrega a conclusão de sessões irmãs num lote.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/session"
)

// Aggregator recebe as notificações terminais das sessões. Cada chamada é
// um incremento-e-recálculo atômico.
type Aggregator interface {
	MarkFileCompleted(ctx context.Context, batchID string) (*session.Batch, error)
	MarkFileFailed(ctx context.Context, batchID string) (*session.Batch, error)
}

// Store é o agregador com criação e consulta de lotes.
type Store interface {
	Aggregator
	CreateBatch(ctx context.Context, totalFiles int, meta session.Metadata) (*session.Batch, error)
	GetBatch(ctx context.Context, id string) (*session.Batch, error)
	Close() error
}

// Open cria o store conforme batch.backend.
func Open(cfg config.BatchInfo, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewRegistry(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		logger.Info("batch aggregator using redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
		return NewRedisStore(client, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown batch backend %q", cfg.Backend)
	}
}

type entry struct {
	mu sync.Mutex
	b  session.Batch
}

// Registry mantém lotes em memória com um lock por lote.
type Registry struct {
	mu      sync.RWMutex
	batches map[string]*entry
	now     func() time.Time
}

// NewRegistry cria um registry vazio.
func NewRegistry() *Registry {
	return &Registry{batches: make(map[string]*entry), now: time.Now}
}

func (r *Registry) CreateBatch(_ context.Context, totalFiles int, meta session.Metadata) (*session.Batch, error) {
	b, err := session.NewBatch(totalFiles, meta, r.now())
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.batches[b.ID] = &entry{b: *b}
	r.mu.Unlock()
	return b, nil
}

func (r *Registry) GetBatch(_ context.Context, id string) (*session.Batch, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.b
	return &b, nil
}

func (r *Registry) MarkFileCompleted(_ context.Context, batchID string) (*session.Batch, error) {
	return r.record(batchID, session.OutcomeCompleted)
}

func (r *Registry) MarkFileFailed(_ context.Context, batchID string) (*session.Batch, error) {
	return r.record(batchID, session.OutcomeFailed)
}

func (r *Registry) record(id string, o session.Outcome) (*session.Batch, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.b.Record(o, r.now()); err != nil {
		return nil, fmt.Errorf("batch %s: %w", id, err)
	}
	b := e.b
	return &b, nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, session.ErrNotFound)
	}
	return e, nil
}

func (r *Registry) Close() error { return nil }

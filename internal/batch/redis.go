// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nishisan-dev/n-upload/internal/session"
)

// DefaultKeyPrefix é o prefixo das chaves de lote no Redis.
const DefaultKeyPrefix = "nupload:batch:"

// maxTxRetries limita as repetições do WATCH/MULTI sob contenção.
const maxTxRetries = 64

// RedisStore guarda cada lote num hash e atualiza os contadores com
// transação otimista (WATCH + MULTI/EXEC), permitindo vários processos
// compartilharem o mesmo lote.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore cria o store sobre client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) CreateBatch(ctx context.Context, totalFiles int, meta session.Metadata) (*session.Batch, error) {
	b, err := session.NewBatch(totalFiles, meta, r.now())
	if err != nil {
		return nil, err
	}
	fields, err := encodeBatch(b)
	if err != nil {
		return nil, err
	}
	if err := r.client.HSet(ctx, r.key(b.ID), fields).Err(); err != nil {
		return nil, fmt.Errorf("creating batch %s: %w", b.ID, err)
	}
	return b, nil
}

func (r *RedisStore) GetBatch(ctx context.Context, id string) (*session.Batch, error) {
	vals, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading batch %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("batch %s: %w", id, session.ErrNotFound)
	}
	return decodeBatch(id, vals)
}

func (r *RedisStore) MarkFileCompleted(ctx context.Context, batchID string) (*session.Batch, error) {
	return r.record(ctx, batchID, session.OutcomeCompleted)
}

func (r *RedisStore) MarkFileFailed(ctx context.Context, batchID string) (*session.Batch, error) {
	return r.record(ctx, batchID, session.OutcomeFailed)
}

func (r *RedisStore) record(ctx context.Context, id string, o session.Outcome) (*session.Batch, error) {
	key := r.key(id)
	var updated *session.Batch

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return fmt.Errorf("batch %s: %w", id, session.ErrNotFound)
		}
		b, err := decodeBatch(id, vals)
		if err != nil {
			return err
		}
		if err := b.Record(o, r.now()); err != nil {
			return fmt.Errorf("batch %s: %w", id, err)
		}
		fields, err := encodeBatch(b)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		if err == nil {
			updated = b
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("batch %s: too many concurrent updates", id)
}

func (r *RedisStore) Close() error { return r.client.Close() }

func encodeBatch(b *session.Batch) (map[string]any, error) {
	meta, err := json.Marshal(b.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding batch metadata: %w", err)
	}
	return map[string]any{
		"total_files":     b.TotalFiles,
		"completed_files": b.CompletedFiles,
		"failed_files":    b.FailedFiles,
		"status":          string(b.Status),
		"metadata":        string(meta),
		"created_at":      b.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":      b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decodeBatch(id string, vals map[string]string) (*session.Batch, error) {
	b := &session.Batch{ID: id, Status: session.BatchStatus(vals["status"])}
	var err error
	if b.TotalFiles, err = strconv.Atoi(vals["total_files"]); err != nil {
		return nil, fmt.Errorf("decoding batch %s total_files: %w", id, err)
	}
	if b.CompletedFiles, err = strconv.Atoi(vals["completed_files"]); err != nil {
		return nil, fmt.Errorf("decoding batch %s completed_files: %w", id, err)
	}
	if b.FailedFiles, err = strconv.Atoi(vals["failed_files"]); err != nil {
		return nil, fmt.Errorf("decoding batch %s failed_files: %w", id, err)
	}
	if m := vals["metadata"]; m != "" && m != "null" {
		if err := json.Unmarshal([]byte(m), &b.Metadata); err != nil {
			return nil, fmt.Errorf("decoding batch %s metadata: %w", id, err)
		}
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, vals["created_at"])
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, vals["updated_at"])
	return b, nil
}

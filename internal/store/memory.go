// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nishisan-dev/n-upload/internal/session"
)

type chunkKey struct {
	session string
	number  int
}

// MemoryRepository mantém sessões e chunks em memória. Usado em testes e
// quando database.driver = memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*session.UploadSession
	chunks   map[chunkKey]*session.Chunk
	nextID   uint
}

// NewMemoryRepository cria um repositório vazio.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*session.UploadSession),
		chunks:   make(map[chunkKey]*session.Chunk),
	}
}

func (r *MemoryRepository) CreateSession(_ context.Context, s *session.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	for _, other := range r.sessions {
		if other.Status.IsTerminal() {
			continue
		}
		if other.Scope == s.Scope && other.Folder == s.Folder && other.Filename == s.Filename {
			return session.ErrDuplicateActive
		}
	}

	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, id string) (*session.UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *MemoryRepository) UpdateSession(_ context.Context, s *session.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; !ok {
		return session.ErrNotFound
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *MemoryRepository) DeleteSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return session.ErrNotFound
	}
	delete(r.sessions, id)
	for k := range r.chunks {
		if k.session == id {
			delete(r.chunks, k)
		}
	}
	return nil
}

func (r *MemoryRepository) ListSessions(_ context.Context, f SessionFilter) ([]session.UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]session.UploadSession, 0)
	for _, s := range r.sessions {
		if matchesFilter(s, f) {
			out = append(out, *s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) SaveChunk(_ context.Context, c *session.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := chunkKey{c.SessionID, c.Number}
	now := time.Now()
	if existing, ok := r.chunks[k]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	} else {
		r.nextID++
		c.ID = r.nextID
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
	}
	c.UpdatedAt = now
	cp := *c
	r.chunks[k] = &cp
	return nil
}

func (r *MemoryRepository) GetChunk(_ context.Context, sessionID string, number int) (*session.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.chunks[chunkKey{sessionID, number}]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) ListChunks(_ context.Context, sessionID string) ([]session.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]session.Chunk, 0)
	for k, c := range r.chunks {
		if k.session == sessionID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (r *MemoryRepository) FindChunksByChecksum(_ context.Context, owner string, checksums []string, excludeSession string) (map[string]session.Chunk, error) {
	want := make(map[string]struct{}, len(checksums))
	for _, c := range checksums {
		want[c] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	found := make(map[string]session.Chunk)
	for _, c := range r.chunks {
		if c.SessionID == excludeSession || c.Owner != owner || c.Quarantined || !c.Stored() {
			continue
		}
		if _, ok := want[c.Checksum]; !ok {
			continue
		}
		if _, dup := found[c.Checksum]; !dup {
			found[c.Checksum] = *c
		}
	}
	return found, nil
}

func (r *MemoryRepository) CountKeyReferences(_ context.Context, key string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, c := range r.chunks {
		if c.StorageKey == key {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) QuarantineChunks(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, c := range r.chunks {
		if k.session == sessionID {
			c.Quarantined = true
		}
	}
	return nil
}

func (r *MemoryRepository) Close() error { return nil }

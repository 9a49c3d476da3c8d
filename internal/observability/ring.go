// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import "sync"

// Ring é um ring buffer thread-safe. Armazena as últimas N entradas,
// descartando as mais antigas quando cheio.
type Ring[T any] struct {
	mu  sync.RWMutex
	buf []T
	pos int // próxima posição de escrita
	cap int
	len int // quantos slots estão ocupados (max = cap)
}

// NewRing cria um ring buffer com capacidade fixa.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ring[T]{
		buf: make([]T, capacity),
		cap: capacity,
	}
}

// Push adiciona uma entrada, sobrescrevendo a mais antiga quando cheio.
func (r *Ring[T]) Push(e T) {
	r.mu.Lock()
	r.buf[r.pos] = e
	r.pos = (r.pos + 1) % r.cap
	if r.len < r.cap {
		r.len++
	}
	r.mu.Unlock()
}

// Recent retorna as últimas N entradas em ordem cronológica (mais antiga
// primeiro). limit <= 0 retorna tudo.
func (r *Ring[T]) Recent(limit int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.len
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]T, n)
	// pos aponta para a PRÓXIMA posição de escrita.
	start := (r.pos - n + r.cap) % r.cap
	for i := 0; i < n; i++ {
		result[i] = r.buf[(start+i)%r.cap]
	}
	return result
}

// Len retorna o número de entradas armazenadas.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.len
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultChunkSize é o tamanho padrão de cada chunk enviado pelo CLI (1MB).
const DefaultChunkSize = 1 * 1024 * 1024

// ClientInfo contém os parâmetros usados pelo CLI nupload ao fatiar arquivos.
type ClientInfo struct {
	Owner        string   `yaml:"owner"`      // default: "local"
	Scope        string   `yaml:"scope"`      // default: "default"
	ChunkSize    string   `yaml:"chunk_size"` // ex: "1mb", "4mb" (default: 1mb)
	ChunkSizeRaw int64    `yaml:"-"`          // valor parseado em bytes
	Exclude      []string `yaml:"exclude"`    // globs ignorados ao enviar diretórios
}

// RetryInfo contém configurações de retry com exponential backoff.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	File          string `yaml:"file"`
	SessionLogDir string `yaml:"session_log_dir"` // vazio = sem log dedicado por upload
}

func (r *RetryInfo) applyDefaults() {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = 200 * time.Millisecond
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 5 * time.Second
	}
}

func (l *LoggingInfo) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

func (c *ClientInfo) validate() error {
	if c.Owner == "" {
		c.Owner = "local"
	}
	if c.Scope == "" {
		c.Scope = "default"
	}
	if c.ChunkSize == "" {
		c.ChunkSize = "1mb"
	}
	parsed, err := ParseByteSize(c.ChunkSize)
	if err != nil {
		return fmt.Errorf("client.chunk_size: %w", err)
	}
	if parsed < 64*1024 {
		return fmt.Errorf("client.chunk_size must be at least 64kb, got %s", c.ChunkSize)
	}
	if parsed > 64*1024*1024 {
		return fmt.Errorf("client.chunk_size must be at most 64mb, got %s", c.ChunkSize)
	}
	c.ChunkSizeRaw = parsed
	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// fanOutHandler despacha cada registro para o handler global e para o
// arquivo dedicado do upload.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Cada handler filtra pelo próprio nível: DEBUG vai só para o arquivo.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Falha no arquivo do upload não derruba o log global.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewSessionLogger cria um logger que grava no logger base e em um arquivo
// dedicado ao upload, em:
//
//	{sessionLogDir}/{owner}/{sessionID}.log
//
// Retorna o logger, o io.Closer do arquivo e o path criado.
// Se sessionLogDir for vazio, retorna o logger base (no-op).
func NewSessionLogger(baseLogger *slog.Logger, sessionLogDir, owner, sessionID string) (*slog.Logger, io.Closer, string, error) {
	if sessionLogDir == "" {
		return baseLogger, nopCloser{}, "", nil
	}

	dir := filepath.Join(sessionLogDir, owner)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating session log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, sessionID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening session log file %s: %w", logPath, err)
	}

	// Arquivo do upload sempre em JSON/DEBUG.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined).With("session", sessionID), f, logPath, nil
}

// RemoveSessionLog remove o arquivo de log de um upload concluído.
// É no-op se sessionLogDir for vazio ou o arquivo não existir.
func RemoveSessionLog(sessionLogDir, owner, sessionID string) {
	if sessionLogDir == "" {
		return
	}
	os.Remove(filepath.Join(sessionLogDir, owner, sessionID+".log"))
}

// SessionLogs mantém os loggers dedicados dos uploads em andamento.
// Uploads concluídos têm o arquivo removido; falhos preservam o arquivo
// para diagnóstico.
type SessionLogs struct {
	base *slog.Logger
	dir  string

	mu   sync.Mutex
	open map[string]sessionLogEntry
}

type sessionLogEntry struct {
	logger *slog.Logger
	closer io.Closer
	owner  string
}

// NewSessionLogs cria o registro de loggers por upload. dir vazio desabilita
// os arquivos dedicados.
func NewSessionLogs(base *slog.Logger, dir string) *SessionLogs {
	return &SessionLogs{
		base: base,
		dir:  dir,
		open: make(map[string]sessionLogEntry),
	}
}

// For retorna o logger do upload, abrindo o arquivo na primeira chamada.
func (s *SessionLogs) For(owner, sessionID string) *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.open[sessionID]; ok {
		return e.logger
	}

	logger, closer, _, err := NewSessionLogger(s.base, s.dir, owner, sessionID)
	if err != nil {
		s.base.Warn("session log unavailable, using global logger", "session", sessionID, "error", err)
		return s.base.With("session", sessionID)
	}
	if s.dir == "" {
		logger = logger.With("session", sessionID)
	}
	s.open[sessionID] = sessionLogEntry{logger: logger, closer: closer, owner: owner}
	return logger
}

// Close fecha o arquivo do upload. Com keep=false o arquivo é removido.
func (s *SessionLogs) Close(sessionID string, keep bool) {
	s.mu.Lock()
	e, ok := s.open[sessionID]
	delete(s.open, sessionID)
	s.mu.Unlock()

	if !ok {
		return
	}
	e.closer.Close()
	if !keep {
		RemoveSessionLog(s.dir, e.owner, sessionID)
	}
}

// Len retorna a quantidade de arquivos abertos.
func (s *SessionLogs) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

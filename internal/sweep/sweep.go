// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sweep remove sessões expiradas: pending ociosas além de
// pending_ttl e sessões encerradas sem sucesso além de failed_ttl.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-upload/internal/session"
	"github.com/nishisan-dev/n-upload/internal/store"
)

// Lifecycle é a parte do serviço de upload usada pelo sweeper.
type Lifecycle interface {
	// Expire cancela a sessão somente se ela ainda está pending sem
	// atividade desde before.
	Expire(ctx context.Context, id string, before time.Time) (*session.UploadSession, error)
	Purge(ctx context.Context, id string) error
}

// Report resume uma passada.
type Report struct {
	Expired  int           `json:"expired"`
	Purged   int           `json:"purged"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// Sweeper executa as passadas de expiração.
type Sweeper struct {
	sessions   store.Repository
	lifecycle  Lifecycle
	pendingTTL time.Duration
	failedTTL  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// New cria o sweeper.
func New(sessions store.Repository, lifecycle Lifecycle, pendingTTL, failedTTL time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		sessions:   sessions,
		lifecycle:  lifecycle,
		pendingTTL: pendingTTL,
		failedTTL:  failedTTL,
		logger:     logger.With("component", "sweeper"),
		now:        time.Now,
	}
}

// Sweep cancela e remove sessões pending paradas há mais de pendingTTL e
// remove sessões failed/cancelled mais antigas que failedTTL. Falha de uma
// sessão não interrompe a passada.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	start := s.now()
	var rep Report

	pendingCutoff := start.Add(-s.pendingTTL)
	pending, err := s.sessions.ListSessions(ctx, store.SessionFilter{
		Statuses:      []session.Status{session.StatusPending},
		UpdatedBefore: pendingCutoff,
	})
	if err != nil {
		return rep, fmt.Errorf("listing expired pending sessions: %w", err)
	}
	for _, sess := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if _, err := s.lifecycle.Expire(ctx, sess.ID, pendingCutoff); err != nil {
			if errors.Is(err, session.ErrInvalidTransition) {
				// Saiu de pending depois da listagem (ex.: primeiro chunk chegou).
				s.logger.Debug("session left pending, not expiring", "session", sess.ID)
				continue
			}
			s.logger.Warn("failed to expire session", "session", sess.ID, "error", err)
			rep.Errors++
			continue
		}
		rep.Expired++
		if err := s.lifecycle.Purge(ctx, sess.ID); err != nil {
			s.logger.Warn("failed to purge expired session", "session", sess.ID, "error", err)
			rep.Errors++
			continue
		}
		rep.Purged++
	}

	stale, err := s.sessions.ListSessions(ctx, store.SessionFilter{
		Statuses:      []session.Status{session.StatusFailed, session.StatusCancelled},
		UpdatedBefore: start.Add(-s.failedTTL),
	})
	if err != nil {
		return rep, fmt.Errorf("listing stale failed sessions: %w", err)
	}
	for _, sess := range stale {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := s.lifecycle.Purge(ctx, sess.ID); err != nil {
			s.logger.Warn("failed to purge session", "session", sess.ID, "status", sess.Status, "error", err)
			rep.Errors++
			continue
		}
		rep.Purged++
	}

	rep.Duration = time.Since(start)
	if rep.Expired+rep.Purged+rep.Errors > 0 {
		s.logger.Info("sweep finished",
			"expired", rep.Expired,
			"purged", rep.Purged,
			"errors", rep.Errors,
			"duration", rep.Duration,
		)
	} else {
		s.logger.Debug("sweep finished, nothing to do")
	}
	return rep, nil
}

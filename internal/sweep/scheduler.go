// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sweep

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler gerencia a execução periódica do sweep via cron expression.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	sweeper *Sweeper
	ctx     context.Context
	mu      sync.Mutex // garante apenas uma passada por vez
	running bool
}

// NewScheduler cria um Scheduler com a expressão cron fornecida. ctx é
// repassado a cada passada.
func NewScheduler(ctx context.Context, schedule string, sweeper *Sweeper, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		logger:  logger.With("component", "sweep_scheduler"),
		sweeper: sweeper,
		ctx:     ctx,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.execute); err != nil {
		return nil, err
	}

	s.cron = c
	return s, nil
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("sweep scheduler started")
	s.cron.Start()
}

// Stop para o scheduler e aguarda a passada em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("sweep scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("sweep scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("sweep scheduler stop timed out")
	}
}

func (s *Scheduler) execute() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("sweep already running, skipping scheduled execution")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if _, err := s.sweeper.Sweep(s.ctx); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

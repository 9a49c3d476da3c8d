// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const statsInterval = 5 * time.Minute

// StatsReporter emite métricas periódicas do pipeline no log.
type StatsReporter struct {
	source    MetricsSource
	interval  time.Duration
	logger    *slog.Logger
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStatsReporter cria um StatsReporter que loga métricas a cada 5 minutos.
func NewStatsReporter(source MetricsSource, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		source:    source,
		interval:  statsInterval,
		logger:    logger,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(sr.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", sr.interval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel == nil {
		return
	}
	sr.cancel()
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report(ctx context.Context) {
	data := sr.source.MetricsSnapshot(ctx)

	active := 0
	for _, n := range data.Sessions {
		active += n
	}

	attrs := []any{
		"uptime_seconds", int64(time.Since(sr.startTime).Seconds()),
		"sessions_active", active,
	}
	if data.Throttle != nil {
		attrs = append(attrs,
			"throttle_avg_kbps", data.Throttle.AverageKBps,
			"throttle_transfers", data.Throttle.Transfers,
		)
	}
	if data.Compression != nil {
		attrs = append(attrs, "compression_ratio", data.Compression.Ratio)
	}
	if data.Host != nil {
		attrs = append(attrs,
			"disk_usage_percent", data.Host.DiskUsagePercent,
			"disk_free_bytes", data.Host.DiskFreeBytes,
		)
	}

	// Serializa contagens como JSON para log estruturado
	sessionsJSON, _ := json.Marshal(data.Sessions)
	attrs = append(attrs, "sessions", json.RawMessage(sessionsJSON))

	sr.logger.Info("pipeline stats", attrs...)
}

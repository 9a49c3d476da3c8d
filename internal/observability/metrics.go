// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"log/slog"

	"github.com/nishisan-dev/n-upload/internal/compress"
	"github.com/nishisan-dev/n-upload/internal/monitor"
	"github.com/nishisan-dev/n-upload/internal/session"
	"github.com/nishisan-dev/n-upload/internal/store"
	"github.com/nishisan-dev/n-upload/internal/throttle"
)

// Collector reúne as métricas dos componentes do pipeline. Componentes nil
// ficam fora do snapshot.
type Collector struct {
	Throttle   *throttle.Throttle
	Compressor *compress.Engine
	Monitor    *monitor.SystemMonitor
	Sessions   store.Repository
	Logger     *slog.Logger
}

// MetricsSnapshot implementa MetricsSource.
func (c *Collector) MetricsSnapshot(ctx context.Context) MetricsData {
	data := MetricsData{Sessions: map[string]int{}}
	if c.Throttle != nil {
		st := c.Throttle.Stats()
		data.Throttle = &st
	}
	if c.Compressor != nil {
		st := c.Compressor.Stats()
		data.Compression = &st
	}
	if c.Monitor != nil {
		st := c.Monitor.Stats()
		data.Host = &st
	}
	if c.Sessions != nil {
		active, err := c.Sessions.ListSessions(ctx, store.SessionFilter{Statuses: session.ActiveStatuses()})
		if err != nil {
			if c.Logger != nil {
				c.Logger.Warn("failed to count active sessions", "error", err)
			}
			return data
		}
		for _, s := range active {
			data.Sessions[string(s.Status)]++
		}
	}
	return data
}

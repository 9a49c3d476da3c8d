// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"github.com/nishisan-dev/n-upload/internal/compress"
	"github.com/nishisan-dev/n-upload/internal/monitor"
	"github.com/nishisan-dev/n-upload/internal/throttle"
)

// HealthResponse é retornado por GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
	Go      string `json:"go"`
}

// MetricsData é retornado por GET /api/v1/metrics. Seções nil são omitidas.
type MetricsData struct {
	Throttle    *throttle.Stats      `json:"throttle,omitempty"`
	Compression *compress.Stats      `json:"compression,omitempty"`
	Host        *monitor.SystemStats `json:"host,omitempty"`
	// Sessions conta as sessões ativas por status.
	Sessions map[string]int `json:"sessions"`
}

// EventEntry representa um evento operacional no ring buffer.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // info | warn | error
	Type      string `json:"type"`  // session_created | start_upload | fail | detect_virus | ...
	Session   string `json:"session,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Batch     string `json:"batch,omitempty"`
	Message   string `json:"message"`
}

// SessionHistoryEntry é uma sessão que chegou a estado terminal.
type SessionHistoryEntry struct {
	SessionID   string `json:"session_id"`
	Owner       string `json:"owner"`
	Scope       string `json:"scope"`
	Folder      string `json:"folder,omitempty"`
	Filename    string `json:"filename"`
	BatchID     string `json:"batch_id,omitempty"`
	Status      string `json:"status"`
	TotalSize   int64  `json:"total_size"`
	ChunksCount int    `json:"chunks_count"`
	ErrorClass  string `json:"error_class,omitempty"`
	Error       string `json:"error,omitempty"`
	Signature   string `json:"signature,omitempty"`
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at"`
	Duration    string `json:"duration"`
}

type errorResponse struct {
	Error string `json:"error"`
}

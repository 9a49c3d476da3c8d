// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/nishisan-dev/n-upload/internal/session"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// MetricsSource fornece o snapshot de métricas.
type MetricsSource interface {
	MetricsSnapshot(ctx context.Context) MetricsData
}

// ProgressSource consulta o progresso de uma sessão (upload.Service).
type ProgressSource interface {
	GetProgress(ctx context.Context, sessionID string) (session.Progress, error)
}

// EventSource lista eventos recentes.
type EventSource interface {
	Recent(limit int) []EventEntry
}

// HistorySource lista sessões finalizadas recentes.
type HistorySource interface {
	Recent(limit int) []SessionHistoryEntry
}

// RouterDeps são as fontes de dados das rotas. Fonte nil responde 404.
type RouterDeps struct {
	Metrics  MetricsSource
	Progress ProgressSource
	Events   EventSource
	History  HistorySource
}

// NewRouter cria o http.Handler da API de observabilidade, com a ACL
// aplicada em todas as rotas.
func NewRouter(deps RouterDeps, acl *ACL) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", handleHealth)
	if deps.Metrics != nil {
		mux.HandleFunc("GET /api/v1/metrics", makeMetricsHandler(deps.Metrics))
	}
	if deps.Progress != nil {
		mux.HandleFunc("GET /api/v1/sessions/{id}/progress", makeProgressHandler(deps.Progress))
	}
	if deps.Events != nil {
		mux.HandleFunc("GET /api/v1/events", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, deps.Events.Recent(queryLimit(r, 100)))
		})
	}
	if deps.History != nil {
		mux.HandleFunc("GET /api/v1/sessions/history", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, deps.History.Recent(queryLimit(r, 50)))
		})
	}

	return acl.Middleware(mux)
}

// handleHealth retorna status do processo, uptime e versão.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(startTime).Round(time.Second).String(),
		Version: Version,
		Go:      runtime.Version(),
	})
}

func makeMetricsHandler(metrics MetricsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.MetricsSnapshot(r.Context()))
	}
}

func makeProgressHandler(progress ProgressSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := progress.GetProgress(r.Context(), r.PathValue("id"))
		switch {
		case errors.Is(err, session.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusOK, p)
		}
	}
}

// queryLimit lê ?limit=N; ausente ou inválido usa def.
func queryLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

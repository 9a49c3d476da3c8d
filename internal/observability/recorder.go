// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"fmt"
	"path"
	"time"

	"github.com/nishisan-dev/n-upload/internal/session"
)

// EventSink recebe eventos operacionais.
type EventSink interface {
	Push(EventEntry)
}

// HistorySink recebe as sessões finalizadas.
type HistorySink interface {
	Push(SessionHistoryEntry)
}

// Recorder converte o ciclo de vida das sessões em eventos e histórico.
// Qualquer um dos sinks pode ser nil.
type Recorder struct {
	events  EventSink
	history HistorySink
}

// NewRecorder cria o recorder.
func NewRecorder(events EventSink, history HistorySink) *Recorder {
	return &Recorder{events: events, history: history}
}

// SessionCreated registra a criação de uma sessão.
func (r *Recorder) SessionCreated(s *session.UploadSession) {
	if r.events == nil {
		return
	}
	r.events.Push(EventEntry{
		Level:   "info",
		Type:    "session_created",
		Session: s.ID,
		Owner:   s.Owner,
		Batch:   s.BatchID,
		Message: fmt.Sprintf("%s (%d bytes, %d chunks) -> %s", s.Filename, s.TotalSize, s.ChunksCount, destination(s)),
	})
}

// SessionTransitioned registra a transição e, em estado terminal, o
// histórico da sessão.
func (r *Recorder) SessionTransitioned(s *session.UploadSession, prev session.Status, ev session.Event) {
	if r.events != nil {
		msg := fmt.Sprintf("%s -> %s", prev, s.Status)
		if cause := s.Metadata[session.MetaError]; cause != "" && s.Status == session.StatusFailed {
			msg += ": " + cause
		}
		if sig := s.Metadata[session.MetaScanResult]; sig != "" && s.Status == session.StatusVirusDetected {
			msg += ": " + sig
		}
		r.events.Push(EventEntry{
			Level:   levelFor(s.Status),
			Type:    string(ev),
			Session: s.ID,
			Owner:   s.Owner,
			Batch:   s.BatchID,
			Message: msg,
		})
	}

	if r.history == nil || !s.Status.IsTerminal() {
		return
	}
	r.history.Push(SessionHistoryEntry{
		SessionID:   s.ID,
		Owner:       s.Owner,
		Scope:       s.Scope,
		Folder:      s.Folder,
		Filename:    s.Filename,
		BatchID:     s.BatchID,
		Status:      string(s.Status),
		TotalSize:   s.TotalSize,
		ChunksCount: s.ChunksCount,
		ErrorClass:  s.Metadata[session.MetaErrorClass],
		Error:       s.Metadata[session.MetaError],
		Signature:   s.Metadata[session.MetaScanResult],
		StartedAt:   s.CreatedAt.Format(time.RFC3339),
		FinishedAt:  s.UpdatedAt.Format(time.RFC3339),
		Duration:    s.UpdatedAt.Sub(s.CreatedAt).Round(time.Millisecond).String(),
	})
}

func levelFor(st session.Status) string {
	switch st {
	case session.StatusFailed, session.StatusVirusDetected:
		return "error"
	case session.StatusCancelled:
		return "warn"
	default:
		return "info"
	}
}

func destination(s *session.UploadSession) string {
	return path.Join(s.Scope, s.Folder, s.Filename)
}

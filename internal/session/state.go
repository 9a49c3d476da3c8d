// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"fmt"
	"time"
)

// Event nomeia uma transição solicitada à máquina de estados.
type Event string

const (
	EventStartUpload       Event = "start_upload"
	EventStartAssembly     Event = "start_assembly"
	EventStartVirusScan    Event = "start_virus_scan"
	EventStartFinalization Event = "start_finalization"
	EventDetectVirus       Event = "detect_virus"
	EventComplete          Event = "complete"
	EventFail              Event = "fail"
	EventCancel            Event = "cancel"
)

type transition struct {
	from Status
	to   Status
}

// Transições com origem fixa. fail e cancel valem para qualquer estado
// não-terminal e são tratadas em Target.
var transitions = map[Event]transition{
	EventStartUpload:       {StatusPending, StatusUploading},
	EventStartAssembly:     {StatusUploading, StatusAssembling},
	EventStartVirusScan:    {StatusAssembling, StatusVirusScanning},
	EventStartFinalization: {StatusVirusScanning, StatusFinalizing},
	EventDetectVirus:       {StatusVirusScanning, StatusVirusDetected},
	EventComplete:          {StatusFinalizing, StatusCompleted},
}

// Events lista todos os eventos conhecidos.
var Events = []Event{
	EventStartUpload, EventStartAssembly, EventStartVirusScan, EventStartFinalization,
	EventDetectVirus, EventComplete, EventFail, EventCancel,
}

// Target retorna o estado resultante de aplicar ev a partir de from, ou
// *InvalidTransitionError se a transição não é permitida.
func Target(from Status, ev Event) (Status, error) {
	if from.IsTerminal() {
		return from, &InvalidTransitionError{From: from, Event: ev, Reason: "status is terminal"}
	}
	switch ev {
	case EventFail:
		return StatusFailed, nil
	case EventCancel:
		return StatusCancelled, nil
	}
	t, ok := transitions[ev]
	if !ok {
		return from, &InvalidTransitionError{From: from, Event: ev, Reason: "unknown event"}
	}
	if t.from != from {
		return from, &InvalidTransitionError{From: from, Event: ev}
	}
	return t.to, nil
}

// Apply aplica ev à sessão. Em caso de erro o estado não é alterado.
func (s *UploadSession) Apply(ev Event, now time.Time) (Status, error) {
	prev := s.Status
	next, err := Target(prev, ev)
	if err != nil {
		if ite, ok := err.(*InvalidTransitionError); ok {
			ite.SessionID = s.ID
		}
		return prev, err
	}
	s.Status = next
	s.UpdatedAt = now
	return prev, nil
}

// Progress é a visão de progresso exposta a clientes.
type Progress struct {
	SessionID       string   `json:"session_id"`
	Status          Status   `json:"status"`
	Percentage      float64  `json:"percentage"`
	CompletedChunks int      `json:"completed_chunks"`
	ChunksCount     int      `json:"chunks_count"`
	MissingChunks   []int    `json:"missing_chunks"`
	ErrorClass      string   `json:"error_class,omitempty"`
	Error           string   `json:"error,omitempty"`
	Metadata        Metadata `json:"metadata,omitempty"`
}

func (p Progress) String() string {
	return fmt.Sprintf("%s %s %.2f%% (%d/%d)", p.SessionID, p.Status, p.Percentage, p.CompletedChunks, p.ChunksCount)
}

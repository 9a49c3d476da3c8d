// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"errors"
	"fmt"
	"time"
)

// BatchStatus é o estado agregado de um lote.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// IsTerminal reporta se o lote não aceita mais notificações.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// Batch agrega a conclusão de várias sessões irmãs.
type Batch struct {
	ID             string      `json:"id"`
	TotalFiles     int         `json:"total_files"`
	CompletedFiles int         `json:"completed_files"`
	FailedFiles    int         `json:"failed_files"`
	Status         BatchStatus `json:"status"`
	Metadata       Metadata    `json:"metadata,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Outcome é o resultado terminal de um arquivo notificado ao lote.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
)

// ErrBatchFull é retornado quando a notificação excederia total_files.
var ErrBatchFull = errors.New("batch already accounted for every file")

// Record contabiliza um arquivo e recalcula o status. Toda a operação deve
// ocorrer sob o mesmo lock (ou transação) do chamador.
func (b *Batch) Record(o Outcome, now time.Time) error {
	if b.CompletedFiles+b.FailedFiles >= b.TotalFiles {
		return ErrBatchFull
	}
	switch o {
	case OutcomeCompleted:
		b.CompletedFiles++
	case OutcomeFailed:
		b.FailedFiles++
	default:
		return fmt.Errorf("unknown outcome %d", o)
	}
	b.Status = b.computeStatus()
	b.UpdatedAt = now
	return nil
}

func (b *Batch) computeStatus() BatchStatus {
	processed := b.CompletedFiles + b.FailedFiles
	switch {
	case b.CompletedFiles == b.TotalFiles && b.FailedFiles == 0:
		return BatchCompleted
	case processed == b.TotalFiles && b.FailedFiles > 0:
		return BatchFailed
	case processed > 0:
		return BatchProcessing
	default:
		return BatchPending
	}
}

// NewBatch cria um lote pendente para total arquivos.
func NewBatch(total int, meta Metadata, now time.Time) (*Batch, error) {
	if total <= 0 {
		return nil, Invalid("total_files", "must be > 0, got %d", total)
	}
	return &Batch{
		ID:         NewID(),
		TotalFiles: total,
		Status:     BatchPending,
		Metadata:   meta,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

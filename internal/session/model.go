// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package session define os registros do pipeline de upload (UploadSession,
// Chunk, Batch), a máquina de estados da sessão e as consultas de progresso.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status é o estado do ciclo de vida de uma UploadSession.
type Status string

const (
	StatusPending       Status = "pending"
	StatusUploading     Status = "uploading"
	StatusAssembling    Status = "assembling"
	StatusVirusScanning Status = "virus_scanning"
	StatusFinalizing    Status = "finalizing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
	StatusVirusDetected Status = "virus_detected"
)

// AllStatuses lista os estados na ordem do ciclo de vida.
var AllStatuses = []Status{
	StatusPending, StatusUploading, StatusAssembling, StatusVirusScanning,
	StatusFinalizing, StatusCompleted, StatusFailed, StatusCancelled, StatusVirusDetected,
}

// Valid reporta se s é um dos estados definidos.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reporta se nenhuma transição é aceita a partir de s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusVirusDetected:
		return true
	}
	return false
}

// ActiveStatuses lista os estados não-terminais.
func ActiveStatuses() []Status {
	var out []Status
	for _, s := range AllStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// ChunkStatus é o estado de um chunk individual.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkUploading ChunkStatus = "uploading"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// Metadata é o mapa livre anexado a sessões, chunks e lotes.
type Metadata map[string]string

// Metadata keys gravadas pelo pipeline.
const (
	MetaErrorClass = "error_class"
	MetaError      = "error"
	MetaScanResult = "scan_signature"
	MetaSourcePath = "source_path"
)

// UploadSession é o registro de uma transferência lógica de arquivo.
type UploadSession struct {
	ID          string   `gorm:"primaryKey;size:36" json:"id"`
	Filename    string   `gorm:"size:255;index:idx_destination" json:"filename"`
	TotalSize   int64    `json:"total_size"`
	ChunksCount int      `json:"chunks_count"`
	Status      Status   `gorm:"size:20;index" json:"status"`
	Metadata    Metadata `gorm:"serializer:json" json:"metadata,omitempty"`
	BatchID     string   `gorm:"size:36;index" json:"batch_id,omitempty"`
	Folder      string   `gorm:"size:255;index:idx_destination" json:"folder,omitempty"`
	Scope       string   `gorm:"size:128;index:idx_destination" json:"scope"`
	Owner       string   `gorm:"size:128;index" json:"owner"`

	// Preenchidos pela montagem.
	ArtifactLocation string `gorm:"size:1024" json:"artifact_location,omitempty"`
	ArtifactChecksum string `gorm:"size:64" json:"artifact_checksum,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName fixa o nome da tabela no gorm.
func (UploadSession) TableName() string { return "upload_sessions" }

// SetMeta grava uma chave de metadata, criando o mapa se necessário.
func (s *UploadSession) SetMeta(key, value string) {
	if s.Metadata == nil {
		s.Metadata = Metadata{}
	}
	s.Metadata[key] = value
}

// Clone retorna uma cópia profunda da sessão.
func (s *UploadSession) Clone() *UploadSession {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(Metadata, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Chunk é uma fatia numerada dos dados da sessão.
type Chunk struct {
	ID          uint        `gorm:"primaryKey" json:"-"`
	SessionID   string      `gorm:"size:36;uniqueIndex:idx_session_chunk" json:"session_id"`
	Number      int         `gorm:"uniqueIndex:idx_session_chunk" json:"chunk_number"`
	Size        int64       `json:"size"`
	Status      ChunkStatus `gorm:"size:20" json:"status"`
	Checksum    string      `gorm:"size:64;index" json:"checksum"`
	StorageKey  string      `gorm:"size:1024" json:"storage_key,omitempty"`
	Codec       string      `gorm:"size:8" json:"codec,omitempty"` // vazio = gravado sem compressão
	StoredSize  int64       `json:"stored_size,omitempty"`
	Failures    int         `json:"failures,omitempty"`
	Metadata    Metadata    `gorm:"serializer:json" json:"metadata,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Owner       string      `gorm:"size:128;index" json:"owner"` // copiado da sessão para dedup entre sessões
	Quarantined bool        `gorm:"index" json:"quarantined,omitempty"`
}

// TableName fixa o nome da tabela no gorm.
func (Chunk) TableName() string { return "upload_chunks" }

// Stored reporta se o chunk está concluído e recuperável pela chave.
func (c *Chunk) Stored() bool {
	return c.Status == ChunkCompleted && c.StorageKey != ""
}

// NewID gera um identificador para sessões e lotes.
func NewID() string {
	return uuid.NewString()
}

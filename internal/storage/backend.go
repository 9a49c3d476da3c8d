// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package storage grava os bytes de chunks e os artefatos montados, em
// disco local ou em um bucket S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/nishisan-dev/n-upload/internal/config"
)

// ErrKeyNotFound indica chave ou artefato inexistente.
var ErrKeyNotFound = errors.New("storage key not found")

// ChunkBackend persiste bytes de chunks por (sessão, número). Cada Store é
// atômico na granularidade da chave: a chave só é visível após a escrita
// completa.
type ChunkBackend interface {
	Store(ctx context.Context, sessionID string, chunkNumber int, data []byte) (string, error)
	// StoreVersion grava sob uma chave própria da versão, sem tocar o objeto
	// de Store. Usado quando o objeto atual é compartilhado por dedup.
	StoreVersion(ctx context.Context, sessionID string, chunkNumber int, version string, data []byte) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Destination identifica o destino final de um artefato.
type Destination struct {
	Scope    string
	Folder   string
	Filename string
}

// ArtifactStore guarda o arquivo montado. O artefato nasce em staging
// (Create/Commit), é lido pelo antivírus (Open) e só é promovido ao
// destino final após scan limpo (Promote).
type ArtifactStore interface {
	Create(ctx context.Context, sessionID string, size int64) (ArtifactWriter, error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Promote(ctx context.Context, stagingLocation string, dest Destination) (string, error)
	Delete(ctx context.Context, location string) error
}

// ArtifactWriter recebe os bytes do artefato em staging.
type ArtifactWriter interface {
	io.Writer
	// Commit torna o artefato visível e retorna sua localização.
	Commit(ctx context.Context) (string, error)
	// Abort descarta o que foi escrito.
	Abort() error
}

// chunkObjectName é o nome relativo de um chunk, compartilhado pelos backends.
func chunkObjectName(sessionID string, chunkNumber int, version string) string {
	name := fmt.Sprintf("chunk_%06d", chunkNumber)
	if version != "" {
		name += "." + version
	}
	return path.Join(sessionID, name)
}

// Open monta o backend de chunks e o artifact store conforme storage.backend.
func Open(ctx context.Context, cfg config.StorageInfo, logger *slog.Logger) (ChunkBackend, ArtifactStore, error) {
	switch cfg.Backend {
	case "", "local":
		chunks, err := NewLocalBackend(cfg.BaseDir)
		if err != nil {
			return nil, nil, err
		}
		artifacts, err := NewLocalArtifactStore(cfg.ArtifactDir)
		if err != nil {
			return nil, nil, err
		}
		return chunks, artifacts, nil
	case "s3":
		client, err := NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, nil, err
		}
		chunks := NewS3Backend(client, cfg.S3.Bucket, cfg.S3.Prefix, logger)
		artifacts := NewS3ArtifactStore(client, cfg.S3.Bucket, cfg.S3.Prefix, cfg.BaseDir, logger)
		return chunks, artifacts, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

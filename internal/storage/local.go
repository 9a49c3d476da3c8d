// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalBackend grava chunks em {baseDir}/{sessionID}/chunk_NNNNNN.
// A escrita é atômica: .tmp → fsync → rename.
type LocalBackend struct {
	baseDir string
}

// NewLocalBackend cria o diretório base se não existir.
func NewLocalBackend(baseDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating chunk directory: %w", err)
	}
	return &LocalBackend{baseDir: baseDir}, nil
}

// Store grava data e retorna a chave relativa ao diretório base.
func (b *LocalBackend) Store(ctx context.Context, sessionID string, chunkNumber int, data []byte) (string, error) {
	return b.StoreVersion(ctx, sessionID, chunkNumber, "", data)
}

// StoreVersion grava data em uma chave separada para version.
func (b *LocalBackend) StoreVersion(ctx context.Context, sessionID string, chunkNumber int, version string, data []byte) (string, error) {
	if err := ValidatePathComponent(sessionID, "session id"); err != nil {
		return "", err
	}
	if version != "" {
		if err := ValidatePathComponent(version, "chunk version"); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := chunkObjectName(sessionID, chunkNumber, version)
	finalPath := filepath.Join(b.baseDir, filepath.FromSlash(key))
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating session chunk directory: %w", err)
	}

	if err := writeFileAtomic(dir, finalPath, data); err != nil {
		return "", err
	}
	return key, nil
}

// Read retorna os bytes gravados em key.
func (b *LocalBackend) Read(ctx context.Context, key string) ([]byte, error) {
	p, err := b.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunk %s: %w", key, err)
	}
	return data, nil
}

// Delete remove key. Chave inexistente não é erro.
func (b *LocalBackend) Delete(_ context.Context, key string) error {
	p, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing chunk %s: %w", key, err)
	}
	// Remove o diretório da sessão quando fica vazio.
	_ = os.Remove(filepath.Dir(p))
	return nil
}

func (b *LocalBackend) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("storage key cannot be empty")
	}
	p := filepath.Join(b.baseDir, filepath.FromSlash(key))
	if err := validatePathInBaseDir(b.baseDir, p); err != nil {
		return "", err
	}
	return p, nil
}

func writeFileAtomic(dir, finalPath string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing chunk: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing chunk: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp to final: %w", err)
	}
	return nil
}

// LocalArtifactStore guarda artefatos em disco:
//
//	{baseDir}/.staging/{sessionID}.part   durante a montagem
//	{baseDir}/.staging/{sessionID}.bin    montado, aguardando scan
//	{baseDir}/{scope}/{folder}/{filename} após finalização
type LocalArtifactStore struct {
	baseDir    string
	stagingDir string
}

// NewLocalArtifactStore cria os diretórios base e de staging.
func NewLocalArtifactStore(baseDir string) (*LocalArtifactStore, error) {
	staging := filepath.Join(baseDir, ".staging")
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("creating artifact staging directory: %w", err)
	}
	return &LocalArtifactStore{baseDir: baseDir, stagingDir: staging}, nil
}

// Create abre o arquivo temporário de montagem da sessão.
func (s *LocalArtifactStore) Create(_ context.Context, sessionID string, _ int64) (ArtifactWriter, error) {
	if err := ValidatePathComponent(sessionID, "session id"); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.stagingDir, sessionID+"-*.part")
	if err != nil {
		return nil, fmt.Errorf("creating artifact temp file: %w", err)
	}
	return &localArtifactWriter{
		f:         f,
		finalPath: filepath.Join(s.stagingDir, sessionID+".bin"),
	}, nil
}

// Open abre um artefato (staging ou final) para leitura.
func (s *LocalArtifactStore) Open(_ context.Context, location string) (io.ReadCloser, error) {
	if err := validatePathInBaseDir(s.baseDir, location); err != nil {
		return nil, err
	}
	f, err := os.Open(location)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("opening artifact: %w", err)
	}
	return f, nil
}

// Promote move o artefato de staging para o destino final.
func (s *LocalArtifactStore) Promote(_ context.Context, stagingLocation string, dest Destination) (string, error) {
	if err := validatePathInBaseDir(s.stagingDir, stagingLocation); err != nil {
		return "", err
	}
	if err := ValidatePathComponent(dest.Scope, "scope"); err != nil {
		return "", err
	}
	if err := ValidateFolder(dest.Folder); err != nil {
		return "", err
	}
	if err := ValidatePathComponent(dest.Filename, "filename"); err != nil {
		return "", err
	}

	finalPath := filepath.Join(s.baseDir, dest.Scope, filepath.FromSlash(dest.Folder), dest.Filename)
	if err := validatePathInBaseDir(s.baseDir, finalPath); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return "", fmt.Errorf("creating destination directory: %w", err)
	}
	if err := os.Rename(stagingLocation, finalPath); err != nil {
		return "", fmt.Errorf("promoting artifact: %w", err)
	}
	return finalPath, nil
}

// Delete remove um artefato. Inexistente não é erro.
func (s *LocalArtifactStore) Delete(_ context.Context, location string) error {
	if location == "" {
		return nil
	}
	if err := validatePathInBaseDir(s.baseDir, location); err != nil {
		return err
	}
	if err := os.Remove(location); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing artifact: %w", err)
	}
	return nil
}

type localArtifactWriter struct {
	f         *os.File
	finalPath string
	done      bool
}

func (w *localArtifactWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *localArtifactWriter) Commit(_ context.Context) (string, error) {
	if w.done {
		return "", fmt.Errorf("artifact already committed or aborted")
	}
	w.done = true
	tmpPath := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("syncing artifact: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Rename(tmpPath, w.finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming temp to final: %w", err)
	}
	return w.finalPath, nil
}

func (w *localArtifactWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	return os.Remove(w.f.Name())
}

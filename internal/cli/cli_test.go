// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/server"
	"github.com/nishisan-dev/n-upload/internal/session"
	"github.com/nishisan-dev/n-upload/internal/transfer"
	"github.com/nishisan-dev/n-upload/internal/upload"
)

const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`
storage:
  base_dir: %s
compression:
  enabled: true
monitor:
  min_free_disk: 1kb
logging:
  level: error
client:
  owner: alice
  scope: studio
  chunk_size: 64kb
  exclude: ["*.tmp"]
`, filepath.Join(dir, "data"))
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	return path
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(b)
	return b
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPutCmd_SingleFile(t *testing.T) {
	cfgPath := writeConfig(t)
	file := filepath.Join(t.TempDir(), "notes.txt")
	writeFile(t, file, []byte(strings.Repeat("chunked upload pipeline\n", 8000)))

	out, err := execute(t, "--config", cfgPath, "-q", "put", file, "--folder", "docs")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, filepath.Join("studio", "docs", "notes.txt"))
}

func TestPutCmd_DirectoryBatch(t *testing.T) {
	cfgPath := writeConfig(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "mix.wav"), randomBytes(150*1024))
	writeFile(t, filepath.Join(dir, "lyrics", "verse.txt"), []byte("first verse"))
	writeFile(t, filepath.Join(dir, "lyrics", "draft.tmp"), []byte("ignored"))
	writeFile(t, filepath.Join(dir, "empty.txt"), nil)

	out, err := execute(t, "--config", cfgPath, "-q", "put", dir, "--folder", "album")
	require.NoError(t, err)
	assert.Contains(t, out, "completed (2/2 completed, 0 failed)")
}

func TestPutCmd_VirusDetected(t *testing.T) {
	cfgPath := writeConfig(t)
	file := filepath.Join(t.TempDir(), "payload.bin")
	writeFile(t, file, []byte("header "+eicar+" trailer"))

	out, err := execute(t, "--config", cfgPath, "-q", "put", file)
	require.Error(t, err)
	assert.Contains(t, out, "virus detected (Eicar-Test-Signature)")
}

func TestPutCmd_ResumeRejectsDirectory(t *testing.T) {
	cfgPath := writeConfig(t)
	_, err := execute(t, "--config", cfgPath, "put", t.TempDir(), "--resume", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--resume")
}

func TestStatusCmd_UnknownSession(t *testing.T) {
	cfgPath := writeConfig(t)
	_, err := execute(t, "--config", cfgPath, "status", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSweepCmd_EmptyRepository(t *testing.T) {
	cfgPath := writeConfig(t)
	out, err := execute(t, "--config", cfgPath, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "expired: 0  purged: 0  errors: 0")
}

func TestFormatChunkList(t *testing.T) {
	assert.Equal(t, "1, 2, 3", formatChunkList([]int{1, 2, 3}, 5))
	assert.Equal(t, "1, 2 ... (+3)", formatChunkList([]int{1, 2, 3, 4, 5}, 2))
}

func TestChunksFor(t *testing.T) {
	assert.Equal(t, 0, ChunksFor(0, 64))
	assert.Equal(t, 1, ChunksFor(64, 64))
	assert.Equal(t, 2, ChunksFor(65, 64))
}

// flakyService rejeita cada chunk listado na primeira tentativa.
type flakyService struct {
	*upload.Service
	failOnce map[int]bool
	calls    int
}

func (f *flakyService) UploadChunks(ctx context.Context, id string, chunks []transfer.ChunkPayload) ([]transfer.TransferResult, error) {
	f.calls++
	var pass []transfer.ChunkPayload
	for _, c := range chunks {
		if !f.failOnce[c.Number] {
			pass = append(pass, c)
		}
	}
	inner, err := f.Service.UploadChunks(ctx, id, pass)
	if err != nil {
		return nil, err
	}

	byNumber := make(map[int]transfer.TransferResult, len(inner))
	for _, r := range inner {
		byNumber[r.ChunkNumber] = r
	}
	results := make([]transfer.TransferResult, len(chunks))
	for i, c := range chunks {
		if f.failOnce[c.Number] {
			delete(f.failOnce, c.Number)
			results[i] = transfer.TransferResult{ChunkNumber: c.Number, Err: fmt.Errorf("connection reset")}
			continue
		}
		results[i] = byNumber[c.Number]
	}
	return results, nil
}

func buildPipeline(t *testing.T) *server.Pipeline {
	t.Helper()
	cfg, err := config.LoadServerConfig(writeConfig(t))
	require.NoError(t, err)
	p, err := server.Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestUploader_RetriesRejectedChunks(t *testing.T) {
	p := buildPipeline(t)
	file := filepath.Join(t.TempDir(), "mix.wav")
	data := randomBytes(200 * 1024)
	writeFile(t, file, data)

	svc := &flakyService{Service: p.Service, failOnce: map[int]bool{2: true, 4: true}}
	progress := NewProgressReporter(nil, "mix.wav", int64(len(data)), 4)
	u := NewUploader(svc, 64*1024, 2, 3, progress, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s, err := u.UploadFile(context.Background(), file, upload.CreateRequest{Scope: "studio", Owner: "alice"})
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.Equal(t, 4, s.ChunksCount)
	assert.Equal(t, int32(2), progress.retries.Load())
	assert.Equal(t, int64(len(data)), progress.bytesSent.Load())

	rc, _, err := p.Service.OpenArtifact(context.Background(), s.ID)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUploader_IncompleteAfterRounds(t *testing.T) {
	p := buildPipeline(t)
	file := filepath.Join(t.TempDir(), "mix.wav")
	writeFile(t, file, randomBytes(100*1024))

	svc := &flakyService{Service: p.Service, failOnce: map[int]bool{2: true}}
	u := NewUploader(svc, 64*1024, 4, 1, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s, err := u.UploadFile(context.Background(), file, upload.CreateRequest{Scope: "studio", Owner: "alice"})
	require.ErrorIs(t, err, ErrIncomplete)
	require.NotNil(t, s)
	assert.Equal(t, session.StatusUploading, s.Status)

	resumed, err := u.Resume(context.Background(), file, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, resumed.Status)
}

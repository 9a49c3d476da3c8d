// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dedup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nishisan-dev/n-upload/internal/session"
	"github.com/nishisan-dev/n-upload/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func numbers(ds []Descriptor) []int {
	out := make([]int, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Number)
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func seedSession(t *testing.T, repo store.Repository, id, owner, filename string) *session.UploadSession {
	t.Helper()
	s := &session.UploadSession{
		ID: id, Filename: filename, TotalSize: 300, ChunksCount: 3,
		Status: session.StatusUploading, Scope: "studio", Owner: owner,
	}
	if err := repo.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func saveCompleted(t *testing.T, repo store.Repository, s *session.UploadSession, n int, data []byte) {
	t.Helper()
	err := repo.SaveChunk(context.Background(), &session.Chunk{
		SessionID: s.ID, Number: n, Size: int64(len(data)), Status: session.ChunkCompleted,
		Checksum: Checksum(data), StorageKey: s.ID + "/k", Owner: s.Owner,
	})
	if err != nil {
		t.Fatalf("SaveChunk: %v", err)
	}
}

func descriptorsFor(chunks ...[]byte) []Descriptor {
	var out []Descriptor
	for i, c := range chunks {
		out = append(out, Descriptor{Number: i + 1, Size: int64(len(c)), Checksum: Checksum(c)})
	}
	return out
}

func TestChecksum_Verify(t *testing.T) {
	data := []byte("hello")
	if err := Verify(data, Checksum(data)); err != nil {
		t.Errorf("expected match, got %v", err)
	}
	if err := Verify(data, ""); err != nil {
		t.Errorf("empty checksum should be accepted, got %v", err)
	}
	if err := Verify(data, Checksum([]byte("other"))); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestDeduplicate_ResumeAfterInterruption(t *testing.T) {
	repo := store.NewMemoryRepository()
	s := seedSession(t, repo, "s1", "alice", "a.wav")
	c1, c2, c3 := []byte("one"), []byte("two"), []byte("three")
	saveCompleted(t, repo, s, 1, c1)
	saveCompleted(t, repo, s, 2, c2)

	e := NewEngine(repo, false, testLogger())
	res := e.Deduplicate(context.Background(), s, descriptorsFor(c1, c2, c3))

	if got := numbers(res.AlreadyPresent); !equalInts(got, []int{1, 2}) {
		t.Errorf("expected alreadyPresent [1 2], got %v", got)
	}
	if got := numbers(res.ToTransfer); !equalInts(got, []int{3}) {
		t.Errorf("expected toTransfer [3], got %v", got)
	}
	if res.Degraded != nil {
		t.Errorf("unexpected degraded: %v", res.Degraded)
	}
}

func TestDeduplicate_Idempotent(t *testing.T) {
	repo := store.NewMemoryRepository()
	s := seedSession(t, repo, "s1", "alice", "a.wav")
	c1, c2 := []byte("one"), []byte("two")
	saveCompleted(t, repo, s, 1, c1)

	e := NewEngine(repo, false, testLogger())
	cands := descriptorsFor(c1, c2)
	first := e.Deduplicate(context.Background(), s, cands)
	second := e.Deduplicate(context.Background(), s, cands)

	if !equalInts(numbers(first.AlreadyPresent), numbers(second.AlreadyPresent)) {
		t.Errorf("expected identical classification, got %v and %v",
			numbers(first.AlreadyPresent), numbers(second.AlreadyPresent))
	}
}

func TestDeduplicate_ChecksumMismatchIsTransferred(t *testing.T) {
	repo := store.NewMemoryRepository()
	s := seedSession(t, repo, "s1", "alice", "a.wav")
	saveCompleted(t, repo, s, 1, []byte("old content"))

	e := NewEngine(repo, false, testLogger())
	res := e.Deduplicate(context.Background(), s, descriptorsFor([]byte("new content")))
	if len(res.AlreadyPresent) != 0 || len(res.ToTransfer) != 1 {
		t.Errorf("expected chunk with new checksum to be transferred, got %+v", res)
	}
}

func TestDeduplicate_FailedChunkIsTransferred(t *testing.T) {
	repo := store.NewMemoryRepository()
	s := seedSession(t, repo, "s1", "alice", "a.wav")
	data := []byte("one")
	repo.SaveChunk(context.Background(), &session.Chunk{
		SessionID: s.ID, Number: 1, Size: 3, Status: session.ChunkFailed, Checksum: Checksum(data),
	})

	e := NewEngine(repo, false, testLogger())
	res := e.Deduplicate(context.Background(), s, descriptorsFor(data))
	if len(res.ToTransfer) != 1 {
		t.Errorf("expected failed chunk to be transferred, got %+v", res)
	}
}

func TestDeduplicate_CrossSession(t *testing.T) {
	repo := store.NewMemoryRepository()
	prev := seedSession(t, repo, "s1", "alice", "a.wav")
	data := []byte("shared content")
	saveCompleted(t, repo, prev, 1, data)
	prev.Status = session.StatusCompleted
	repo.UpdateSession(context.Background(), prev)

	cur := seedSession(t, repo, "s2", "alice", "b.wav")
	other := seedSession(t, repo, "s3", "bob", "c.wav")

	t.Run("disabled", func(t *testing.T) {
		e := NewEngine(repo, false, testLogger())
		res := e.Deduplicate(context.Background(), cur, descriptorsFor(data))
		if len(res.AlreadyPresent) != 0 {
			t.Errorf("expected no cross-session match when disabled, got %v", numbers(res.AlreadyPresent))
		}
	})

	t.Run("same owner", func(t *testing.T) {
		e := NewEngine(repo, true, testLogger())
		res := e.Deduplicate(context.Background(), cur, descriptorsFor(data))
		if got := numbers(res.AlreadyPresent); !equalInts(got, []int{1}) {
			t.Fatalf("expected cross-session match for chunk 1, got %v", got)
		}
		if res.Matches[1].SessionID != "s1" {
			t.Errorf("expected match from s1, got %q", res.Matches[1].SessionID)
		}
	})

	t.Run("other owner", func(t *testing.T) {
		e := NewEngine(repo, true, testLogger())
		res := e.Deduplicate(context.Background(), other, descriptorsFor(data))
		if len(res.AlreadyPresent) != 0 {
			t.Errorf("expected no match across owners, got %v", numbers(res.AlreadyPresent))
		}
	})
}

type failingLookup struct {
	listErr error
	findErr error
}

func (f failingLookup) ListChunks(context.Context, string) ([]session.Chunk, error) {
	return nil, f.listErr
}

func (f failingLookup) FindChunksByChecksum(context.Context, string, []string, string) (map[string]session.Chunk, error) {
	return nil, f.findErr
}

func TestDeduplicate_LookupFailureDegrades(t *testing.T) {
	s := &session.UploadSession{ID: "s1", Owner: "alice"}
	cands := descriptorsFor([]byte("a"), []byte("b"))

	e := NewEngine(failingLookup{listErr: errors.New("db down")}, true, testLogger())
	res := e.Deduplicate(context.Background(), s, cands)
	if len(res.ToTransfer) != 2 || len(res.AlreadyPresent) != 0 {
		t.Fatalf("expected every candidate to be transferred, got %+v", res)
	}
	var dErr *DeduplicationError
	if !errors.As(res.Degraded, &dErr) {
		t.Fatalf("expected DeduplicationError, got %v", res.Degraded)
	}

	e = NewEngine(failingLookup{findErr: errors.New("db down")}, true, testLogger())
	res = e.Deduplicate(context.Background(), s, cands)
	if len(res.ToTransfer) != 2 || res.Degraded == nil {
		t.Errorf("expected degraded cross-session lookup, got %+v", res)
	}
}

func TestDeduplicate_LargeCandidateSet(t *testing.T) {
	repo := store.NewMemoryRepository()
	s := seedSession(t, repo, "s1", "alice", "big.wav")

	var cands []Descriptor
	for i := 1; i <= 5000; i++ {
		cands = append(cands, Descriptor{Number: i, Size: 1, Checksum: Checksum([]byte{byte(i), byte(i >> 8)})})
	}
	e := NewEngine(repo, true, testLogger())
	res := e.Deduplicate(context.Background(), s, cands)
	if len(res.ToTransfer) != 5000 {
		t.Errorf("expected 5000 to transfer, got %d", len(res.ToTransfer))
	}
}

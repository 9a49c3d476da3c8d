// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/nishisan-dev/n-upload/internal/session"
	"github.com/nishisan-dev/n-upload/internal/store"
)

// fakeLifecycle aplica cancel/purge direto no repositório.
type fakeLifecycle struct {
	repo      *store.MemoryRepository
	cancelled []string
	purged    []string
	failPurge map[string]bool
	// beforeCancel simula outro chamador mexendo na sessão antes do cancel.
	beforeCancel func(id string)
}

func (f *fakeLifecycle) Expire(ctx context.Context, id string, before time.Time) (*session.UploadSession, error) {
	if f.beforeCancel != nil {
		f.beforeCancel(id)
	}
	s, err := f.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != session.StatusPending || !s.UpdatedAt.Before(before) {
		return nil, &session.InvalidTransitionError{SessionID: id, From: s.Status, Event: session.EventCancel}
	}
	if _, err := s.Apply(session.EventCancel, time.Now()); err != nil {
		return nil, err
	}
	f.cancelled = append(f.cancelled, id)
	return s, f.repo.UpdateSession(ctx, s)
}

func (f *fakeLifecycle) Purge(ctx context.Context, id string) error {
	if f.failPurge[id] {
		return errors.New("storage unavailable")
	}
	f.purged = append(f.purged, id)
	return f.repo.DeleteSession(ctx, id)
}

func seed(t *testing.T, repo *store.MemoryRepository, id string, status session.Status, age time.Duration) {
	t.Helper()
	ts := time.Now().Add(-age)
	err := repo.CreateSession(context.Background(), &session.UploadSession{
		ID: id, Filename: id + ".wav", Scope: "studio", Owner: "alice",
		TotalSize: 10, ChunksCount: 1, Status: status, CreatedAt: ts, UpdatedAt: ts,
	})
	if err != nil {
		t.Fatalf("CreateSession(%s): %v", id, err)
	}
}

func newTestSweeper(t *testing.T) (*Sweeper, *fakeLifecycle, *store.MemoryRepository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	lc := &fakeLifecycle{repo: repo, failPurge: map[string]bool{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, lc, time.Hour, 24*time.Hour, logger), lc, repo
}

func TestSweeper_Sweep(t *testing.T) {
	sw, lc, repo := newTestSweeper(t)

	seed(t, repo, "pending-old", session.StatusPending, 2*time.Hour)
	seed(t, repo, "pending-new", session.StatusPending, 10*time.Minute)
	seed(t, repo, "uploading-old", session.StatusUploading, 48*time.Hour)
	seed(t, repo, "failed-old", session.StatusFailed, 25*time.Hour)
	seed(t, repo, "failed-new", session.StatusFailed, time.Hour)
	seed(t, repo, "cancelled-old", session.StatusCancelled, 30*time.Hour)
	seed(t, repo, "completed-old", session.StatusCompleted, 100*time.Hour)

	rep, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Expired != 1 || rep.Purged != 3 || rep.Errors != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(lc.cancelled) != 1 || lc.cancelled[0] != "pending-old" {
		t.Fatalf("expected only pending-old cancelled, got %v", lc.cancelled)
	}

	left, err := repo.ListSessions(context.Background(), store.SessionFilter{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	var ids []string
	for _, s := range left {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	want := []string{"completed-old", "failed-new", "pending-new", "uploading-old"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v left, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v left, got %v", want, ids)
		}
	}
}

func TestSweeper_PurgeErrorDoesNotStopPass(t *testing.T) {
	sw, lc, repo := newTestSweeper(t)
	seed(t, repo, "a", session.StatusFailed, 48*time.Hour)
	seed(t, repo, "b", session.StatusFailed, 48*time.Hour)
	lc.failPurge["a"] = true

	rep, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Purged != 1 || rep.Errors != 1 {
		t.Fatalf("expected 1 purged and 1 error, got %+v", rep)
	}
}

func TestSweeper_CancelledContext(t *testing.T) {
	sw, _, repo := newTestSweeper(t)
	seed(t, repo, "a", session.StatusPending, 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sw.Sweep(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	sw, _, _ := newTestSweeper(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewScheduler(context.Background(), "not a cron", sw, logger); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	s, err := NewScheduler(context.Background(), "*/5 * * * *", sw, logger)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestSweeper_SkipsSessionThatLeftPending(t *testing.T) {
	sw, lc, repo := newTestSweeper(t)
	seed(t, repo, "raced", session.StatusPending, 2*time.Hour)

	lc.beforeCancel = func(id string) {
		s, err := repo.GetSession(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Apply(session.EventStartUpload, time.Now()); err != nil {
			t.Fatal(err)
		}
		if err := repo.UpdateSession(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Expired != 0 || rep.Purged != 0 || rep.Errors != 0 {
		t.Errorf("expected nothing swept, got %+v", rep)
	}
	if len(lc.purged) != 0 {
		t.Errorf("expected no purge, got %v", lc.purged)
	}
	s, err := repo.GetSession(context.Background(), "raced")
	if err != nil {
		t.Fatalf("session must survive: %v", err)
	}
	if s.Status != session.StatusUploading {
		t.Errorf("expected uploading, got %s", s.Status)
	}
}

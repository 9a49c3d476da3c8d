// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package monitor

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

func newTestMonitor(t *testing.T, reserve int64, free uint64, usageErr error) *SystemMonitor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sm := NewSystemMonitor(t.TempDir(), time.Hour, reserve, logger)
	sm.usage = func(path string) (*disk.UsageStat, error) {
		if usageErr != nil {
			return nil, usageErr
		}
		return &disk.UsageStat{Path: path, Free: free, Total: free * 2, UsedPercent: 50}, nil
	}
	return sm
}

func TestSystemMonitor_EnsureFree(t *testing.T) {
	sm := newTestMonitor(t, 100, 1000, nil)

	if err := sm.EnsureFree(900); err != nil {
		t.Fatalf("expected 900 bytes to fit, got %v", err)
	}
	err := sm.EnsureFree(901)
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("expected ErrInsufficientSpace, got %v", err)
	}
}

func TestSystemMonitor_EnsureFreeWithoutUsage(t *testing.T) {
	sm := newTestMonitor(t, 100, 0, errors.New("statfs failed"))
	if err := sm.EnsureFree(1 << 40); err != nil {
		t.Fatalf("expected check to be skipped, got %v", err)
	}
}

func TestSystemMonitor_StartStop(t *testing.T) {
	sm := newTestMonitor(t, 0, 4096, nil)
	sm.Start()

	deadline := time.Now().Add(2 * time.Second)
	for sm.Stats().CollectedAt.IsZero() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sm.Stop()
	sm.Stop()

	stats := sm.Stats()
	if stats.CollectedAt.IsZero() {
		t.Fatal("expected initial collection")
	}
	if stats.DiskFreeBytes != 4096 {
		t.Fatalf("expected 4096 free bytes, got %d", stats.DiskFreeBytes)
	}
	if stats.DiskUsagePercent != 50 {
		t.Fatalf("expected 50%% disk usage, got %.1f", stats.DiskUsagePercent)
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package monitor collects host metrics and guards the storage volume
// against uploads that would not fit.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrInsufficientSpace is returned when the storage volume cannot hold a new
// upload plus the configured reserve.
var ErrInsufficientSpace = errors.New("insufficient free disk space")

// SystemStats holds collected system metrics.
type SystemStats struct {
	CPUPercent       float64   `json:"cpu_percent"`
	MemoryPercent    float64   `json:"memory_percent"`
	DiskUsagePercent float64   `json:"disk_usage_percent"`
	DiskFreeBytes    uint64    `json:"disk_free_bytes"`
	LoadAverage      float64   `json:"load_average"`
	CollectedAt      time.Time `json:"collected_at"`
}

// usageFunc permite substituir disk.Usage nos testes.
type usageFunc func(path string) (*disk.UsageStat, error)

// SystemMonitor collects system metrics periodically.
type SystemMonitor struct {
	logger   *slog.Logger
	path     string
	interval time.Duration
	reserve  int64
	usage    usageFunc

	close chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	stats SystemStats
	mu    sync.RWMutex
}

// NewSystemMonitor creates a new SystemMonitor watching the volume that holds
// path. reserve is the free space EnsureFree always keeps untouched.
func NewSystemMonitor(path string, interval time.Duration, reserve int64, logger *slog.Logger) *SystemMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if path == "" {
		path = "/"
	}
	return &SystemMonitor{
		logger:   logger.With("component", "system_monitor"),
		path:     path,
		interval: interval,
		reserve:  reserve,
		usage:    disk.Usage,
		close:    make(chan struct{}),
	}
}

// Start begins periodic metric collection.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor. Safe to call more than once.
func (sm *SystemMonitor) Stop() {
	sm.once.Do(func() { close(sm.close) })
	sm.wg.Wait()
}

// Stats returns the latest collected stats.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

// EnsureFree checks, against the live volume usage, that need bytes fit while
// keeping the reserve free.
func (sm *SystemMonitor) EnsureFree(need int64) error {
	u, err := sm.usage(sm.path)
	if err != nil {
		// Sem leitura do volume não há como recusar com segurança.
		sm.logger.Warn("disk usage unavailable, skipping space check", "path", sm.path, "error", err)
		return nil
	}
	if need < 0 {
		need = 0
	}
	required := uint64(need) + uint64(max(sm.reserve, 0))
	if u.Free < required {
		return fmt.Errorf("%w: %s has %d bytes free, need %d (upload %d + reserve %d)",
			ErrInsufficientSpace, sm.path, u.Free, required, need, sm.reserve)
	}
	return nil
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	// Initial collection
	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{CollectedAt: time.Now()}

	// CPU
	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	// Memory
	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	// Disk (storage volume)
	if d, err := sm.usage(sm.path); err == nil {
		stats.DiskUsagePercent = d.UsedPercent
		stats.DiskFreeBytes = d.Free
	} else {
		sm.logger.Debug("failed to collect disk stats", "path", sm.path, "error", err)
	}

	// Load Avg
	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package throttle limita a banda agregada das transferências de chunks a um
// teto global e mantém estatísticas de throughput.
package throttle

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxBurstSize é o tamanho máximo de burst do rate limiter (256KB).
// Alinhado ao buffer de escrita da montagem (bufio.NewWriterSize 256KB).
const maxBurstSize = 256 * 1024

// Stats é um snapshot das estatísticas de transferência.
type Stats struct {
	TotalBytes   int64         `json:"total_bytes"`
	TotalElapsed time.Duration `json:"total_elapsed"`
	Transfers    int64         `json:"transfers"`
	// Wall é o tempo de parede entre o início da primeira transferência e o
	// fim da última dentro da janela.
	Wall        time.Duration `json:"wall"`
	AverageKBps float64       `json:"average_kbps"`
	CeilingKBps int64         `json:"ceiling_kbps"`
	WindowStart time.Time     `json:"window_start"`
}

// Throttle aplica o teto a cada transferência lógica. Todas as transferências
// concorrentes compartilham o mesmo orçamento. Instâncias são independentes;
// o processo cria uma e a injeta nos workers.
type Throttle struct {
	limiter     *rate.Limiter // nil = sem limite
	bytesPerSec int64
	kbps        int64
	window      time.Duration

	mu          sync.Mutex
	windowStart time.Time
	lastEnd     time.Time
	totalBytes  int64
	elapsed     time.Duration
	transfers   int64
}

// New cria o throttle com teto em KiB/s. kbps <= 0 desliga o limite, mas as
// estatísticas continuam. window > 0 reinicia as estatísticas a cada janela.
func New(kbps int64, window time.Duration) *Throttle {
	t := &Throttle{kbps: kbps, window: window}
	if kbps <= 0 {
		return t
	}

	t.bytesPerSec = kbps * 1024
	burst := int(t.bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	t.limiter = rate.NewLimiter(rate.Limit(t.bytesPerSec), burst)
	// O bucket nasce vazio: sem rajada inicial acima do teto.
	t.limiter.AllowN(time.Now(), burst)
	return t
}

// MinDuration é o menor tempo que size bytes podem levar sob o teto.
func (t *Throttle) MinDuration(size int64) time.Duration {
	if t.bytesPerSec <= 0 || size <= 0 {
		return 0
	}
	return time.Duration(float64(size) / float64(t.bytesPerSec) * float64(time.Second))
}

// Throttle executa fn e segura sua conclusão até que size bytes caibam no
// orçamento global e até que tenha decorrido ao menos MinDuration(size).
// Um erro de fn é retornado sem consumir orçamento.
func (t *Throttle) Throttle(ctx context.Context, size int64, fn func(ctx context.Context) error) error {
	start := time.Now()
	if err := fn(ctx); err != nil {
		return err
	}

	if t.limiter != nil {
		if err := t.waitTokens(ctx, size); err != nil {
			return err
		}
		if rest := t.MinDuration(size) - time.Since(start); rest > 0 {
			timer := time.NewTimer(rest)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	t.record(start, time.Now(), size)
	return nil
}

// waitTokens consome size tokens em pedaços de até burst para evitar
// reservas maiores que o bucket.
func (t *Throttle) waitTokens(ctx context.Context, size int64) error {
	burst := int64(t.limiter.Burst())
	for size > 0 {
		n := size
		if n > burst {
			n = burst
		}
		if err := t.limiter.WaitN(ctx, int(n)); err != nil {
			return err
		}
		size -= n
	}
	return nil
}

func (t *Throttle) record(start, end time.Time, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.window > 0 && !t.windowStart.IsZero() && end.Sub(t.windowStart) > t.window {
		t.resetLocked()
	}
	if t.windowStart.IsZero() || start.Before(t.windowStart) {
		t.windowStart = start
	}
	if end.After(t.lastEnd) {
		t.lastEnd = end
	}
	t.totalBytes += size
	t.elapsed += end.Sub(start)
	t.transfers++
}

// Stats retorna as estatísticas acumuladas. AverageKBps é o throughput
// realizado sobre o tempo de parede, comparável ao teto.
func (t *Throttle) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		TotalBytes:   t.totalBytes,
		TotalElapsed: t.elapsed,
		Transfers:    t.transfers,
		CeilingKBps:  t.kbps,
		WindowStart:  t.windowStart,
	}
	if !t.windowStart.IsZero() {
		s.Wall = t.lastEnd.Sub(t.windowStart)
	}
	if s.Wall > 0 {
		kbps := float64(t.totalBytes) / 1024 / s.Wall.Seconds()
		s.AverageKBps = math.Round(kbps*100) / 100
	}
	return s
}

// Reset zera as estatísticas. O orçamento do limiter não é afetado.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

func (t *Throttle) resetLocked() {
	t.windowStart = time.Time{}
	t.lastEnd = time.Time{}
	t.totalBytes = 0
	t.elapsed = 0
	t.transfers = 0
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cli

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// ProgressReporter exibe o progresso do envio no terminal.
// Mostra barra, bytes, velocidade, chunks, elapsed, ETA e reenvios.
type ProgressReporter struct {
	name string
	out  io.Writer

	bytesSent  atomic.Int64
	chunksDone atomic.Int64
	retries    atomic.Int32
	files      atomic.Int32

	totalBytes  int64
	totalChunks int64

	startTime time.Time
	done      chan struct{}
	stopped   atomic.Bool
}

// NewProgressReporter cria um reporter e inicia o ticker de renderização.
// out nil desliga a saída.
func NewProgressReporter(out io.Writer, name string, totalBytes, totalChunks int64) *ProgressReporter {
	p := &ProgressReporter{
		name:        name,
		out:         out,
		totalBytes:  totalBytes,
		totalChunks: totalChunks,
		startTime:   time.Now(),
		done:        make(chan struct{}),
	}
	if out != nil {
		go p.renderLoop()
	}
	return p
}

// AddBytes registra bytes confirmados pelo pipeline.
func (p *ProgressReporter) AddBytes(n int64) {
	p.bytesSent.Add(n)
}

// AddChunk registra um chunk armazenado.
func (p *ProgressReporter) AddChunk() {
	p.chunksDone.Add(1)
}

// AddRetry registra um chunk que precisará ser reenviado.
func (p *ProgressReporter) AddRetry() {
	p.retries.Add(1)
}

// AddFile registra um arquivo concluído.
func (p *ProgressReporter) AddFile() {
	p.files.Add(1)
}

// Stop para o ticker e imprime a linha final.
func (p *ProgressReporter) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.done)
	if p.out != nil {
		fmt.Fprintf(p.out, "%s\n", p.line(time.Since(p.startTime)))
	}
}

func (p *ProgressReporter) renderLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			fmt.Fprint(p.out, p.line(time.Since(p.startTime)))
		}
	}
}

// line monta a linha de status para o elapsed informado.
func (p *ProgressReporter) line(elapsed time.Duration) string {
	sent := p.bytesSent.Load()
	chunks := p.chunksDone.Load()
	retries := p.retries.Load()

	var speed float64
	if sec := elapsed.Seconds(); sec > 0.1 {
		speed = float64(sent) / sec
	}

	bar := progressBar(sent, p.totalBytes, 30)

	eta := "∞"
	if p.totalBytes > 0 && speed > 0 && sent > 0 {
		remaining := float64(p.totalBytes) - float64(sent)
		if remaining < 0 {
			remaining = 0
		}
		eta = formatDuration(time.Duration(remaining / speed * float64(time.Second)))
	}

	retriesStr := ""
	if retries > 0 {
		retriesStr = fmt.Sprintf("  │  retries: %d", retries)
	}
	filesStr := ""
	if n := p.files.Load(); n > 0 {
		filesStr = fmt.Sprintf("  │  %s files", formatNumber(int64(n)))
	}

	line := fmt.Sprintf("\r[%s] %s  %s / %s  │  %s/s  │  %s/%s chunks%s  │  %s  │  ETA %s%s",
		p.name, bar, formatBytes(sent), formatBytes(p.totalBytes), formatBytes(int64(speed)),
		formatNumber(chunks), formatNumber(p.totalChunks), filesStr,
		formatDuration(elapsed), eta, retriesStr,
	)

	// Pad com espaços para limpar restos de linha anterior
	if len(line) < 120 {
		line += strings.Repeat(" ", 120-len(line))
	}
	return line
}

func progressBar(done, total int64, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}
	pct := float64(done) / float64(total)
	if pct > 1.0 {
		pct = 1.0
	}
	filled := int(pct * float64(width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// formatBytes formata bytes em unidades legíveis.
func formatBytes(b int64) string {
	switch {
	case b >= 1024*1024*1024:
		return fmt.Sprintf("%.1f GB", float64(b)/(1024*1024*1024))
	case b >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.1f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formata duração como M:SS ou H:MM:SS.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// formatNumber formata número com separador de milhar.
func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

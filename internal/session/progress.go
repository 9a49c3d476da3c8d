// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"math"
	"sort"
)

// ProgressPercentage calcula completed/total*100 arredondado em 2 casas.
// Retorna 0 quando total <= 0 e só retorna 100 quando completed == total.
func ProgressPercentage(completed, total int) float64 {
	if total <= 0 || completed <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	pct := math.Round(float64(completed)/float64(total)*100*100) / 100
	// Arredondamento não pode anunciar 100% com chunks faltando.
	if pct >= 100 {
		pct = 99.99
	}
	return pct
}

// MissingChunks retorna, em ordem crescente, os números em 1..chunksCount
// ausentes de completed. Números fora do intervalo são ignorados.
func MissingChunks(chunksCount int, completed []int) []int {
	if chunksCount <= 0 {
		return []int{}
	}
	have := make([]bool, chunksCount+1)
	for _, n := range completed {
		if n >= 1 && n <= chunksCount {
			have[n] = true
		}
	}
	missing := make([]int, 0)
	for n := 1; n <= chunksCount; n++ {
		if !have[n] {
			missing = append(missing, n)
		}
	}
	return missing
}

// CompletedNumbers extrai, ordenados e sem repetição, os números dos chunks
// concluídos com chave de storage.
func CompletedNumbers(chunks []Chunk) []int {
	seen := make(map[int]struct{}, len(chunks))
	out := make([]int, 0, len(chunks))
	for i := range chunks {
		if !chunks[i].Stored() {
			continue
		}
		if _, dup := seen[chunks[i].Number]; dup {
			continue
		}
		seen[chunks[i].Number] = struct{}{}
		out = append(out, chunks[i].Number)
	}
	sort.Ints(out)
	return out
}

// BuildProgress monta a visão de progresso da sessão a partir dos chunks.
func BuildProgress(s *UploadSession, chunks []Chunk) Progress {
	done := CompletedNumbers(chunks)
	completed := 0
	for _, n := range done {
		if n >= 1 && n <= s.ChunksCount {
			completed++
		}
	}
	p := Progress{
		SessionID:       s.ID,
		Status:          s.Status,
		Percentage:      ProgressPercentage(completed, s.ChunksCount),
		CompletedChunks: completed,
		ChunksCount:     s.ChunksCount,
		MissingChunks:   MissingChunks(s.ChunksCount, done),
		Metadata:        s.Clone().Metadata,
	}
	if s.Metadata != nil {
		p.ErrorClass = s.Metadata[MetaErrorClass]
		p.Error = s.Metadata[MetaError]
	}
	return p
}

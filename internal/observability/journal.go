// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// journal combina um Ring in-memory com persistência em arquivo JSONL. Cada
// Push faz append de uma linha; no startup as últimas entradas populam o ring.
//
// Rotação: quando o arquivo excede maxLines, reescreve mantendo as últimas
// maxLines/2 linhas.
type journal[T any] struct {
	ring      *Ring[T]
	file      *os.File
	mu        sync.Mutex // protege writes e rotação no arquivo
	maxLines  int
	lineCount int
	path      string
}

func openJournal[T any](path string, ringCap, maxLines int) (*journal[T], error) {
	ring := NewRing[T](ringCap)

	entries, lineCount, err := loadJSONL[T](path)
	if err != nil {
		return nil, err
	}
	start := 0
	if len(entries) > ring.cap {
		start = len(entries) - ring.cap
	}
	for _, e := range entries[start:] {
		ring.Push(e)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening %s for append: %w", path, err)
	}
	return &journal[T]{ring: ring, file: f, maxLines: maxLines, lineCount: lineCount, path: path}, nil
}

// loadJSONL lê o arquivo e retorna as entradas válidas. Linhas malformadas
// são ignoradas.
func loadJSONL[T any](path string) ([]T, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []T
	lineCount := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineCount++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e T
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, lineCount, scanner.Err()
}

func (j *journal[T]) push(e T) {
	j.ring.Push(e)

	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return
	}
	j.lineCount++
	if j.lineCount > j.maxLines {
		j.rotate()
	}
}

func (j *journal[T]) Recent(limit int) []T { return j.ring.Recent(limit) }

func (j *journal[T]) Len() int { return j.ring.Len() }

// Close fecha o arquivo JSONL.
func (j *journal[T]) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

// rotate deve ser chamada com j.mu travado.
func (j *journal[T]) rotate() {
	keep := j.maxLines / 2
	entries, _, err := loadJSONL[T](j.path)
	if err != nil || len(entries) <= keep {
		return
	}
	entries = entries[len(entries)-keep:]

	j.file.Close()
	f, err := os.Create(j.path)
	if err != nil {
		// Tenta reabrir em modo append para não perder o handle
		j.file, _ = os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}

	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	j.file, err = os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	j.lineCount = len(entries)
}

// EventStore guarda os eventos operacionais do pipeline (transições de
// sessão) em ring + JSONL.
type EventStore struct {
	*journal[EventEntry]
}

// NewEventStore abre (ou cria) o arquivo de eventos.
func NewEventStore(path string, ringCap, maxLines int) (*EventStore, error) {
	if maxLines <= 0 {
		maxLines = 10000
	}
	j, err := openJournal[EventEntry](path, ringCap, maxLines)
	if err != nil {
		return nil, fmt.Errorf("loading events file: %w", err)
	}
	return &EventStore{j}, nil
}

// Push persiste o evento, preenchendo o timestamp se vazio.
func (s *EventStore) Push(e EventEntry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().Format(time.RFC3339)
	}
	s.push(e)
}

// SessionHistoryStore guarda as sessões que chegaram a estado terminal.
type SessionHistoryStore struct {
	*journal[SessionHistoryEntry]
}

// NewSessionHistoryStore abre (ou cria) o arquivo de histórico.
func NewSessionHistoryStore(path string, ringCap, maxLines int) (*SessionHistoryStore, error) {
	if maxLines <= 0 {
		maxLines = 5000
	}
	j, err := openJournal[SessionHistoryEntry](path, ringCap, maxLines)
	if err != nil {
		return nil, fmt.Errorf("loading session history file: %w", err)
	}
	return &SessionHistoryStore{j}, nil
}

// Push persiste uma sessão finalizada.
func (s *SessionHistoryStore) Push(e SessionHistoryEntry) {
	s.push(e)
}

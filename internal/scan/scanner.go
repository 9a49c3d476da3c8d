// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package scan implementa o antivírus invocado entre a montagem e a
// finalização.
package scan

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-upload/internal/config"
)

// Verdict é o resultado de um scan.
type Verdict string

const (
	VerdictClean   Verdict = "clean"
	VerdictFlagged Verdict = "flagged"
)

// Result descreve o scan de um artefato.
type Result struct {
	Verdict   Verdict       `json:"verdict"`
	Signature string        `json:"signature,omitempty"`
	Scanned   int64         `json:"scanned"`
	Duration  time.Duration `json:"duration"`
}

// Clean indica veredito limpo.
func (r Result) Clean() bool { return r.Verdict == VerdictClean }

// Scanner inspeciona o conteúdo de um artefato. Erro significa que o scan
// não pôde ser concluído, não que o arquivo está infectado.
type Scanner interface {
	Scan(ctx context.Context, r io.Reader) (Result, error)
}

// New cria o scanner conforme scanner.mode.
func New(cfg config.ScannerInfo, logger *slog.Logger) (Scanner, error) {
	switch cfg.Mode {
	case "none":
		return NopScanner{}, nil
	case "", "signature":
		return NewSignatureScanner(cfg.Signatures), nil
	case "clamd":
		return NewClamdScanner(cfg.Address, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown scanner mode %q", cfg.Mode)
	}
}

// NopScanner aprova tudo.
type NopScanner struct{}

func (NopScanner) Scan(_ context.Context, r io.Reader) (Result, error) {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return Result{}, fmt.Errorf("reading artifact: %w", err)
	}
	return Result{Verdict: VerdictClean, Scanned: n}, nil
}

// eicar é a assinatura de teste padrão da indústria.
const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

const scanBufferSize = 256 * 1024

type signature struct {
	name    string
	pattern []byte
}

// SignatureScanner procura assinaturas literais no fluxo, inclusive quando
// atravessam a fronteira entre leituras.
type SignatureScanner struct {
	signatures []signature
	maxLen     int
}

// NewSignatureScanner cria o scanner com EICAR mais extras. Cada extra vira
// uma assinatura nomeada "Custom.<índice>".
func NewSignatureScanner(extra []string) *SignatureScanner {
	s := &SignatureScanner{}
	s.add("Eicar-Test-Signature", []byte(eicar))
	for i, p := range extra {
		if p == "" {
			continue
		}
		s.add(fmt.Sprintf("Custom.%d", i), []byte(p))
	}
	return s
}

func (s *SignatureScanner) add(name string, pattern []byte) {
	s.signatures = append(s.signatures, signature{name: name, pattern: pattern})
	if len(pattern) > s.maxLen {
		s.maxLen = len(pattern)
	}
}

func (s *SignatureScanner) Scan(ctx context.Context, r io.Reader) (Result, error) {
	start := time.Now()
	br := bufio.NewReaderSize(r, scanBufferSize)
	buf := make([]byte, scanBufferSize)
	var tail []byte
	var scanned int64

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		n, err := br.Read(buf)
		if n > 0 {
			scanned += int64(n)
			window := append(tail, buf[:n]...)
			for _, sig := range s.signatures {
				if bytes.Contains(window, sig.pattern) {
					return Result{
						Verdict:   VerdictFlagged,
						Signature: sig.name,
						Scanned:   scanned,
						Duration:  time.Since(start),
					}, nil
				}
			}
			// Guarda o suficiente para achar assinaturas partidas entre leituras.
			keep := s.maxLen - 1
			if keep > len(window) {
				keep = len(window)
			}
			tail = append(tail[:0:0], window[len(window)-keep:]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("reading artifact: %w", err)
		}
	}

	return Result{Verdict: VerdictClean, Scanned: scanned, Duration: time.Since(start)}, nil
}

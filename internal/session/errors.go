// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"errors"
	"fmt"
)

// Classes de erro gravadas em metadata[error_class] de sessões falhas.
const (
	ClassValidation        = "validation"
	ClassCompression       = "compression"
	ClassTransfer          = "transfer"
	ClassAssembly          = "assembly"
	ClassInvalidTransition = "invalid_transition"
	ClassDeduplication     = "deduplication"
	ClassScan              = "scan"
	ClassExpired           = "expired"
)

var (
	// ErrNotFound indica sessão, chunk ou lote inexistente.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateActive indica outra sessão ativa para o mesmo destino.
	ErrDuplicateActive = errors.New("an active upload already targets this destination")
	// ErrInvalidTransition é o alvo de errors.Is para *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
)

// InvalidTransitionError é retornado quando a transição não é legal a partir
// do estado atual. O estado da sessão não é alterado.
type InvalidTransitionError struct {
	SessionID string
	From      Status
	Event     Event
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition %s from %s", e.Event, e.From)
	if e.SessionID != "" {
		msg = fmt.Sprintf("session %s: %s", e.SessionID, msg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidationError descreve entrada malformada. Nenhuma sessão é persistida
// em estado inválido.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid cria um *ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

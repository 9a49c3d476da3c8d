// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package access decide se um owner pode criar uploads num escopo.
package access

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nishisan-dev/n-upload/internal/config"
)

// ErrPermissionDenied é o alvo de errors.Is para *PermissionError.
var ErrPermissionDenied = errors.New("permission denied")

// PermissionError é a recusa de autorização. Não é um estado de sessão.
type PermissionError struct {
	Owner string
	Scope string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("owner %q may not upload to scope %q", e.Owner, e.Scope)
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermissionDenied }

// Authorizer autoriza a criação de sessões.
type Authorizer interface {
	Authorize(ctx context.Context, owner, scope string) error
}

// AllowAll autoriza qualquer owner em qualquer escopo.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, string) error { return nil }

// StaticPolicy autoriza conforme um mapa owner → escopos. "*" como escopo
// libera todos os escopos do owner.
type StaticPolicy struct {
	owners map[string]map[string]struct{}
}

// NewStaticPolicy cria a política a partir de access.owners.
func NewStaticPolicy(owners map[string][]string) *StaticPolicy {
	p := &StaticPolicy{owners: make(map[string]map[string]struct{}, len(owners))}
	for owner, scopes := range owners {
		set := make(map[string]struct{}, len(scopes))
		for _, s := range scopes {
			set[s] = struct{}{}
		}
		p.owners[owner] = set
	}
	return p
}

func (p *StaticPolicy) Authorize(_ context.Context, owner, scope string) error {
	scopes, ok := p.owners[owner]
	if !ok {
		return &PermissionError{Owner: owner, Scope: scope}
	}
	if _, ok := scopes["*"]; ok {
		return nil
	}
	if _, ok := scopes[scope]; ok {
		return nil
	}
	return &PermissionError{Owner: owner, Scope: scope}
}

// Owners lista os owners configurados, em ordem.
func (p *StaticPolicy) Owners() []string {
	out := make([]string, 0, len(p.owners))
	for o := range p.owners {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// New retorna AllowAll quando access.owners está vazio.
func New(cfg config.AccessInfo) Authorizer {
	if len(cfg.Owners) == 0 {
		return AllowAll{}
	}
	return NewStaticPolicy(cfg.Owners)
}

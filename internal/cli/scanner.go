// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cli

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// Scanner caminha por um diretório e lista os arquivos regulares a enviar,
// filtrados pelas regras de exclude (glob patterns).
type Scanner struct {
	root     string
	excludes []string
}

// NewScanner cria um Scanner para root com os excludes fornecidos.
func NewScanner(root string, excludes []string) *Scanner {
	return &Scanner{
		root:     filepath.Clean(root),
		excludes: excludes,
	}
}

// FileEntry representa um arquivo encontrado pelo scanner.
type FileEntry struct {
	// Path é o caminho do arquivo no sistema local.
	Path string
	// RelPath é o caminho relativo a root, sempre com "/".
	RelPath string
	// Size é o tamanho em bytes no momento do scan.
	Size int64
}

// Dir retorna o diretório relativo do arquivo ("" na raiz).
func (e FileEntry) Dir() string {
	d := path.Dir(e.RelPath)
	if d == "." {
		return ""
	}
	return d
}

// Scan chama fn para cada arquivo regular elegível, em ordem lexical.
func (s *Scanner) Scan(ctx context.Context, fn func(entry FileEntry) error) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Pula entradas inacessíveis
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if s.isExcluded(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		return fn(FileEntry{Path: p, RelPath: rel, Size: info.Size()})
	})
}

// isExcluded verifica se o caminho relativo corresponde a algum glob de exclusão.
// Suporta:
//   - "*.tmp"              → match pelo basename
//   - ".git/**"            → match diretório em qualquer nível
//   - "*/cache/"           → trailing slash indica match de diretório
//   - "stems/*.wav"        → match do caminho relativo completo
func (s *Scanner) isExcluded(relPath string, isDir bool) bool {
	base := path.Base(relPath)
	parts := strings.Split(relPath, "/")

	for _, pattern := range s.excludes {
		if strings.HasSuffix(pattern, "/") {
			if isDir {
				dirPattern := strings.TrimSuffix(pattern, "/")
				dirPattern = strings.TrimPrefix(dirPattern, "*/")
				for _, part := range parts {
					if matched, _ := path.Match(dirPattern, part); matched {
						return true
					}
				}
			}
			continue
		}

		if strings.HasSuffix(pattern, "/**") {
			prefix := strings.TrimSuffix(pattern, "/**")
			for _, part := range parts {
				if matched, _ := path.Match(prefix, part); matched {
					return true
				}
			}
			continue
		}

		if matched, _ := path.Match(pattern, relPath); matched {
			return true
		}
		if matched, _ := path.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

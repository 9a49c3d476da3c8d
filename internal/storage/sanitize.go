// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// maxPathComponentLength é o comprimento máximo de um nome de arquivo ou
// segmento de pasta.
const maxPathComponentLength = 255

// ValidatePathComponent valida que name é seguro como componente único de
// caminho (filename, scope, id). Previne path traversal.
func ValidatePathComponent(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}

	if len(name) > maxPathComponentLength {
		return fmt.Errorf("%s exceeds max length %d", fieldName, maxPathComponentLength)
	}

	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%s contains path separator", fieldName)
	}

	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%s contains null byte", fieldName)
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%s contains control character", fieldName)
		}
	}

	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return fmt.Errorf("%s contains path traversal", fieldName)
	}

	// Nomes ocultos (.htaccess, .env) não são aceitos como destino.
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%s starts with dot", fieldName)
	}

	if strings.TrimSpace(name) != name {
		return fmt.Errorf("%s has leading or trailing spaces", fieldName)
	}

	return nil
}

// ValidateFolder valida uma pasta de destino relativa ("a/b/c"). Vazio é
// aceito e significa a raiz do escopo.
func ValidateFolder(folder string) error {
	if folder == "" {
		return nil
	}
	if strings.HasPrefix(folder, "/") {
		return fmt.Errorf("folder must be relative")
	}
	for _, seg := range strings.Split(folder, "/") {
		if err := ValidatePathComponent(seg, "folder segment"); err != nil {
			return err
		}
	}
	return nil
}

// validatePathInBaseDir verifica que o caminho resolvido permanece dentro de baseDir.
func validatePathInBaseDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}

	return nil
}

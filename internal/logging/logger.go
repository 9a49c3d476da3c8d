// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging monta os loggers slog do nupload.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nishisan-dev/n-upload/internal/config"
)

// NewLogger cria um slog.Logger configurado com o nível, formato e output especificados.
// Formatos suportados: "json" (default) e "text".
// Níveis suportados: "debug", "info" (default), "warn", "error".
// Se filePath não for vazio, grava logs em stdout + file (MultiWriter).
// O io.Closer retornado fecha o arquivo no shutdown; é no-op sem arquivo.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	return newLogger(os.Stdout, level, format, filePath)
}

// FromConfig cria o logger do processo a partir da seção logging,
// anotando cada registro com o nome da instância.
func FromConfig(cfg config.LoggingInfo, instance string) (*slog.Logger, io.Closer) {
	logger, closer := NewLogger(cfg.Level, cfg.Format, cfg.File)
	if instance != "" {
		logger = logger.With("instance", instance)
	}
	return logger, closer
}

func newLogger(stdout io.Writer, level, format, filePath string) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	w := stdout
	var closer io.Closer = nopCloser{}

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(stdout, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

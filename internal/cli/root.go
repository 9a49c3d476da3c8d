// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package cli implementa o comando nupload, que envia arquivos locais pelo
// pipeline de upload configurado em server.yaml.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/logging"
	"github.com/nishisan-dev/n-upload/internal/server"
)

// app guarda as flags globais e monta o pipeline sob demanda.
type app struct {
	configPath string
	logLevel   string
	quiet      bool

	stdout io.Writer
	stderr io.Writer
}

// NewRootCmd cria o comando raiz com todos os subcomandos.
func NewRootCmd() *cobra.Command {
	a := &app{stdout: os.Stdout, stderr: os.Stderr}

	rootCmd := &cobra.Command{
		Use:           "nupload",
		Short:         "Chunked upload client",
		Long:          "Splits local files into chunks and runs them through the upload pipeline (dedup, compression, assembly, scan).",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.stdout = cmd.OutOrStdout()
			a.stderr = cmd.ErrOrStderr()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "/etc/nupload/server.yaml",
		"Path to the pipeline config file")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"Override logging.level from the config file")
	rootCmd.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false,
		"Disable the progress bar")

	rootCmd.AddCommand(newPutCmd(a))
	rootCmd.AddCommand(newStatusCmd(a))
	rootCmd.AddCommand(newCancelCmd(a))
	rootCmd.AddCommand(newPurgeCmd(a))
	rootCmd.AddCommand(newSweepCmd(a))

	return rootCmd
}

// Execute roda o comando raiz.
func Execute() error {
	return NewRootCmd().Execute()
}

// pipeline carrega a config e monta o pipeline. O closer libera o pipeline
// e o arquivo de log.
func (a *app) pipeline(ctx context.Context) (*server.Pipeline, *slog.Logger, func(), error) {
	cfg, err := config.LoadServerConfig(a.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}

	logger, logCloser := logging.FromConfig(cfg.Logging, cfg.Server.Name)

	p, err := server.Build(ctx, cfg, logger)
	if err != nil {
		logCloser.Close()
		return nil, nil, nil, fmt.Errorf("building pipeline: %w", err)
	}
	return p, logger, func() {
		if err := p.Close(); err != nil {
			logger.Warn("closing pipeline", "error", err)
		}
		logCloser.Close()
	}, nil
}

func (a *app) progressOut() io.Writer {
	if a.quiet {
		return nil
	}
	return a.stderr
}

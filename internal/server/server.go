// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server monta o pipeline de upload a partir da configuração e
// executa o processo nupload-server.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/nishisan-dev/n-upload/internal/access"
	"github.com/nishisan-dev/n-upload/internal/assembly"
	"github.com/nishisan-dev/n-upload/internal/batch"
	"github.com/nishisan-dev/n-upload/internal/compress"
	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/dedup"
	"github.com/nishisan-dev/n-upload/internal/logging"
	"github.com/nishisan-dev/n-upload/internal/monitor"
	"github.com/nishisan-dev/n-upload/internal/observability"
	"github.com/nishisan-dev/n-upload/internal/pki"
	"github.com/nishisan-dev/n-upload/internal/scan"
	"github.com/nishisan-dev/n-upload/internal/storage"
	"github.com/nishisan-dev/n-upload/internal/store"
	"github.com/nishisan-dev/n-upload/internal/sweep"
	"github.com/nishisan-dev/n-upload/internal/throttle"
	"github.com/nishisan-dev/n-upload/internal/transfer"
	"github.com/nishisan-dev/n-upload/internal/upload"
)

const shutdownTimeout = 10 * time.Second

// Pipeline reúne os componentes montados a partir da configuração.
type Pipeline struct {
	Config     *config.ServerConfig
	Repo       store.Repository
	Chunks     storage.ChunkBackend
	Artifacts  storage.ArtifactStore
	Compressor *compress.Engine
	Throttle   *throttle.Throttle
	Batches    batch.Store
	Monitor    *monitor.SystemMonitor
	Events     observability.EventSink
	History    observability.HistorySink
	Service    *upload.Service
	Sweeper    *sweep.Sweeper

	logs    *logging.SessionLogs
	closers []func() error
	logger  *slog.Logger
}

// Build monta o pipeline. O chamador deve chamar Close.
func Build(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) (*Pipeline, error) {
	p := &Pipeline{Config: cfg, logger: logger}
	if err := p.build(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build(ctx context.Context) error {
	cfg := p.Config
	logger := p.logger

	repo, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	p.Repo = repo
	p.closers = append(p.closers, repo.Close)

	p.Chunks, p.Artifacts, err = storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	p.Compressor, err = compress.NewEngine(cfg.Compression)
	if err != nil {
		return fmt.Errorf("creating compression engine: %w", err)
	}
	p.Throttle = throttle.New(cfg.Throttle.KBps, 0)

	p.Batches, err = batch.Open(cfg.Batch, logger)
	if err != nil {
		return fmt.Errorf("opening batch store: %w", err)
	}
	p.closers = append(p.closers, p.Batches.Close)

	scanner, err := scan.New(cfg.Scanner, logger)
	if err != nil {
		return fmt.Errorf("creating scanner: %w", err)
	}

	p.Monitor = monitor.NewSystemMonitor(cfg.Storage.BaseDir, cfg.Monitor.Interval, cfg.Monitor.MinFreeDiskRaw, logger)

	if err := p.openJournals(); err != nil {
		return err
	}

	p.logs = logging.NewSessionLogs(logger, cfg.Logging.SessionLogDir)

	coordinator := transfer.NewCoordinator(p.Chunks, repo,
		dedup.NewEngine(repo, cfg.Dedup.CrossSession, logger),
		p.Compressor, p.Throttle, transfer.Options{
			ChunkTimeout: cfg.Transfer.ChunkTimeout,
			Retry:        cfg.Retry,
		}, logger)

	p.Service = upload.NewService(upload.Deps{
		Repo:        repo,
		Chunks:      p.Chunks,
		Artifacts:   p.Artifacts,
		Coordinator: coordinator,
		Assembler:   assembly.NewAssembler(p.Chunks, p.Artifacts, p.Compressor, logger),
		Scanner:     scanner,
		Authorizer:  access.New(cfg.Access),
		Batches:     p.Batches,
		Guard:       p.Monitor,
		SessionLogs: p.logs,
		Listener:    observability.NewRecorder(p.Events, p.History),
		Logger:      logger,
	}, upload.OptionsFromConfig(cfg))

	p.Sweeper = sweep.New(repo, p.Service, cfg.Sweep.PendingTTL, cfg.Sweep.FailedTTL, logger)
	return nil
}

// openJournals persiste eventos e histórico em JSONL quando o web UI está
// habilitado. Sem web UI ficam só em memória.
func (p *Pipeline) openJournals() error {
	webCfg := p.Config.WebUI
	if !webCfg.Enabled {
		p.Events = observability.NewRing[observability.EventEntry](100)
		p.History = observability.NewRing[observability.SessionHistoryEntry](100)
		return nil
	}

	events, err := observability.NewEventStore(p.journalPath(webCfg.EventsFile), 1000, webCfg.EventsMaxLines)
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	p.Events = events
	p.closers = append(p.closers, events.Close)

	history, err := observability.NewSessionHistoryStore(p.journalPath(webCfg.SessionHistoryFile), 500, webCfg.SessionHistoryMaxLines)
	if err != nil {
		return fmt.Errorf("opening session history store: %w", err)
	}
	p.History = history
	p.closers = append(p.closers, history.Close)
	return nil
}

// Caminhos relativos ficam sob storage.base_dir.
func (p *Pipeline) journalPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(p.Config.Storage.BaseDir, name)
}

func (p *Pipeline) collector() *observability.Collector {
	return &observability.Collector{
		Throttle:   p.Throttle,
		Compressor: p.Compressor,
		Monitor:    p.Monitor,
		Sessions:   p.Repo,
		Logger:     p.logger,
	}
}

// Router expõe a API de observabilidade do pipeline.
func (p *Pipeline) Router() http.Handler {
	deps := observability.RouterDeps{
		Metrics:  p.collector(),
		Progress: p.Service,
	}
	if src, ok := p.Events.(observability.EventSource); ok {
		deps.Events = src
	}
	if src, ok := p.History.(observability.HistorySource); ok {
		deps.History = src
	}
	return observability.NewRouter(deps, observability.NewACL(p.Config.WebUI.ParsedCIDRs))
}

// Close libera os recursos na ordem inversa da abertura.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Run monta o pipeline, inicia monitor, sweep agendado e o web UI, e
// bloqueia até o context ser cancelado.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	p, err := Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	var ln net.Listener
	if cfg.WebUI.Enabled {
		ln, err = listenWebUI(cfg.WebUI)
		if err != nil {
			return err
		}
	}
	return p.serve(ctx, ln)
}

// listenWebUI abre o listener do web UI, com TLS quando configurado.
func listenWebUI(cfg config.WebUIConfig) (net.Listener, error) {
	if !cfg.TLS.Enabled() {
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", cfg.Listen, err)
		}
		return ln, nil
	}

	tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("configuring web ui TLS: %w", err)
	}
	ln, err := tls.Listen("tcp", cfg.Listen, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	return ln, nil
}

// RunWithListener executa o pipeline já montado servindo o web UI em ln
// (para testes). ln nil desliga o web UI.
func (p *Pipeline) RunWithListener(ctx context.Context, ln net.Listener) error {
	return p.serve(ctx, ln)
}

func (p *Pipeline) serve(ctx context.Context, ln net.Listener) error {
	logger := p.logger

	p.Monitor.Start()
	defer p.Monitor.Stop()

	reporter := observability.NewStatsReporter(p.collector(), logger)
	reporter.Start()
	defer reporter.Stop()

	scheduler, err := sweep.NewScheduler(ctx, p.Config.Sweep.Schedule, p.Sweeper, logger)
	if err != nil {
		if ln != nil {
			ln.Close()
		}
		return fmt.Errorf("creating sweep scheduler: %w", err)
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		scheduler.Stop(stopCtx)
	}()

	if ln == nil {
		logger.Info("upload pipeline running", "web_ui", false)
		<-ctx.Done()
		logger.Info("server shutdown complete")
		return nil
	}

	webCfg := p.Config.WebUI
	srv := &http.Server{
		Handler:      p.Router(),
		ReadTimeout:  webCfg.ReadTimeout,
		WriteTimeout: webCfg.WriteTimeout,
		IdleTimeout:  webCfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("web ui listening", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving web ui: %w", err)
		}
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("web ui shutdown", "error", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nishisan-dev/n-upload/internal/server"
	"github.com/nishisan-dev/n-upload/internal/session"
	"github.com/nishisan-dev/n-upload/internal/upload"
)

type putOptions struct {
	owner  string
	scope  string
	folder string
	resume string
	rounds int
}

func newPutCmd(a *app) *cobra.Command {
	opts := &putOptions{}
	cmd := &cobra.Command{
		Use:   "put <file|dir>",
		Short: "Upload a file, or every file under a directory as one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(cmd.Context(), a, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.owner, "owner", "", "Upload owner (default: client.owner)")
	cmd.Flags().StringVar(&opts.scope, "scope", "", "Destination scope (default: client.scope)")
	cmd.Flags().StringVar(&opts.folder, "folder", "", "Destination folder inside the scope")
	cmd.Flags().StringVar(&opts.resume, "resume", "", "Resume an existing session, sending only missing chunks")
	cmd.Flags().IntVar(&opts.rounds, "rounds", 3, "Maximum passes over chunks rejected by the pipeline")

	return cmd
}

func runPut(ctx context.Context, a *app, opts *putOptions, target string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	info, err := os.Stat(target)
	if err != nil {
		return err
	}
	if info.IsDir() && opts.resume != "" {
		return fmt.Errorf("--resume applies to a single file")
	}

	p, logger, closeFn, err := a.pipeline(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	client := p.Config.Client
	if opts.owner == "" {
		opts.owner = client.Owner
	}
	if opts.scope == "" {
		opts.scope = client.Scope
	}

	if info.IsDir() {
		return putDir(ctx, a, p, logger, opts, target)
	}
	return putFile(ctx, a, p, logger, opts, target, info.Size())
}

func newUploader(a *app, p *server.Pipeline, logger *slog.Logger, opts *putOptions, name string, totalBytes int64, totalChunks int) (*Uploader, *ProgressReporter) {
	progress := NewProgressReporter(a.progressOut(), name, totalBytes, int64(totalChunks))
	u := NewUploader(p.Service, p.Config.Client.ChunkSizeRaw, p.Config.Transfer.MaxConcurrent*2, opts.rounds, progress, logger)
	return u, progress
}

func putFile(ctx context.Context, a *app, p *server.Pipeline, logger *slog.Logger, opts *putOptions, file string, size int64) error {
	chunkSize := p.Config.Client.ChunkSizeRaw
	u, progress := newUploader(a, p, logger, opts, filepath.Base(file), size, ChunksFor(size, chunkSize))

	var s *session.UploadSession
	var err error
	if opts.resume != "" {
		s, err = u.Resume(ctx, file, opts.resume)
	} else {
		s, err = u.UploadFile(ctx, file, upload.CreateRequest{
			Scope:  opts.scope,
			Folder: opts.folder,
			Owner:  opts.owner,
		})
	}
	progress.Stop()
	if err != nil {
		if s != nil {
			fmt.Fprintf(a.stdout, "session %s: %s\n", s.ID, s.Status)
		}
		return err
	}
	return printOutcome(ctx, a, p, s)
}

func putDir(ctx context.Context, a *app, p *server.Pipeline, logger *slog.Logger, opts *putOptions, dir string) error {
	scanner := NewScanner(dir, p.Config.Client.Exclude)
	var entries []FileEntry
	var totalBytes int64
	var totalChunks int
	err := scanner.Scan(ctx, func(e FileEntry) error {
		if e.Size == 0 {
			logger.Warn("skipping empty file", "path", e.RelPath)
			return nil
		}
		entries = append(entries, e)
		totalBytes += e.Size
		totalChunks += ChunksFor(e.Size, p.Config.Client.ChunkSizeRaw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning %s: %w", dir, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no files to upload under %s", dir)
	}

	b, err := p.Batches.CreateBatch(ctx, len(entries), session.Metadata{"source": filepath.Base(filepath.Clean(dir))})
	if err != nil {
		return fmt.Errorf("creating batch: %w", err)
	}
	logger.Info("batch created", "batch", b.ID, "files", len(entries), "bytes", totalBytes)

	u, progress := newUploader(a, p, logger, opts, filepath.Base(filepath.Clean(dir)), totalBytes, totalChunks)
	failures := 0
	for _, e := range entries {
		s, err := u.UploadFile(ctx, e.Path, upload.CreateRequest{
			Filename: path.Base(e.RelPath),
			Scope:    opts.scope,
			Folder:   path.Join(opts.folder, e.Dir()),
			Owner:    opts.owner,
			BatchID:  b.ID,
		})
		if err != nil {
			failures++
			logger.Error("file upload failed", "path", e.RelPath, "error", err)
			// O lote só converge quando cada arquivo chega a um estado terminal.
			if s != nil && !s.Status.IsTerminal() {
				if _, cErr := p.Service.Cancel(context.WithoutCancel(ctx), s.ID); cErr != nil {
					logger.Warn("cancelling incomplete session", "session", s.ID, "error", cErr)
				}
			}
			if s == nil {
				if _, mErr := p.Batches.MarkFileFailed(context.WithoutCancel(ctx), b.ID); mErr != nil {
					logger.Warn("marking batch file failed", "batch", b.ID, "error", mErr)
				}
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		progress.AddFile()
		if s.Status != session.StatusCompleted {
			failures++
		}
	}
	progress.Stop()

	final, err := p.Batches.GetBatch(ctx, b.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "batch %s: %s (%d/%d completed, %d failed)\n",
		final.ID, final.Status, final.CompletedFiles, final.TotalFiles, final.FailedFiles)
	if failures > 0 {
		return fmt.Errorf("%d of %d files were not uploaded", failures, len(entries))
	}
	return nil
}

func printOutcome(ctx context.Context, a *app, p *server.Pipeline, s *session.UploadSession) error {
	switch s.Status {
	case session.StatusCompleted:
		fmt.Fprintf(a.stdout, "session %s: completed %s (sha256 %s)\n", s.ID, s.ArtifactLocation, s.ArtifactChecksum)
		return nil
	case session.StatusVirusDetected:
		fmt.Fprintf(a.stdout, "session %s: virus detected (%s)\n", s.ID, s.Metadata[session.MetaScanResult])
		return fmt.Errorf("session %s was quarantined", s.ID)
	case session.StatusFailed:
		prog, err := p.Service.GetProgress(ctx, s.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "session %s: failed [%s] %s\n", s.ID, prog.ErrorClass, prog.Error)
		return fmt.Errorf("session %s failed", s.ID)
	default:
		fmt.Fprintf(a.stdout, "session %s: %s\n", s.ID, s.Status)
		return nil
	}
}

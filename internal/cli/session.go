// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the progress of an upload session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			p, _, closeFn, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			prog, err := p.Service.GetProgress(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get session status: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(prog)
			}

			fmt.Fprintf(a.stdout, "ID: %s\n", prog.SessionID)
			fmt.Fprintf(a.stdout, "Status: %s\n", prog.Status)
			fmt.Fprintf(a.stdout, "Progress: %.2f%% (%d/%d chunks)\n", prog.Percentage, prog.CompletedChunks, prog.ChunksCount)
			if len(prog.MissingChunks) > 0 {
				fmt.Fprintf(a.stdout, "Missing: %s\n", formatChunkList(prog.MissingChunks, 20))
			}
			if prog.Error != "" {
				fmt.Fprintf(a.stdout, "Error: [%s] %s\n", prog.ErrorClass, prog.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the progress as JSON")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel an upload session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			p, _, closeFn, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			s, err := p.Service.Cancel(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to cancel session: %w", err)
			}
			fmt.Fprintf(a.stdout, "session %s: %s\n", s.ID, s.Status)
			return nil
		},
	}
}

func newPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <session-id>",
		Short: "Remove a finished session and its stored chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			p, _, closeFn, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := p.Service.Purge(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to purge session: %w", err)
			}
			fmt.Fprintf(a.stdout, "session %s purged\n", args[0])
			return nil
		},
	}
}

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass of the expired-session sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			p, _, closeFn, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			rep, err := p.Sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "expired: %d  purged: %d  errors: %d  (%s)\n",
				rep.Expired, rep.Purged, rep.Errors, rep.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// formatChunkList lista até limit números, resumindo o restante.
func formatChunkList(chunks []int, limit int) string {
	parts := make([]string, 0, min(len(chunks), limit))
	for i, n := range chunks {
		if i == limit {
			break
		}
		parts = append(parts, fmt.Sprintf("%d", n))
	}
	s := strings.Join(parts, ", ")
	if len(chunks) > limit {
		s += fmt.Sprintf(" ... (+%d)", len(chunks)-limit)
	}
	return s
}

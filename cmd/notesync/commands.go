package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/notesync/internal/coordinator"
	"github.com/ajitpratap0/notesync/internal/engine"
	"github.com/ajitpratap0/notesync/internal/notify"
	"github.com/ajitpratap0/notesync/internal/store"
	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/json"
	"github.com/ajitpratap0/notesync/pkg/metrics"
	"github.com/ajitpratap0/notesync/pkg/observability"
)

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Apply the incremental feed, falling back to the snapshot when needed",
		Long: `Apply the notes changed since the last successful run. When there is no
cursor yet, or the delta reaches delta.max_notes, the snapshot is loaded instead.

Exit status: 0 success, 3 nothing to do or already running, 4 success with
warnings, 238 a previous run failed (see clear-failure), other values name the
failing error class.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.ingest(cmd.Context(), engine.ModeIncremental)
		},
	}
}

func (c *cli) bulkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bulk",
		Short: "Replace the store from the snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.ingest(cmd.Context(), engine.ModeBulk)
		},
	}
}

func (c *cli) ingest(ctx context.Context, mode engine.Mode) error {
	tracing, err := observability.Setup(c.cfg.Observability, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeouts.Release)
		defer cancel()
		if err := tracing.Shutdown(sctx); err != nil {
			c.log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	s, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	sink, closeSink, err := notify.Build(c.cfg.Notify, c.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSink(); err != nil {
			c.log.Warn("failed to close notification sink", zap.Error(err))
		}
	}()

	e, err := engine.New(c.cfg, s,
		engine.WithNotifier(sink),
		engine.WithMetrics(metrics.New()),
		engine.WithLogger(c.log))
	if err != nil {
		return err
	}
	if code := e.Run(ctx, mode); code != coordinator.ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}

func (c *cli) openStore(ctx context.Context) (*store.Store, error) {
	s, err := store.Open(ctx, c.cfg.Store, c.log)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema is up to date (%s)\n", c.cfg.Store.Driver)
			return nil
		},
	}
}

func (c *cli) clearFailureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-failure",
		Short: "Remove the failure marker so scheduled runs resume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := c.cfg.Coordinator.FailureMarkerPath
			m, err := coordinator.ReadMarker(path)
			if err != nil {
				c.log.Warn("failure marker is unreadable; removing it", zap.Error(err))
			}
			removed, err := coordinator.RemoveMarker(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !removed {
				fmt.Fprintln(out, "no failure marker present")
				return nil
			}
			if m != nil {
				fmt.Fprintf(out, "cleared failure of run %s (stage %s, class %s, at %s)\n",
					m.RunID, m.Stage, m.Class, m.Time.Format("2006-01-02 15:04:05Z07:00"))
			} else {
				fmt.Fprintln(out, "failure marker removed")
			}
			c.log.Info("failure marker cleared by operator", zap.String("path", path))
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the failure marker, the lock holder, the cursor and the last report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := c.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			e, err := engine.New(c.cfg, s, engine.WithLogger(c.log))
			if err != nil {
				return err
			}
			st, err := e.Coordinator().Status(ctx)
			if err != nil {
				return err
			}
			out := struct {
				*coordinator.Status
				Counts     store.Counts   `json:"counts"`
				LastReport *engine.Report `json:"last_report,omitempty"`
			}{Status: st}
			if out.Counts, err = s.CountNotes(ctx); err != nil {
				return err
			}
			if path := c.cfg.Coordinator.ReportPath; path != "" {
				if _, statErr := os.Stat(path); statErr == nil {
					if out.LastReport, err = engine.ReadReport(path); err != nil {
						c.log.Warn("failed to read last report", zap.Error(err))
					}
				}
			}

			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return config.Write(cmd.OutOrStdout(), c.cfg)
		},
	})
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/fieldsync/internal/app"
	"github.com/bissquit/fieldsync/internal/config"
	"github.com/bissquit/fieldsync/internal/domain"
	"github.com/bissquit/fieldsync/internal/queue"
	"github.com/bissquit/fieldsync/internal/version"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

type rootOptions struct {
	configPath string
	json       bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first write queue and sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to YAML config file")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "output JSON")

	cmd.AddCommand(serveCmd(opts))
	cmd.AddCommand(statusCmd(opts))
	cmd.AddCommand(itemsCmd(opts))
	cmd.AddCommand(syncCmd(opts))
	cmd.AddCommand(migrateCmd(opts))
	cmd.AddCommand(versionCmd(opts))

	return cmd
}

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			application, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("create app: %w", err)
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- application.Run()
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				if err != nil {
					_ = application.Shutdown(context.Background())
					return err
				}
			case sig := <-quit:
				slog.Info("received signal", "signal", sig.String())
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return application.Shutdown(ctx)
		},
	}
}

// withApp builds the application without starting background work.
func withApp(opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// Keep stdout clean for command output
	cfg.Log.Level = "error"

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, application)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

type statusOutput struct {
	Online  bool                 `json:"online"`
	Pending domain.PendingCount  `json:"pending"`
	History []queue.JournalEntry `json:"history"`
}

func statusCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending counts and recent drains",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				pending, err := a.Orchestrator().PendingCount(ctx)
				if err != nil {
					return fmt.Errorf("count pending: %w", err)
				}
				history, err := a.Orchestrator().History(ctx, limit)
				if err != nil {
					return fmt.Errorf("list history: %w", err)
				}

				out := statusOutput{Online: a.Monitor().IsOnline(), Pending: pending, History: history}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), out)
				}
				renderStatus(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of drains to show")
	return cmd
}

func renderStatus(w io.Writer, out statusOutput) {
	pending := table.NewWriter()
	pending.SetOutputMirror(w)
	pending.AppendHeader(table.Row{"Kind", "Pending"})
	pending.AppendRow(table.Row{domain.KindForm, out.Pending.Forms})
	pending.AppendRow(table.Row{domain.KindChat, out.Pending.Chats})
	pending.AppendRow(table.Row{domain.KindDocument, out.Pending.Documents})
	pending.AppendFooter(table.Row{"Total", out.Pending.Total})
	pending.AppendFooter(table.Row{"Failed", out.Pending.Failed})
	pending.Render()

	if len(out.History) == 0 {
		return
	}

	history := table.NewWriter()
	history.SetOutputMirror(w)
	history.AppendHeader(table.Row{"At", "Status", "Synced", "Failed", "Total", "Error"})
	for _, e := range out.History {
		totals := e.Report.Totals()
		history.AppendRow(table.Row{
			e.At.Local().Format(time.DateTime), e.Status,
			totals.Synced, totals.Failed, totals.Total, e.Error,
		})
	}
	history.Render()
}

func itemsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "items <kind>",
		Short:     "List queued items of one kind",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(domain.KindForm), string(domain.KindChat), string(domain.KindDocument)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				items, err := a.Orchestrator().Items(ctx, domain.Kind(args[0]))
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), items)
				}

				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Client ID", "Target", "Created", "Status", "Retries", "Last Error"})
				for _, it := range items {
					tw.AppendRow(table.Row{
						it.ID, it.ClientID, it.Target, it.CreatedAt.Local().Format(time.DateTime),
						it.SyncStatus, it.RetryCount, it.LastError,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func syncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				report, syncErr := a.Orchestrator().SyncAllPending(ctx)
				if opts.json {
					if err := printJSON(cmd.OutOrStdout(), report); err != nil {
						return err
					}
					return syncErr
				}

				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"Kind", "Synced", "Failed", "Total"})
				for _, kind := range domain.Kinds() {
					r := report.For(kind)
					tw.AppendRow(table.Row{kind, r.Synced, r.Failed, r.Total})
				}
				totals := report.Totals()
				tw.AppendFooter(table.Row{"Total", totals.Synced, totals.Failed, totals.Total})
				tw.Render()
				return syncErr
			})
		},
	}
}

func migrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store migrations and print the schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			opener, store, err := app.OpenStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer func() { _ = opener.Close() }()

			v, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s store at schema version %d\n", cfg.Store.Driver, v)
			return nil
		},
	}
}

func versionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			if opts.json {
				return printJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fieldsync %s\n", info)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

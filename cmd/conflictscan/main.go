package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mpataki/conflictscan/internal/api"
	"github.com/mpataki/conflictscan/internal/buildinfo"
	"github.com/mpataki/conflictscan/internal/models"
	"github.com/mpataki/conflictscan/internal/tui"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conflictscan",
		Short: "Extension conflict isolation",
		Long:  "Conflictscan finds the extension or theme that breaks a site by testing combinations in a disposable sandbox.",
		RunE:  runTUI,
	}

	rootCmd.AddCommand(newScanCommand())
	rootCmd.AddCommand(newProcessCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newReapCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newPruneCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	e.startWorkers(context.Background())

	app := tui.NewApp(e.orch, e.orch)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseSessionID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid session ID: %w", err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("invalid session ID: %d", id)
	}
	return id, nil
}

func newScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [context]",
		Short: "Run a conflict scan",
		Long:  "Run a conflict scan. The optional context describes what the user saw, like \"checkout page is blank\".",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userContext := ""
			if len(args) == 1 {
				userContext = strings.TrimSpace(args[0])
			}
			noWatch, _ := cmd.Flags().GetBool("no-watch")
			asJSON, _ := cmd.Flags().GetBool("json")

			ctx, stop := signalContext()
			defer stop()

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			out := cmd.OutOrStdout()
			watch := !noWatch && !asJSON && term.IsTerminal(int(os.Stdout.Fd()))
			if !watch {
				id, err := e.orch.StartScan(ctx, userContext)
				if err != nil {
					return fmt.Errorf("failed to start scan: %w", err)
				}
				return reportSession(ctx, out, e, id, asJSON)
			}

			e.startWorkers(ctx)
			id, err := e.orch.StartScan(ctx, userContext)
			if err != nil {
				return fmt.Errorf("failed to start scan: %w", err)
			}
			fmt.Fprintf(out, "Started scan #%d\n", id)
			if err := runWatch(e, id); err != nil {
				return err
			}
			return reportSession(ctx, out, e, id, false)
		},
	}

	cmd.Flags().Bool("no-watch", false, "Print the result without the live progress view")
	cmd.Flags().Bool("json", false, "Print the finished session as JSON")
	return cmd
}

// runWatch shows live progress until the session finishes or the user quits.
func runWatch(e *env, id int64) error {
	p := tea.NewProgram(tui.NewWatch(e.orch, id))
	_, err := p.Run()
	return err
}

func reportSession(ctx context.Context, w io.Writer, e *env, id int64, asJSON bool) error {
	sess, err := e.orch.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	if asJSON {
		return writeJSON(w, sess)
	}
	printSession(w, sess)
	if sess.Status == models.ScanStatusFailed {
		return errors.New("scan failed")
	}
	return nil
}

func newProcessCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "process <session-id>",
		Short: "Run a queued scan in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.orch.ProcessScan(ctx, id); err != nil {
				return fmt.Errorf("failed to process scan: %w", err)
			}
			return reportSession(ctx, cmd.OutOrStdout(), e, id, false)
		},
	}
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show scan status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			sess, err := e.orch.Get(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), sess)
			}
			printSession(cmd.OutOrStdout(), sess)
			return nil
		},
	}

	cmd.Flags().Bool("json", false, "Print the session as JSON")
	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent scans",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit <= 0 {
				return fmt.Errorf("limit must be positive")
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			sessions, err := e.orch.ListRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printSessionList(cmd.OutOrStdout(), sessions, time.Now())
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Number of scans to show")
	return cmd
}

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Show the event log for one scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			events, err := e.logger.ForSession(id)
			if err != nil {
				return fmt.Errorf("failed to read event log: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), events)
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}

	cmd.Flags().Bool("json", false, "Print the events as JSON")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a running scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if _, err := e.orch.Get(cmd.Context(), id); err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}
			return runWatch(e, id)
		},
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the scan API and error beacon",
		RunE: func(cmd *cobra.Command, args []string) error {
			reapEvery, _ := cmd.Flags().GetDuration("reap-interval")

			ctx, stop := signalContext()
			defer stop()

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			e.startWorkers(ctx)
			resumed, err := e.orch.Resume(ctx)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "resume: %v\n", err)
			}
			if resumed > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Resumed %d queued scans (%d pending)\n", resumed, e.sched.Pending())
			}

			srv := &http.Server{
				Addr: e.cfg.API.ListenAddr,
				Handler: api.New(api.Options{
					Scans:    e.orch,
					JSErrors: e.monitor,
					Token:    e.cfg.API.Token,
					Version:  buildinfo.String(),
					Logger:   e.logger,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go housekeep(ctx, cmd.ErrOrStderr(), e, reapEvery)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", e.cfg.API.ListenAddr)

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().Duration("reap-interval", time.Minute, "How often to fail stale scans and prune old ones")
	return cmd
}

// housekeep reaps abandoned scans and prunes expired ones until ctx ends.
func housekeep(ctx context.Context, w io.Writer, e *env, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := e.orch.Reap(ctx, e.staleAge()); err != nil && ctx.Err() == nil {
			fmt.Fprintf(w, "reap: %v\n", err)
		}
		if _, err := e.orch.Prune(ctx, e.retention()); err != nil && ctx.Err() == nil {
			fmt.Fprintf(w, "prune: %v\n", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newReapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail abandoned scans and destroy their sandboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.orch.Reap(cmd.Context(), e.staleAge())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reaped %d scan(s)\n", n)
			return nil
		},
	}
}

func newDestroyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <clone-id>",
		Short: "Destroy a sandbox by clone id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.orch.DestroySandbox(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Destroyed sandbox %s\n", args[0])
			return nil
		},
	}
}

func newPruneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished scans past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			age := e.retention()
			if days > 0 {
				age = time.Duration(days) * 24 * time.Hour
			}
			n, err := e.orch.Prune(cmd.Context(), age)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d scan(s)\n", n)
			return nil
		},
	}

	cmd.Flags().Int("days", 0, "Retention in days (default: scan.retention_days)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "conflictscan %s\n", buildinfo.String())
			return err
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

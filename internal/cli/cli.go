// ============================================================================
// genflow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and operating genflow locally
//
// Command Structure:
//   genflow                        # Root command
//   ├── run                        # Resume tracking and serve metrics until signalled
//   ├── submit                     # Submit one generation and wait for the outcome
//   │   ├── --text                 # Prompt text
//   │   ├── --image, -i            # Photo file (repeatable)
//   │   └── --effect               # Effect filter id
//   ├── history                    # List records (--favorites, --status, --json)
//   ├── favorite <id>              # Mark (or --off unmark) a record
//   ├── delete <id>                # Delete a record and stop its tracking
//   ├── effects                    # List the effect catalog (--cache-previews)
//   ├── cache evict|clear          # Media cache maintenance
//   ├── journal dump|verify        # Inspect the job journal
//   ├── status                     # Configuration and job statistics
//   └── --config, -c               # Config file (default genflow.yaml)
//
// Every command opens the history store exclusively, so local commands
// cannot run while `genflow run` holds it.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/genflow/internal/app"
	"github.com/ChuLiYu/genflow/internal/config"
	"github.com/ChuLiYu/genflow/internal/metrics"
	"github.com/ChuLiYu/genflow/internal/notify"
	"github.com/ChuLiYu/genflow/internal/orchestrator"
	"github.com/ChuLiYu/genflow/internal/storage/wal"
	"github.com/ChuLiYu/genflow/pkg/types"
)

var configFile string

// Version is injected at build time.
var Version = "dev"

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "genflow",
		Short: "genflow: AI video generation client",
		Long: `genflow submits photo and prompt generations to the remote video service,
tracks them until they finish and keeps a local history with cached media:
- at most a fixed number of generations in flight
- duplicate submissions rejected while the first is running
- tracking resumes after restarts
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "genflow.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildFavoriteCommand())
	rootCmd.AddCommand(buildDeleteCommand())
	rootCmd.AddCommand(buildEffectsCommand())
	rootCmd.AddCommand(buildCacheCommand())
	rootCmd.AddCommand(buildJournalCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// openApp loads the config and opens every component.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return app.Open(ctx, cfg)
}

// withOrchestrator runs fn against a started orchestrator and stops it after.
func withOrchestrator(ctx context.Context, fn func(*app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	return fn(a)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var warm bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start genflow and resume tracking until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cmd.OutOrStdout(), warm)
		},
	}
	cmd.Flags().BoolVar(&warm, "warm-previews", false, "download effect previews into the cache at startup")
	return cmd
}

func runSystem(ctx context.Context, out io.Writer, warm bool) error {
	return withOrchestrator(ctx, func(a *app.App) error {
		if a.Config.Metrics.Enabled {
			go func() {
				if err := metrics.StartServer(ctx, a.Config.Metrics.Addr, a.Registry); err != nil {
					fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
				}
			}()
		}
		if warm {
			go func() {
				if _, err := a.WarmPreviews(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "preview warm-up failed: %v\n", err)
				}
			}()
		}

		stats := a.Orch.Stats()
		fmt.Fprintf(out, "genflow running: %d in flight (cap %d), %d being polled\n", stats.InFlight, stats.Cap, stats.Polling)

		for {
			select {
			case <-ctx.Done():
				fmt.Fprintln(out, "shutting down")
				return nil
			case n := <-a.Notes.C():
				printNotification(out, n)
			}
		}
	})
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var (
		text     string
		images   []string
		effect   string
		wait     bool
		timeout  time.Duration
		download bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a generation (text, effect, or photos + text)",
		Example: `  genflow submit --text "a cat surfing at sunset"
  genflow submit --image selfie.jpg --effect 12
  genflow submit --image a.jpg --image b.jpg --text "two friends dancing"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(text, images, effect)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return withOrchestrator(ctx, func(a *app.App) error {
				return submitAndWait(ctx, cmd.OutOrStdout(), a, req, wait, download)
			})
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "prompt text")
	cmd.Flags().StringArrayVarP(&images, "image", "i", nil, "photo file (repeatable)")
	cmd.Flags().StringVar(&effect, "effect", "", "effect filter id (requires exactly one --image)")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the generation to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "give up waiting after this long (0 waits forever)")
	cmd.Flags().BoolVar(&download, "download", false, "download the finished video into the media cache")
	return cmd
}

func buildRequest(text string, imagePaths []string, effect string) (types.Request, error) {
	images := make([][]byte, 0, len(imagePaths))
	for _, p := range imagePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		images = append(images, data)
	}

	switch {
	case effect != "":
		if len(images) != 1 || text != "" {
			return nil, errors.New("--effect takes exactly one --image and no --text")
		}
		return types.ImageEffect{Image: images[0], FilterID: effect}, nil
	case len(images) > 0:
		return types.ImageAndText{Images: images, Text: text}, nil
	case text != "":
		return types.TextToVideo{Text: text}, nil
	default:
		return nil, errors.New("nothing to submit: use --text, --image or --effect")
	}
}

func submitAndWait(ctx context.Context, out io.Writer, a *app.App, req types.Request, wait, download bool) error {
	rec, err := a.Orch.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("submission rejected: %w", err)
	}
	fmt.Fprintf(out, "submitted %s (generation %s)\n", rec.ID, valueOr(string(rec.JobID), "pending"))
	if !wait {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("still generating; check `genflow history` later: %w", ctx.Err())
		case n := <-a.Notes.C():
			printNotification(out, n)
			if n.Record.ID != rec.ID {
				continue
			}
			if n.Kind == notify.KindFailed {
				return fmt.Errorf("generation failed: %s", valueOr(n.Record.ErrorMessage, "no reason given"))
			}
			if download {
				path, err := a.Fetcher.Video(ctx, n.Record.VideoURL)
				if err != nil {
					return fmt.Errorf("download failed: %w", err)
				}
				fmt.Fprintf(out, "cached at %s\n", path)
			}
			return nil
		}
	}
}

func printNotification(out io.Writer, n notify.Notification) {
	switch n.Kind {
	case notify.KindVideoReady:
		fmt.Fprintf(out, "ready  %s  %s\n", n.Record.ID, n.Record.VideoURL)
	case notify.KindFailed:
		fmt.Fprintf(out, "failed %s  %s\n", n.Record.ID, n.Record.ErrorMessage)
	}
}

// ============================================================================
// history / favorite / delete
// ============================================================================

func buildHistoryCommand() *cobra.Command {
	var (
		favorites bool
		status    string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List generated videos, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := orchestrator.HistoryFilter{Favorites: favorites}
			if status != "" {
				s, err := parseRecordStatus(status)
				if err != nil {
					return err
				}
				filter.Status = s
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.Orch.History(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			printRecords(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&favorites, "favorites", false, "only favorites")
	cmd.Flags().StringVar(&status, "status", "", "only records with status generating|completed|failed")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func parseRecordStatus(s string) (types.RecordStatus, error) {
	switch rs := types.RecordStatus(strings.ToLower(s)); rs {
	case types.RecordGenerating, types.RecordCompleted, types.RecordFailed:
		return rs, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

func printRecords(out io.Writer, recs []types.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(out, "no records")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tFAV\tKIND\tCREATED\tDETAIL")
	for _, r := range recs {
		fav := ""
		if r.IsFavorite {
			fav = "*"
		}
		detail := r.PromptText
		switch r.Status {
		case types.RecordCompleted:
			detail = r.VideoURL
		case types.RecordFailed:
			detail = r.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, fav, r.Kind, r.CreatedAt.Local().Format(time.DateTime), detail)
	}
	_ = tw.Flush()
}

func buildFavoriteCommand() *cobra.Command {
	var off bool

	cmd := &cobra.Command{
		Use:   "favorite <record-id>",
		Short: "Mark a record as favorite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.Orch.SetFavorite(cmd.Context(), args[0], !off)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s favorite=%t\n", rec.ID, rec.IsFavorite)
			return nil
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "remove the favorite mark")
	return cmd
}

func buildDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <record-id>",
		Short: "Delete a record and stop tracking its generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(a *app.App) error {
				if err := a.Orch.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

// ============================================================================
// effects / cache
// ============================================================================

func buildEffectsCommand() *cobra.Command {
	var cachePreviews bool

	cmd := &cobra.Command{
		Use:   "effects",
		Short: "List the effect catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			effects, err := a.Orch.Effects(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tPREVIEW")
			for _, fx := range effects {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", fx.ID, fx.Title, fx.Preview)
			}
			_ = tw.Flush()

			if cachePreviews {
				n, err := a.WarmPreviews(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cached %d/%d previews\n", n, len(effects))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&cachePreviews, "cache-previews", false, "download previews into the cache")
	return cmd
}

func buildCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Media cache maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "evict",
		Short: "Drop cached media not accessed within the TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			files, previews, err := a.EvictMedia(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %d videos, %d previews\n", files, previews)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete all cached media",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			files, previews, err := a.ClearMedia(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d videos, %d previews\n", files, previews)
			return nil
		},
	})
	return cmd
}

// ============================================================================
// journal / status
// ============================================================================

func buildJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the job journal",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print every journal event",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return wal.DumpWAL(cfg.Storage.JournalPath, cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check journal checksums and ordering",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := wal.ValidateWAL(cfg.Storage.JournalPath); err != nil {
				return err
			}
			n, err := wal.CountEvents(cfg.Storage.JournalPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "journal ok: %d events\n", n)
			return nil
		},
	})
	return cmd
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and generation status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(a *app.App) error {
				return showStatus(cmd.Context(), cmd.OutOrStdout(), a)
			})
		},
	}
}

func showStatus(ctx context.Context, out io.Writer, a *app.App) error {
	cfg := a.Config
	stats := a.Orch.Stats()
	records, err := a.Store.Len(ctx)
	if err != nil {
		return err
	}
	files, bytes, err := a.Files.Usage()
	if err != nil {
		return err
	}
	previews, err := a.Previews.Len(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ API:             %s\n", cfg.API.BaseURL)
	fmt.Fprintf(out, "  ├─ Max Concurrent:  %d\n", cfg.Generation.MaxConcurrent)
	fmt.Fprintf(out, "  └─ Poll Interval:   %s\n", cfg.Generation.PollInterval)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage:")
	fmt.Fprintf(out, "  ├─ History:   %s (%d records)\n", cfg.Storage.HistoryDir, records)
	fmt.Fprintf(out, "  ├─ Journal:   %s (seq %d)\n", cfg.Storage.JournalPath, stats.LastSeq)
	fmt.Fprintf(out, "  ├─ Snapshot:  %s\n", cfg.Storage.SnapshotPath)
	fmt.Fprintf(out, "  ├─ Videos:    %s (%d files, %.1f MB)\n", cfg.Cache.Dir, files, float64(bytes)/(1024*1024))
	fmt.Fprintf(out, "  └─ Previews:  %s (%d entries)\n", cfg.Cache.PreviewDB, previews)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Generations:")
	fmt.Fprintf(out, "  ├─ In Flight:   %d / %d\n", stats.InFlight, stats.Cap)
	fmt.Fprintf(out, "  ├─ Queued:      %d\n", stats.Queued)
	fmt.Fprintf(out, "  ├─ Processing:  %d\n", stats.Processing)
	fmt.Fprintf(out, "  └─ Polling:     %d\n", stats.Polling)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Enabled on %s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(out, "  └─ Disabled")
	}
	return nil
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

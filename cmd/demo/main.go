// Command demo runs genflow against an in-process fake generation service and
// restarts it while generations are still running, showing that tracking
// resumes from the journal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/genflow/internal/app"
	"github.com/ChuLiYu/genflow/internal/config"
	"github.com/ChuLiYu/genflow/internal/fakeapi"
	"github.com/ChuLiYu/genflow/internal/gate"
	"github.com/ChuLiYu/genflow/internal/notify"
	"github.com/ChuLiYu/genflow/internal/orchestrator"
	"github.com/ChuLiYu/genflow/pkg/types"
)

func main() {
	dir := flag.String("dir", "", "data directory (default: a temporary directory)")
	polls := flag.Int("polls", 6, "status checks before the fake service finishes a generation")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *dir == "" {
		tmp, err := os.MkdirTemp("", "genflow-demo-")
		if err != nil {
			log.Fatalf("Failed to create data dir: %v", err)
		}
		defer os.RemoveAll(tmp)
		*dir = tmp
	}

	srv := fakeapi.New("demo-token")
	defer srv.Close()
	srv.SetPollsToFinish(*polls)

	cfg := config.Default()
	cfg.API.BaseURL = srv.URL
	cfg.API.Token = "demo-token"
	cfg.API.AppID = "demo"
	cfg.API.UserID = "demo-user"
	cfg.Generation.PollInterval = 200 * time.Millisecond
	cfg.Storage.Dir = *dir
	cfg.Log.Level = "warn"
	cfg.Log.Pretty = true
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Demo failed: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	// 第一次啟動：提交到上限，第三個會被拒絕
	a, err := start(ctx, cfg)
	if err != nil {
		return err
	}

	prompts := []string{"a fox running through snow", "city lights at night", "waves on a rocky shore"}
	for _, p := range prompts {
		rec, err := a.Orch.Submit(ctx, types.TextToVideo{Text: p})
		switch {
		case errors.Is(err, gate.ErrMaxGenerationsReached):
			fmt.Printf("rejected  %q: %v\n", p, err)
		case err != nil:
			_ = a.Close()
			return err
		default:
			fmt.Printf("submitted %q as %s (generation %s)\n", p, rec.ID, rec.JobID)
		}
	}
	printStats("before restart", a)

	time.Sleep(2 * cfg.Generation.PollInterval)
	if err := a.Close(); err != nil {
		return err
	}
	fmt.Println("\nrestarting while generations are still running...")

	// 第二次啟動：從快照與 WAL 恢復
	a, err = start(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	printStats("after recovery", a)

	for pending := a.Orch.Stats().InFlight; pending > 0; pending-- {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Minute):
			return errors.New("timed out waiting for generations")
		case n := <-a.Notes.C():
			if n.Kind == notify.KindVideoReady {
				fmt.Printf("ready     %s -> %s\n", n.Record.ID, n.Record.VideoURL)
			} else {
				fmt.Printf("failed    %s: %s\n", n.Record.ID, n.Record.ErrorMessage)
			}
		}
	}

	recs, err := a.Orch.History(ctx, orchestrator.HistoryFilter{})
	if err != nil {
		return err
	}
	fmt.Printf("\nhistory has %d records\n", len(recs))
	for _, r := range recs {
		fmt.Printf("  %s  %-10s %q\n", r.ID, r.Status, r.PromptText)
	}
	return nil
}

func start(ctx context.Context, cfg config.Config) (*app.App, error) {
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Orch.Start(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func printStats(label string, a *app.App) {
	s := a.Orch.Stats()
	fmt.Printf("\n%s: in flight %d/%d, queued %d, processing %d, polling %d, journal seq %d\n",
		label, s.InFlight, s.Cap, s.Queued, s.Processing, s.Polling, s.LastSeq)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"visitoverlay/internal/config"
	"visitoverlay/internal/dom"
	"visitoverlay/internal/har"
	"visitoverlay/internal/overlay"
)

var (
	replayHTML  string
	replayHAR   string
	replayURL   string
	replayOut   string
	replayWatch bool
)

// replayCmd applies the overlay to a saved page offline
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Apply the overlay to a saved page using a HAR capture",
	Long: `Loads a saved copy of the scheduled visits page and a HAR capture of the same
session, replays the capture's visit batches through the network tap, answers
client lookups from the capture and writes the augmented page.

Example:
  visit-overlay replay --html visits.html --har session.har \
    --url "https://acme.alayacare.com/#/scheduling/scheduled-visits" --out visits.out.html`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayHTML, "html", "", "Saved page (required)")
	replayCmd.Flags().StringVar(&replayHAR, "har", "", "HAR capture (required)")
	replayCmd.Flags().StringVar(&replayURL, "url", "", "Location the page was saved from (required)")
	replayCmd.Flags().StringVarP(&replayOut, "out", "o", "", "Write the result here instead of stdout")
	replayCmd.Flags().BoolVar(&replayWatch, "watch", false, "Replay again whenever the inputs change")
	_ = replayCmd.MarkFlagRequired("html")
	_ = replayCmd.MarkFlagRequired("har")
	_ = replayCmd.MarkFlagRequired("url")
}

type replayInput struct {
	HTML     string
	HAR      string
	Location string
}

// replayResult summarises one replay.
type replayResult struct {
	Snapshot overlay.Snapshot
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	in := replayInput{HTML: replayHTML, HAR: replayHAR, Location: replayURL}
	once := func() error {
		w, closeOut, err := replayOutput(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		res, err := replay(ctx, cfg, in, w, logger)
		if cerr := closeOut(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		logger.Info("replay complete",
			zap.String("state", res.Snapshot.State),
			zap.String("variant", res.Snapshot.Variant),
			zap.Int("rows", res.Snapshot.Correlation.Total),
			zap.Int("ready", res.Snapshot.Correlation.Ready),
			zap.Int("failed", res.Snapshot.Correlation.Failed),
		)
		return nil
	}

	if err := once(); err != nil {
		if !replayWatch {
			return err
		}
		logger.Warn("replay failed", zap.Error(err))
	}
	if !replayWatch {
		return nil
	}
	return watchFiles(ctx, []string{in.HTML, in.HAR}, 200*time.Millisecond, logger, func() {
		if err := once(); err != nil {
			logger.Warn("replay failed", zap.Error(err))
		}
	})
}

func replayOutput(stdout io.Writer) (io.Writer, func() error, error) {
	if replayOut == "" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(replayOut)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, f.Close, nil
}

// replay runs the overlay once over a saved page and writes the augmented HTML to out.
func replay(ctx context.Context, cfg *config.Config, in replayInput, out io.Writer, log *zap.Logger) (replayResult, error) {
	f, err := os.Open(in.HTML)
	if err != nil {
		return replayResult{}, fmt.Errorf("open page: %w", err)
	}
	doc, err := dom.ParseHTML(f, in.Location)
	f.Close()
	if err != nil {
		return replayResult{}, err
	}
	archive, err := har.Load(in.HAR)
	if err != nil {
		return replayResult{}, err
	}

	ov, err := overlay.New(overlay.Options{
		Config:   cfg,
		Document: doc,
		Fetcher:  har.NewFetcher(archive),
		Source:   har.NewSource(archive),
		Logger:   log,
	})
	if err != nil {
		return replayResult{}, err
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- ov.Serve(runCtx) }()
	defer func() {
		stop()
		<-done
	}()

	if _, err := ov.Tick(runCtx); err != nil {
		return replayResult{}, fmt.Errorf("tick: %w", err)
	}
	if err := ov.Settle(runCtx); err != nil {
		return replayResult{}, fmt.Errorf("settle: %w", err)
	}
	snap, err := ov.Snapshot(runCtx, false)
	if err != nil {
		return replayResult{}, err
	}
	if err := doc.Render(out); err != nil {
		return replayResult{}, fmt.Errorf("render page: %w", err)
	}
	return replayResult{Snapshot: snap}, nil
}

// watchFiles calls fn after any of paths is written or recreated, debounced, until ctx
// is done.
func watchFiles(ctx context.Context, paths []string, debounce time.Duration, log *zap.Logger, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	wanted := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		wanted[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	// Editors replace files on save, so watch the directories.
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	var timer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !wanted[abs] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer = time.After(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("file watcher error", zap.Error(err))
		case <-timer:
			timer = nil
			fn()
		}
	}
}

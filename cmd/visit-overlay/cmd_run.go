package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"visitoverlay/internal/browser"
	"visitoverlay/internal/correlate"
	"visitoverlay/internal/logging"
	"visitoverlay/internal/overlay"
	"visitoverlay/internal/scheduler"
	"visitoverlay/internal/status"
)

var (
	runMonitor    bool
	runStatusAddr string
)

// runCmd attaches the overlay to a live browser tab
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach the overlay to the scheduled visits page in Chrome",
	Long: `Connects to Chrome (browser.debugger_url) or launches it, attaches to an open
scheduled visits tab or opens browser.start_url, and keeps the overlay running
until interrupted.

Examples:
  visit-overlay run
  visit-overlay run --monitor
  visit-overlay run --status-addr 127.0.0.1:8377`,
	RunE: runOverlay,
}

func init() {
	runCmd.Flags().BoolVar(&runMonitor, "monitor", false, "Show a live table of correlated rows")
	runCmd.Flags().StringVar(&runStatusAddr, "status-addr", "", "Serve the status API on this address (default: status.addr)")
}

func runOverlay(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	sm := browser.NewSessionManager(cfg.Browser, logging.For(logger, logging.CategoryBrowser))
	if err := sm.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sm.Shutdown(context.Background()); err != nil {
			logger.Warn("browser shutdown", zap.Error(err))
		}
	}()

	matcher := scheduler.NewMatcher(cfg.Page)
	page, session, err := sm.OpenPage(ctx, matcher.Match)
	if err != nil {
		return err
	}
	logger.Info("page ready", zap.String("url", session.URL), zap.String("status", session.Status))

	var fetcher correlate.Fetcher
	switch cfg.Lookup.Transport {
	case "http":
		hf, err := correlate.NewHTTPFetcher(cfg.Lookup.BaseURL, cfg.GetLookupTimeout())
		if err != nil {
			return err
		}
		cookies, err := sm.Cookies()
		if err != nil {
			return fmt.Errorf("seed lookup cookies: %w", err)
		}
		hf.SetCookies(cookies)
		fetcher = hf
	default:
		fetcher = browser.NewPageFetcher(page)
	}

	ov, err := overlay.New(overlay.Options{
		Config:   cfg,
		Document: browser.NewPageDocument(ctx, page, cfg.GetDrainInterval(), logging.For(logger, logging.CategoryWatch)),
		Fetcher:  fetcher,
		Source:   browser.NewNetworkSource(page, logging.For(logger, logging.CategoryTap)),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	addr := runStatusAddr
	if addr == "" {
		addr = cfg.Status.Addr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ov.Run(gctx) })
	if addr != "" {
		g.Go(func() error { return status.Serve(gctx, addr, ov, logging.For(logger, logging.CategoryStatus)) })
	}
	if runMonitor {
		g.Go(func() error {
			defer cancel()
			p := tea.NewProgram(newMonitorModel(gctx, ov, cfg.GetPollInterval()), tea.WithContext(gctx), tea.WithAltScreen())
			_, err := p.Run()
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

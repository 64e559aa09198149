// Package status serves a read-only HTTP view of a running overlay.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"visitoverlay/internal/overlay"
)

// Source provides overlay snapshots.
type Source interface {
	Snapshot(ctx context.Context, withRows bool) (overlay.Snapshot, error)
}

// Handler returns the status routes.
func Handler(src Source, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Debug("write error", zap.Error(err))
		}
	})

	r.Get("/state", func(w http.ResponseWriter, req *http.Request) {
		snap, err := src.Snapshot(req.Context(), false)
		if err != nil {
			log.Warn("snapshot failed", zap.Error(err))
			http.Error(w, "overlay unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, snap, log)
	})

	r.Get("/rows", func(w http.ResponseWriter, req *http.Request) {
		snap, err := src.Snapshot(req.Context(), true)
		if err != nil {
			log.Warn("snapshot failed", zap.Error(err))
			http.Error(w, "overlay unavailable", http.StatusServiceUnavailable)
			return
		}
		rows := snap.Rows
		if rows == nil {
			rows = []overlay.RowView{}
		}
		writeJSON(w, rows, log)
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write error", zap.Error(err))
	}
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, src Source, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(src, log),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("status api listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

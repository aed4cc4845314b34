// Package ops serves the read-only status endpoint: health, the
// current portfolio snapshot and session statistics. It never mutates
// engine state.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/rsinha/tradeloop/internal/catalog"
	"github.com/rsinha/tradeloop/internal/market"
	"github.com/rsinha/tradeloop/internal/portfolio"
)

// Server is the ops HTTP server.
type Server struct {
	router  *chi.Mux
	httpSrv *http.Server
	pf      *portfolio.Portfolio
	clock   *market.Clock
	catalog *catalog.Catalog
	mode    string
	started time.Time
	logger  zerolog.Logger
}

// NewServer builds the server on the given listen address.
func NewServer(addr, mode string, pf *portfolio.Portfolio, clock *market.Clock, cat *catalog.Catalog, logger zerolog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		pf:      pf,
		clock:   clock,
		catalog: cat,
		mode:    mode,
		started: time.Now(),
		logger:  logger.With().Str("component", "ops").Logger(),
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/snapshot", s.handleSnapshot)
	s.router.Get("/stats", s.handleStats)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("ops server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.writeJSON(w, map[string]any{
		"status":         "ok",
		"mode":           s.mode,
		"uptime_seconds": int(now.Sub(s.started).Seconds()),
		"market_phase":   string(s.clock.Phase(now)),
		"catalog_ready":  s.catalog.Ready(),
		"catalog_as_of":  s.catalog.RefreshedAt(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.pf.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.pf.Snapshot()
	s.writeJSON(w, map[string]any{
		"stats":            snap.Stats,
		"cash":             snap.Cash,
		"equity":           snap.Equity(),
		"open_positions":   len(snap.Positions),
		"realized_pnl_day": snap.RealizedPnLDay,
		"daily_pnl":        snap.DailyPnL,
		"as_of":            snap.AsOf,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

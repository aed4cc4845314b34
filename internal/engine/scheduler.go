package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// runScheduler owns the calendar jobs: the daily catalog refresh
// before the open and the periodic ban-list refresh. Jobs run in the
// exchange timezone and failures are logged, never fatal; both
// refreshers retain their previous data on error.
func (e *Engine) runScheduler(ctx context.Context) error {
	c := cron.New(cron.WithLocation(e.loc))

	// Catalog refresh at 08:45, ahead of the 09:15 open, Monday-Friday.
	if _, err := c.AddFunc("45 8 * * 1-5", func() {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := e.catalog.Refresh(rctx); err != nil {
			e.logger.Warn().Err(err).Msg("scheduled catalog refresh failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule catalog refresh: %w", err)
	}

	banSpec := fmt.Sprintf("@every %dm", e.cfg.Risk.BanListRefreshMins)
	if _, err := c.AddFunc(banSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := e.banList.Refresh(rctx); err != nil {
			e.logger.Warn().Err(err).Msg("scheduled ban list refresh failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule ban list refresh: %w", err)
	}

	// End-of-day forced snapshot shortly after the close.
	if _, err := c.AddFunc("35 15 * * 1-5", func() {
		if err := e.persist(true); err != nil {
			e.logger.Error().Err(err).Msg("end-of-day persist failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule end-of-day persist: %w", err)
	}

	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

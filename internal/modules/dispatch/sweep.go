// README: Periodic sweep that expires overdue offers and rescans bookings still waiting for a driver.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// sweepBatch bounds how many waiting bookings one sweep rescans.
const sweepBatch = 500

// Sweep expires overdue offers, falls through to the next driver, purges
// long-resolved offers and rescans REQUESTED bookings whose last scan is
// older than RescanInterval.
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.now()
	due, err := e.store.DueOffers(ctx, now)
	if err != nil {
		return err
	}
	touched := make(map[string]bool, len(due))
	for _, o := range due {
		unlock := e.locks.lock(o.BookingID)
		e.closeOffer(ctx, o, OutcomeExpired, now)
		e.advance(ctx, o.BookingID)
		unlock()
		touched[string(o.BookingID)] = true
	}
	if len(due) > 0 {
		e.log.Debug("expired ride offers", zap.Int("count", len(due)))
	}
	if n, err := e.store.PurgeResolved(ctx, now.Add(-resolvedOfferRetention)); err != nil {
		e.log.Warn("purge resolved offers failed", zap.Error(err))
	} else if n > 0 {
		e.log.Debug("purged resolved offers", zap.Int("count", n))
	}

	waiting, err := e.bookings.ListAwaitingDispatch(ctx, sweepBatch)
	if err != nil {
		return err
	}
	for _, b := range waiting {
		if touched[string(b.ID)] {
			continue
		}
		rec, err := e.store.GetRecord(ctx, b.ID)
		if err != nil {
			return err
		}
		if rec != nil && now.Sub(rec.LastScanAt) < e.cfg.RescanInterval {
			continue
		}
		if err := e.Dispatch(ctx, b.ID); err != nil {
			e.log.Warn("rescan failed", zap.String("booking_id", string(b.ID)), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				e.log.Warn("dispatch sweep failed", zap.Error(err))
			}
		}
	}
}

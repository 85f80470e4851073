package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bandgrid/internal/core"
)

const pruneManual = "cancel_buys"

// CancelOpenBuys cancels the buy order of every waiting band and deletes the
// rows. An empty symbol covers all symbols. Bands with a filled buy are left
// alone.
func (e *Engine) CancelOpenBuys(ctx context.Context, symbol string) (int, error) {
	runID := uuid.NewString()
	log := e.logger.WithFields(logrus.Fields{"run_id": runID, "event": "cancel_buys"})
	waiting, err := e.bands.ListByStatus(ctx, symbol, core.BandWaiting)
	if err != nil {
		return 0, storeErr("list waiting bands", err)
	}
	removed := 0
	for _, band := range waiting {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := e.dropBand(ctx, log.WithField("symbol", band.Symbol), runID, band, pruneManual); err != nil {
			return removed, err
		}
		removed++
	}
	log.WithField("removed", removed).Info("waiting bands cancelled")
	return removed, nil
}

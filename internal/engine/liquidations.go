package engine

import (
	"context"
	"fmt"

	"github.com/rewired-gh/liqsentry/internal/logger"
	"github.com/rewired-gh/liqsentry/internal/metrics"
	"github.com/rewired-gh/liqsentry/internal/models"
)

// liquidationCursor names the persisted block cursor of the liquidation stream.
const liquidationCursor = "liquidations"

// LiquidationStream is a restartable feed of observed liquidations.
type LiquidationStream interface {
	Events() <-chan models.LiquidationEvent
	Errors() <-chan error
	Cursor() uint64
}

// LiquidationStartBlock returns the block the liquidation stream should resume from.
func (e *Engine) LiquidationStartBlock() uint64 {
	if e.store == nil {
		return e.cfg.StartBlock
	}
	block, ok, err := e.store.LoadCursor(liquidationCursor)
	if err != nil {
		logger.Warn("Failed to load liquidation cursor: %v", err)
		return e.cfg.StartBlock
	}
	if !ok {
		return e.cfg.StartBlock
	}
	return block
}

// ConsumeLiquidations handles events until the stream closes. The cursor is persisted
// after every event and once more when the stream ends.
func (e *Engine) ConsumeLiquidations(ctx context.Context, s LiquidationStream) {
	errs := s.Errors()
	done := ctx.Done()
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				e.saveCursor(s.Cursor())
				return
			}
			if _, err := e.HandleLiquidation(ev); err != nil {
				logger.Warn("Failed to handle liquidation %s: %v", ev.Block, err)
			}
			e.saveCursor(ev.Block.BlockNumber)
		case err := <-errs:
			logger.Warn("Liquidation stream error: %v", err)
		case <-done:
			// the stream closes its events once it observes ctx; drain what is buffered
			done, errs = nil, nil
		}
	}
}

func (e *Engine) saveCursor(block uint64) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveCursor(liquidationCursor, block); err != nil {
		logger.Warn("Failed to save liquidation cursor: %v", err)
	}
}

// HandleLiquidation emits LIQUIDATION_OCCURRED for a new event and drops the borrower
// from tracking. Replayed events are recognized and ignored; it reports whether ev was new.
func (e *Engine) HandleLiquidation(ev models.LiquidationEvent) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}

	unlock := e.locks.lock(ev.Borrower)
	defer unlock()

	if e.store != nil {
		isNew, err := e.store.RecordLiquidation(ev, e.clock.Now())
		if err != nil {
			return false, err
		}
		if !isNew {
			logger.Debug("Liquidation %s already processed", ev.Block)
			return false, nil
		}
	}

	metrics.LiquidationEvents.Inc()
	e.dispatcher.LiquidationOccurred(ev)
	e.tracker.Remove(ev.Borrower)
	metrics.TrackedPositions.Set(float64(e.tracker.Len()))
	if e.store != nil {
		if err := e.store.DeletePosition(ev.Borrower); err != nil {
			logger.Warn("Failed to delete position %s: %v", ev.Borrower, err)
		}
	}
	return true, nil
}

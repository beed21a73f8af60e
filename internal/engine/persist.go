package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/liqsentry/internal/logger"
	"github.com/rewired-gh/liqsentry/internal/metrics"
)

// restoreAlertWindow bounds how far back recent alerts are reloaded on start.
const restoreAlertWindow = 7 * 24 * time.Hour

// Checkpoint persists tracked positions and cooldown state.
func (e *Engine) Checkpoint() error {
	if e.store == nil {
		return nil
	}
	var errs []error
	if err := e.store.SavePositions(e.tracker.Positions()); err != nil {
		errs = append(errs, fmt.Errorf("failed to save positions: %w", err))
	}
	if err := e.store.SaveCooldowns(e.dispatcher.Entries()); err != nil {
		errs = append(errs, fmt.Errorf("failed to save cooldowns: %w", err))
	}
	return errors.Join(errs...)
}

// Restore reloads positions, cooldowns and recent alerts from the store.
func (e *Engine) Restore() error {
	if e.store == nil {
		return nil
	}
	positions, err := e.store.LoadPositions()
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}
	n := e.tracker.Restore(positions)
	metrics.TrackedPositions.Set(float64(e.tracker.Len()))

	entries, err := e.store.LoadCooldowns()
	if err != nil {
		return fmt.Errorf("failed to load cooldowns: %w", err)
	}
	alerts, err := e.store.AlertsSince(e.clock.Now().Add(-restoreAlertWindow))
	if err != nil {
		return fmt.Errorf("failed to load recent alerts: %w", err)
	}
	e.dispatcher.Restore(entries, alerts)

	logger.Info("Restored %d positions, %d cooldown entries and %d alerts", n, len(entries), len(alerts))
	return nil
}

// Maintain purges expired alerts and cooldown entries, then checkpoints.
func (e *Engine) Maintain(_ context.Context) error {
	now := e.clock.Now()
	pruned := e.dispatcher.Prune(now)

	var purged int64
	if e.store != nil {
		var err error
		purged, err = e.store.PurgeAlertsBefore(now.Add(-e.cfg.AlertRetention))
		if err != nil {
			return fmt.Errorf("failed to purge alerts: %w", err)
		}
	}
	logger.Debug("Maintenance: pruned %d cooldown entries, purged %d alerts", pruned, purged)
	return e.Checkpoint()
}

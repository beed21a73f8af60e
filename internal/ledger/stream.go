package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/rewired-gh/liqsentry/internal/clock"
	"github.com/rewired-gh/liqsentry/internal/logger"
	"github.com/rewired-gh/liqsentry/internal/models"
)

// Stream is a restartable feed of LiquidationCall events. It polls confirmed blocks
// from a cursor; a failed poll is reported on Errors and retried from the same cursor
// on the next tick, so no block range is skipped.
type Stream struct {
	events chan models.LiquidationEvent
	errs   chan error
	cursor atomic.Uint64
}

// Events delivers decoded liquidations in block order. Closed when the stream stops.
func (s *Stream) Events() <-chan models.LiquidationEvent { return s.events }

// Errors reports poll failures. Errors are dropped when nobody is reading.
func (s *Stream) Errors() <-chan error { return s.errs }

// Cursor is the next block the stream will scan.
func (s *Stream) Cursor() uint64 { return s.cursor.Load() }

// StreamLiquidationEvents starts polling from fromBlock until ctx is cancelled.
func (c *Client) StreamLiquidationEvents(ctx context.Context, fromBlock uint64, clk clock.Clock) *Stream {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Stream{
		events: make(chan models.LiquidationEvent, 64),
		errs:   make(chan error, 8),
	}
	s.cursor.Store(fromBlock)

	go func() {
		defer close(s.events)
		ticker := clk.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()

		for {
			if err := c.poll(ctx, s); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("Liquidation stream poll failed at block %d: %v", s.Cursor(), err)
				select {
				case s.errs <- err:
				default:
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
			}
		}
	}()
	return s
}

// poll scans every confirmed block from the cursor, chunk by chunk, advancing the
// cursor after each chunk's events have been handed off.
func (c *Client) poll(ctx context.Context, s *Stream) error {
	head, err := c.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get head block: %w", err)
	}
	if head < c.cfg.Confirmations {
		return nil
	}
	safe := head - c.cfg.Confirmations
	topic := c.abi.Events["LiquidationCall"].ID

	for from := s.Cursor(); from <= safe; {
		to := min(from+c.cfg.LogChunkSize-1, safe)
		logs, err := c.chain.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{c.pool},
			Topics:    [][]common.Hash{{topic}},
		})
		if err != nil {
			return fmt.Errorf("failed to filter LiquidationCall logs %d-%d: %w", from, to, err)
		}
		for _, l := range logs {
			if l.Removed {
				continue
			}
			ev, err := c.decodeLiquidation(l)
			if err != nil {
				if errors.Is(err, errMalformedLog) {
					logger.Warn("Skipping log %s:%d: %v", l.TxHash.Hex(), l.Index, err)
					continue
				}
				return err
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.cursor.Store(to + 1)
		from = to + 1
	}
	return nil
}

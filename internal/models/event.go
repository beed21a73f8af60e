package models

import (
	"errors"
	"fmt"
)

// BlockRef locates a log entry on chain.
type BlockRef struct {
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint   `json:"log_index"`
}

// String returns a stable identifier usable for deduplication.
func (b BlockRef) String() string {
	return fmt.Sprintf("%s:%d", b.TxHash, b.LogIndex)
}

// LiquidationEvent is a liquidation observed on the ledger after it happened.
type LiquidationEvent struct {
	Borrower         string   `json:"borrower"`
	Liquidator       string   `json:"liquidator"`
	RepayAmount      float64  `json:"repay_amount"`
	CollateralAmount float64  `json:"collateral_amount"`
	Block            BlockRef `json:"block"`
}

// Validate checks liquidation event field constraints.
func (e *LiquidationEvent) Validate() error {
	if e.Borrower == "" {
		return errors.New("borrower must not be empty")
	}
	if e.Block.TxHash == "" {
		return errors.New("tx hash must not be empty")
	}
	if e.RepayAmount < 0 || e.CollateralAmount < 0 {
		return errors.New("amounts must not be negative")
	}
	return nil
}

// LedgerPosition is a borrower's position as reported by the ledger, in the pool's base
// currency. LiquidationThreshold is the collateral/debt floor.
type LedgerPosition struct {
	CollateralValue      float64 `json:"collateral_value"`
	BorrowedValue        float64 `json:"borrowed_value"`
	LiquidationThreshold float64 `json:"liquidation_threshold"`
	Asset                string  `json:"asset"`
}

// Package ledger reads borrower positions and liquidation events from an EVM lending
// pool.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/liqsentry/internal/models"
)

// ChainReader is the subset of *ethclient.Client the ledger needs.
type ChainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config describes the pool and how to scan it.
type Config struct {
	PoolAddress   string
	StartBlock    uint64
	LogChunkSize  uint64
	Confirmations uint64
	PollInterval  time.Duration
	// DefaultLiquidationThreshold is the collateral/debt floor used when the pool reports
	// no threshold for an account.
	DefaultLiquidationThreshold float64
	// BaseDecimals is the precision of account data values (8 for USD base currency).
	BaseDecimals int32
	// AmountDecimals is the precision of liquidation event amounts.
	AmountDecimals int32
	Asset          string
}

func (c *Config) setDefaults() {
	if c.LogChunkSize == 0 {
		c.LogChunkSize = 2000
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.DefaultLiquidationThreshold <= 0 {
		c.DefaultLiquidationThreshold = 1.0
	}
	if c.BaseDecimals == 0 {
		c.BaseDecimals = 8
	}
	if c.AmountDecimals == 0 {
		c.AmountDecimals = 18
	}
}

const (
	wadDecimals = 18
	bpsDecimals = 4
)

// Client reads account data and logs of one pool.
type Client struct {
	chain ChainReader
	pool  common.Address
	abi   abi.ABI
	cfg   Config

	borrowMu   sync.Mutex
	borrowers  map[string]struct{}
	borrowNext uint64
}

// Dial connects to rpcURL and returns a client for the configured pool.
func Dial(ctx context.Context, rpcURL string, cfg Config) (*Client, *ethclient.Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	c, err := New(ec, cfg)
	if err != nil {
		ec.Close()
		return nil, nil, err
	}
	return c, ec, nil
}

// New returns a client reading through chain.
func New(chain ChainReader, cfg Config) (*Client, error) {
	if !common.IsHexAddress(cfg.PoolAddress) {
		return nil, fmt.Errorf("%w: invalid pool address %q", models.ErrInvalidInput, cfg.PoolAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(poolABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool ABI: %w", err)
	}
	cfg.setDefaults()
	return &Client{
		chain:      chain,
		pool:       common.HexToAddress(cfg.PoolAddress),
		abi:        parsed,
		cfg:        cfg,
		borrowers:  make(map[string]struct{}),
		borrowNext: cfg.StartBlock,
	}, nil
}

// AccountData is the decoded getUserAccountData result.
type AccountData struct {
	Collateral           decimal.Decimal
	Debt                 decimal.Decimal
	LiquidationThreshold decimal.Decimal // fraction of collateral, e.g. 0.825
	HealthFactor         float64         // +Inf without debt
}

// AccountData calls getUserAccountData for borrower.
func (c *Client) AccountData(ctx context.Context, borrower string) (AccountData, error) {
	if !common.IsHexAddress(borrower) {
		return AccountData{}, fmt.Errorf("%w: invalid borrower address %q", models.ErrInvalidInput, borrower)
	}
	input, err := c.abi.Pack("getUserAccountData", common.HexToAddress(borrower))
	if err != nil {
		return AccountData{}, fmt.Errorf("failed to pack call: %w", err)
	}
	out, err := c.chain.CallContract(ctx, ethereum.CallMsg{To: &c.pool, Data: input}, nil)
	if err != nil {
		return AccountData{}, fmt.Errorf("getUserAccountData(%s): %w", borrower, err)
	}
	values, err := c.abi.Unpack("getUserAccountData", out)
	if err != nil {
		return AccountData{}, fmt.Errorf("failed to decode account data: %w", err)
	}
	if len(values) != 6 {
		return AccountData{}, fmt.Errorf("unexpected account data length %d", len(values))
	}
	ints := make([]*big.Int, len(values))
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok {
			return AccountData{}, fmt.Errorf("unexpected account data field %d of type %T", i, v)
		}
		ints[i] = n
	}

	data := AccountData{
		Collateral:           decimal.NewFromBigInt(ints[0], -c.cfg.BaseDecimals),
		Debt:                 decimal.NewFromBigInt(ints[1], -c.cfg.BaseDecimals),
		LiquidationThreshold: decimal.NewFromBigInt(ints[3], -bpsDecimals),
		HealthFactor:         math.Inf(1),
	}
	if data.Debt.IsPositive() {
		data.HealthFactor = decimal.NewFromBigInt(ints[5], -wadDecimals).InexactFloat64()
	}
	return data, nil
}

// GetPosition returns the borrower's collateral and debt. The pool's liquidation
// threshold lt (a fraction of collateral) becomes the collateral/debt floor 1/lt.
func (c *Client) GetPosition(ctx context.Context, borrower string) (models.LedgerPosition, error) {
	data, err := c.AccountData(ctx, borrower)
	if err != nil {
		return models.LedgerPosition{}, err
	}
	floor := c.cfg.DefaultLiquidationThreshold
	if data.LiquidationThreshold.IsPositive() {
		floor = decimal.NewFromInt(1).Div(data.LiquidationThreshold).InexactFloat64()
	}
	return models.LedgerPosition{
		CollateralValue:      data.Collateral.InexactFloat64(),
		BorrowedValue:        data.Debt.InexactFloat64(),
		LiquidationThreshold: floor,
		Asset:                c.cfg.Asset,
	}, nil
}

// GetHealthFactor returns the pool's health factor for borrower.
func (c *Client) GetHealthFactor(ctx context.Context, borrower string) (float64, error) {
	data, err := c.AccountData(ctx, borrower)
	if err != nil {
		return 0, err
	}
	return data.HealthFactor, nil
}

// ListBorrowers returns every address that borrowed from the pool since StartBlock, in
// lexicographic order. Each call only scans blocks not seen by the previous one.
func (c *Client) ListBorrowers(ctx context.Context) ([]string, error) {
	c.borrowMu.Lock()
	defer c.borrowMu.Unlock()

	head, err := c.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get head block: %w", err)
	}
	topic := c.abi.Events["Borrow"].ID
	for from := c.borrowNext; from <= head; {
		to := min(from+c.cfg.LogChunkSize-1, head)
		logs, err := c.chain.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{c.pool},
			Topics:    [][]common.Hash{{topic}},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to filter Borrow logs %d-%d: %w", from, to, err)
		}
		for _, l := range logs {
			if len(l.Topics) < 3 {
				continue
			}
			c.borrowers[common.BytesToAddress(l.Topics[2].Bytes()).Hex()] = struct{}{}
		}
		c.borrowNext = to + 1
		from = to + 1
	}

	out := make([]string, 0, len(c.borrowers))
	for b := range c.borrowers {
		out = append(out, b)
	}
	sort.Strings(out)
	return out, nil
}

var errMalformedLog = errors.New("malformed LiquidationCall log")

func (c *Client) decodeLiquidation(l types.Log) (models.LiquidationEvent, error) {
	if len(l.Topics) < 4 {
		return models.LiquidationEvent{}, errMalformedLog
	}
	values, err := c.abi.Unpack("LiquidationCall", l.Data)
	if err != nil {
		return models.LiquidationEvent{}, fmt.Errorf("%w: %v", errMalformedLog, err)
	}
	if len(values) != 4 {
		return models.LiquidationEvent{}, errMalformedLog
	}
	debt, ok1 := values[0].(*big.Int)
	seized, ok2 := values[1].(*big.Int)
	liquidator, ok3 := values[2].(common.Address)
	if !ok1 || !ok2 || !ok3 {
		return models.LiquidationEvent{}, errMalformedLog
	}
	return models.LiquidationEvent{
		Borrower:         common.BytesToAddress(l.Topics[3].Bytes()).Hex(),
		Liquidator:       liquidator.Hex(),
		RepayAmount:      decimal.NewFromBigInt(debt, -c.cfg.AmountDecimals).InexactFloat64(),
		CollateralAmount: decimal.NewFromBigInt(seized, -c.cfg.AmountDecimals).InexactFloat64(),
		Block: models.BlockRef{
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash.Hex(),
			LogIndex:    l.Index,
		},
	}, nil
}

package ledger

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/liqsentry/internal/clock"
	"github.com/rewired-gh/liqsentry/internal/models"
)

const (
	poolHex     = "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"
	borrowerHex = "0x1111111111111111111111111111111111111111"
	otherHex    = "0x2222222222222222222222222222222222222222"
	liqHex      = "0x3333333333333333333333333333333333333333"
)

type fakeChain struct {
	mu          sync.Mutex
	head        uint64
	callOut     []byte
	callErr     error
	logs        []types.Log
	filterErr   error
	queries     []ethereum.FilterQuery
	lastCallArg []byte
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCallArg = msg.Data
	return f.callOut, f.callErr
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to && l.Topics[0] == q.Topics[0][0] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) setFilterErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterErr = err
}

func mustABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(poolABI))
	require.NoError(t, err)
	return parsed
}

func addrTopic(hex string) common.Hash {
	return common.BytesToHash(common.HexToAddress(hex).Bytes())
}

func wei(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(s)
	}
	return n
}

func accountDataOut(t *testing.T, collateral, debt, lt, hf *big.Int) []byte {
	t.Helper()
	out, err := mustABI(t).Methods["getUserAccountData"].Outputs.Pack(
		collateral, debt, big.NewInt(0), lt, big.NewInt(7500), hf)
	require.NoError(t, err)
	return out
}

func liquidationLog(t *testing.T, block uint64, index uint, borrower string) types.Log {
	t.Helper()
	ev := mustABI(t).Events["LiquidationCall"]
	data, err := ev.Inputs.NonIndexed().Pack(wei("500000000000000000000"), wei("525000000000000000000"), common.HexToAddress(liqHex), false)
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(poolHex),
		Topics:      []common.Hash{ev.ID, addrTopic(otherHex), addrTopic(otherHex), addrTopic(borrower)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		Index:       index,
	}
}

func borrowLog(t *testing.T, block uint64, onBehalfOf string) types.Log {
	t.Helper()
	ev := mustABI(t).Events["Borrow"]
	data, err := ev.Inputs.NonIndexed().Pack(common.HexToAddress(onBehalfOf), big.NewInt(1), uint8(2), big.NewInt(3))
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(poolHex),
		Topics:      []common.Hash{ev.ID, addrTopic(otherHex), addrTopic(onBehalfOf), common.BigToHash(big.NewInt(0))},
		Data:        data,
		BlockNumber: block,
	}
}

func newTestClient(t *testing.T, chain *fakeChain, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{PoolAddress: poolHex, LogChunkSize: 10, PollInterval: time.Minute, Asset: "USD"}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(chain, cfg)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadPool(t *testing.T) {
	_, err := New(&fakeChain{}, Config{PoolAddress: "pool"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestGetPosition_ConvertsBaseUnits(t *testing.T) {
	chain := &fakeChain{}
	// 1000.00 collateral, 800.00 debt (8 decimals), lt 90% and hf 1.125 WAD.
	chain.callOut = accountDataOut(t, wei("100000000000"), wei("80000000000"), big.NewInt(9000), wei("1125000000000000000"))
	c := newTestClient(t, chain, nil)

	pos, err := c.GetPosition(context.Background(), borrowerHex)
	require.NoError(t, err)
	assert.InDelta(t, 1000, pos.CollateralValue, 1e-9)
	assert.InDelta(t, 800, pos.BorrowedValue, 1e-9)
	assert.InDelta(t, 1/0.9, pos.LiquidationThreshold, 1e-9)
	assert.Equal(t, "USD", pos.Asset)

	hf, err := c.GetHealthFactor(context.Background(), borrowerHex)
	require.NoError(t, err)
	assert.InDelta(t, 1.125, hf, 1e-12)
	// Pool health factor matches collateral / (debt × floor).
	assert.InDelta(t, models.HealthFactor(pos.CollateralValue, pos.BorrowedValue, pos.LiquidationThreshold), hf, 1e-9)

	method := mustABI(t).Methods["getUserAccountData"]
	assert.True(t, bytes.HasPrefix(chain.lastCallArg, method.ID))
}

func TestGetHealthFactor_NoDebt(t *testing.T) {
	chain := &fakeChain{callOut: accountDataOut(t, wei("100000000000"), big.NewInt(0), big.NewInt(0), new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)))}
	c := newTestClient(t, chain, func(cfg *Config) { cfg.DefaultLiquidationThreshold = 1.25 })

	hf, err := c.GetHealthFactor(context.Background(), borrowerHex)
	require.NoError(t, err)
	assert.True(t, math.IsInf(hf, 1))

	pos, err := c.GetPosition(context.Background(), borrowerHex)
	require.NoError(t, err)
	assert.Equal(t, 1.25, pos.LiquidationThreshold)
}

func TestGetPosition_Errors(t *testing.T) {
	chain := &fakeChain{callErr: errors.New("rpc timeout")}
	c := newTestClient(t, chain, nil)

	_, err := c.GetPosition(context.Background(), borrowerHex)
	assert.ErrorContains(t, err, "rpc timeout")

	_, err = c.GetPosition(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestListBorrowers_Incremental(t *testing.T) {
	chain := &fakeChain{head: 25}
	chain.logs = []types.Log{borrowLog(t, 3, otherHex), borrowLog(t, 18, borrowerHex), borrowLog(t, 20, otherHex)}
	c := newTestClient(t, chain, nil)

	got, err := c.ListBorrowers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{common.HexToAddress(borrowerHex).Hex(), common.HexToAddress(otherHex).Hex()}, got)
	assert.Len(t, chain.queries, 3, "26 blocks in chunks of 10")

	chain.head = 30
	_, err = c.ListBorrowers(context.Background())
	require.NoError(t, err)
	last := chain.queries[len(chain.queries)-1]
	assert.Equal(t, uint64(26), last.FromBlock.Uint64())
	assert.Equal(t, uint64(30), last.ToBlock.Uint64())
}

func TestStreamLiquidationEvents(t *testing.T) {
	chain := &fakeChain{head: 100}
	chain.logs = []types.Log{liquidationLog(t, 10, 0, borrowerHex), liquidationLog(t, 99, 1, otherHex)}
	c := newTestClient(t, chain, func(cfg *Config) { cfg.Confirmations = 2; cfg.LogChunkSize = 50 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := c.StreamLiquidationEvents(ctx, 0, clock.NewFake(time.Unix(0, 0)))

	select {
	case ev := <-s.Events():
		assert.Equal(t, common.HexToAddress(borrowerHex).Hex(), ev.Borrower)
		assert.Equal(t, common.HexToAddress(liqHex).Hex(), ev.Liquidator)
		assert.InDelta(t, 500, ev.RepayAmount, 1e-9)
		assert.InDelta(t, 525, ev.CollateralAmount, 1e-9)
		assert.Equal(t, uint64(10), ev.Block.BlockNumber)
	case <-time.After(5 * time.Second):
		t.Fatal("no liquidation event")
	}

	// Block 99 is not yet confirmed at head 100.
	require.Eventually(t, func() bool { return s.Cursor() == 99 }, 5*time.Second, 5*time.Millisecond)
	select {
	case ev := <-s.Events():
		t.Fatalf("unconfirmed event delivered: %+v", ev)
	default:
	}
}

func TestStreamLiquidationEvents_ResumesAfterError(t *testing.T) {
	chain := &fakeChain{head: 20, filterErr: errors.New("upstream 502")}
	chain.logs = []types.Log{liquidationLog(t, 5, 0, borrowerHex)}
	c := newTestClient(t, chain, nil)
	clk := clock.NewFake(time.Unix(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := c.StreamLiquidationEvents(ctx, 0, clk)

	select {
	case err := <-s.Errors():
		assert.ErrorContains(t, err, "upstream 502")
	case <-time.After(5 * time.Second):
		t.Fatal("expected a poll error")
	}
	assert.Equal(t, uint64(0), s.Cursor())

	chain.setFilterErr(nil)
	clk.Advance(time.Minute)

	select {
	case ev := <-s.Events():
		assert.Equal(t, uint64(5), ev.Block.BlockNumber)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not resume from its cursor")
	}
}

func TestStreamLiquidationEvents_StopsOnCancel(t *testing.T) {
	c := newTestClient(t, &fakeChain{head: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s := c.StreamLiquidationEvents(ctx, 0, clock.NewFake(time.Unix(0, 0)))
	cancel()

	select {
	case _, ok := <-s.Events():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")
	}
}

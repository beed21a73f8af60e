package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/liqsentry/internal/models"
	"github.com/rewired-gh/liqsentry/internal/scenario"
)

type fakeStream struct {
	events chan models.LiquidationEvent
	errs   chan error
	cursor uint64
}

func (s *fakeStream) Events() <-chan models.LiquidationEvent { return s.events }
func (s *fakeStream) Errors() <-chan error                   { return s.errs }
func (s *fakeStream) Cursor() uint64                         { return s.cursor }

func liquidation(borrower string, block uint64) models.LiquidationEvent {
	return models.LiquidationEvent{
		Borrower:         borrower,
		Liquidator:       "0xliquidator",
		RepayAmount:      400,
		CollateralAmount: 420,
		Block:            models.BlockRef{BlockNumber: block, TxHash: "0xtx", LogIndex: uint(block)},
	}
}

func TestRiskBucket(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{0, "low"},
		{29, "low"},
		{30, "medium"},
		{69, "medium"},
		{70, "high"},
		{100, "high"},
	}
	for _, tt := range tests {
		if got := RiskBucket(tt.score); got != tt.want {
			t.Errorf("RiskBucket(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestHealthBucket(t *testing.T) {
	h := newHarness(t, 0.1, nil)
	tests := []struct {
		hf   float64
		want string
	}{
		{0.95, BucketLiquidatable},
		{1.0, BucketLiquidatable},
		{1.04, "severe"},
		{1.08, "high"},
		{1.19, "medium"},
		{1.39, "low"},
		{2.0, BucketHealthy},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, h.engine.HealthBucket(tt.hf), "hf %v", tt.hf)
	}
}

func TestHandleLiquidation(t *testing.T) {
	h := newHarness(t, 0.1, nil)
	h.ledger.set("0xjack", 936, 1000)
	_, err := h.engine.CheckBorrower(context.Background(), "0xjack")
	require.NoError(t, err)

	isNew, err := h.engine.HandleLiquidation(liquidation("0xjack", 120))
	require.NoError(t, err)
	assert.True(t, isNew)

	got := h.queue.ofType(models.AlertLiquidationOccurred)
	require.Len(t, got, 1)
	assert.Equal(t, models.SeverityCritical, got[0].Severity)
	assert.Equal(t, 1.0, got[0].LiquidationProbability)

	_, err = h.engine.GetUserRiskSummary(context.Background(), "0xjack")
	assert.True(t, IsNotFound(err))
	assert.Empty(t, h.disp.States("0xjack"))

	isNew, err = h.engine.HandleLiquidation(liquidation("0xjack", 120))
	require.NoError(t, err)
	assert.False(t, isNew, "replayed event is ignored")
	assert.Len(t, h.queue.ofType(models.AlertLiquidationOccurred), 1)

	_, err = h.engine.HandleLiquidation(models.LiquidationEvent{Borrower: "0xjack"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestConsumeLiquidations_PersistsCursor(t *testing.T) {
	h := newHarness(t, 0.1, func(c *Config) { c.StartBlock = 100 })
	assert.Equal(t, uint64(100), h.engine.LiquidationStartBlock())

	s := &fakeStream{events: make(chan models.LiquidationEvent, 4), errs: make(chan error, 1), cursor: 151}
	s.events <- liquidation("0xkim", 120)
	s.events <- liquidation("0xlee", 150)
	s.errs <- assert.AnError
	close(s.events)

	done := make(chan struct{})
	go func() {
		h.engine.ConsumeLiquidations(context.Background(), s)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not return after the stream closed")
	}

	assert.Len(t, h.queue.ofType(models.AlertLiquidationOccurred), 2)
	assert.Equal(t, uint64(151), h.engine.LiquidationStartBlock())
	n, err := h.store.CountLiquidations()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGetUserRiskSummary(t *testing.T) {
	h := newHarness(t, 0.1, nil)
	h.ledger.set("0xmia", 936, 1000)
	h.risk.scores["0xmia"] = 80

	for i := 0; i < 3; i++ {
		_, err := h.engine.CheckBorrower(context.Background(), "0xmia")
		require.NoError(t, err)
		h.clock.Advance(time.Hour)
	}

	sum, err := h.engine.GetUserRiskSummary(context.Background(), "0xmia")
	require.NoError(t, err)
	assert.Equal(t, "severe", sum.HealthBucket)
	assert.Equal(t, "high", sum.RiskBucket)
	assert.Equal(t, models.TrendStable, sum.Trend)
	assert.Len(t, sum.Position.History, 3)
	require.NotNil(t, sum.Forecast)
	assert.Equal(t, scenario.Normal, sum.Forecast.Scenario)
	assert.NotEmpty(t, sum.RecentAlerts)
	assert.NotEmpty(t, sum.AlertStates)
	assert.Equal(t, QualityStale, sum.DataQuality, "market was last updated three hours ago")

	_, err = h.engine.GetUserRiskSummary(context.Background(), "0xnobody")
	assert.True(t, IsNotFound(err))
}

func TestGetSystemHealthOverview(t *testing.T) {
	h := newHarness(t, 0.1, nil)
	h.ledger.set("0xa", 936, 1000)  // 1.04 severe
	h.ledger.set("0xb", 1000, 800)  // 1.389 low
	h.ledger.set("0xc", 2000, 1000) // 2.22 healthy
	h.risk.scores["0xa"] = 90
	h.risk.scores["0xb"] = 40

	for _, id := range []string{"0xa", "0xb", "0xc"} {
		_, err := h.engine.CheckBorrower(context.Background(), id)
		require.NoError(t, err)
	}

	ov := h.engine.GetSystemHealthOverview(context.Background())
	assert.Equal(t, 3, ov.TrackedPositions)
	assert.Equal(t, map[string]int{"high": 1, "medium": 1, "low": 1}, ov.ByRiskBucket)
	assert.Equal(t, map[string]int{"severe": 1, "low": 1, BucketHealthy: 1}, ov.ByHealthBucket)
	assert.InDelta(t, 3936.0, ov.TotalCollateral, 1e-9)
	assert.InDelta(t, 2800.0, ov.TotalDebt, 1e-9)
	assert.InDelta(t, 3936.0/(2800*0.9), ov.AggregateHealthFactor, 1e-9)
	assert.GreaterOrEqual(t, ov.ActiveAlerts["critical"], 1)
	require.Len(t, ov.Markets, 1)
	assert.False(t, ov.Markets[0].Stale)
	assert.Equal(t, QualityComplete, ov.DataQuality)
}

func TestRunStressTest_Deterministic(t *testing.T) {
	h := newHarness(t, 1.0, nil)
	req := StressRequest{CollateralRatio: 1.3, LoanAmount: 1000, Asset: "eth", LiquidationThreshold: 0.9}

	a, err := h.engine.RunStressTest(context.Background(), req)
	require.NoError(t, err)
	b, err := h.engine.RunStressTest(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "ETH", a.Asset)
	assert.Len(t, a.Outcomes, len(scenario.BuiltinNames()))
	assert.Equal(t, a.Outcomes, b.Outcomes)
	assert.Equal(t, a.RecommendedMinRatio, b.RecommendedMinRatio)
	assert.NotEqual(t, a.ID, b.ID)

	require.True(t, a.TargetReachable)
	assert.GreaterOrEqual(t, a.RecommendedMinRatio, 0.9)
	assert.LessOrEqual(t, a.RecommendedMinRatio, 5.0)

	// at the recommendation the worst case meets the target, one grid step below it does not
	at, err := h.engine.RunStressTest(context.Background(), StressRequest{
		CollateralRatio: a.RecommendedMinRatio, LoanAmount: 1000, LiquidationThreshold: 0.9,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, at.WorstProbability, a.TargetProbability)
	if a.RecommendedMinRatio > 0.9 {
		below, err := h.engine.RunStressTest(context.Background(), StressRequest{
			CollateralRatio: a.RecommendedMinRatio - 0.05, LoanAmount: 1000, LiquidationThreshold: 0.9,
		})
		require.NoError(t, err)
		assert.Greater(t, below.WorstProbability, a.TargetProbability)
	}
}

func TestRunStressTest_CustomScenarioAndFallbacks(t *testing.T) {
	h := newHarness(t, 1.0, func(c *Config) { c.NumPaths = 500 })
	crash := models.Scenario{Name: "flash_crash", MeanDailyReturn: -0.6, DailyReturnStdDev: 0.05, VolatilityMultiplier: 1, DurationDays: 3}

	rep, err := h.engine.RunStressTest(context.Background(), StressRequest{
		CollateralRatio: 1.5, LoanAmount: 100, Asset: "DOGE",
		Scenarios:       []string{scenario.Normal},
		CustomScenarios: []models.Scenario{crash},
	})
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 2)
	assert.Equal(t, "flash_crash", rep.WorstCase)
	assert.Equal(t, QualityPartial, rep.DataQuality)
	assert.NotEmpty(t, rep.Notes)
	assert.Equal(t, 0.8, rep.Volatility)

	_, err = h.engine.scenarios.Get("flash_crash")
	assert.NoError(t, err, "custom scenarios are registered in the library")
}

func TestRunStressTest_Errors(t *testing.T) {
	h := newHarness(t, 1.0, func(c *Config) { c.NumPaths = 100 })

	_, err := h.engine.RunStressTest(context.Background(), StressRequest{BorrowerID: "0xghost"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.engine.RunStressTest(context.Background(), StressRequest{CollateralRatio: 1.5})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = h.engine.RunStressTest(context.Background(), StressRequest{CollateralRatio: 1.5, LoanAmount: 10, Scenarios: []string{"sideways"}})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = h.engine.RunStressTest(context.Background(), StressRequest{
		CollateralRatio: 1.5, LoanAmount: 10,
		CustomScenarios: []models.Scenario{{Name: scenario.Bear, DailyReturnStdDev: 0.1, VolatilityMultiplier: 1, DurationDays: 5}},
	})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	rep, err := h.engine.RunStressTest(context.Background(), StressRequest{BorrowerID: "0xghost", CollateralRatio: 2, LoanAmount: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, rep.Notes)
}

func TestKeyedMutex_Serializes(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.lock("a")
	acquired := make(chan struct{})
	go func() {
		u := k.lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	other := k.lock("b")
	other()

	unlock()
	<-acquired
	require.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}

package simulation

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/liqsentry/internal/models"
)

func testParams(collateral, borrowed float64) Params {
	return Params{
		Position: models.Snapshot{
			CollateralValue:      collateral,
			BorrowedValue:        borrowed,
			LiquidationThreshold: 0.9,
			CheckedAt:            time.Unix(1700000000, 0),
		},
		Market: models.MarketState{Asset: "ETH", CurrentPrice: 2000, CurrentVolatility: 1.0},
		Scenario: models.Scenario{
			Name:                 "bear",
			MeanDailyReturn:      -0.15,
			DailyReturnStdDev:    0.03,
			VolatilityMultiplier: 1.3,
			DurationDays:         30,
		},
		NumPaths: 2000,
		NumDays:  7,
	}
}

func TestSimulate_Deterministic(t *testing.T) {
	p := testParams(1000, 800)
	p.SamplePaths = 3

	first, err := Simulate(p, NewRand(42))
	require.NoError(t, err)
	second, err := Simulate(p, NewRand(42))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first.SamplePaths, 3)
	assert.Len(t, first.SamplePaths[0], 7)
}

func TestSimulate_DifferentSeedsDiffer(t *testing.T) {
	p := testParams(1000, 800)
	a, err := Simulate(p, NewRand(1))
	require.NoError(t, err)
	b, err := Simulate(p, NewRand(2))
	require.NoError(t, err)
	assert.NotEqual(t, a.MeanMinRatio, b.MeanMinRatio)
}

func TestSimulate_ProbabilityBounds(t *testing.T) {
	for _, borrowed := range []float64{400, 700, 800, 850, 900, 1050} {
		p := testParams(1000, borrowed)
		res, err := Simulate(p, NewRand(7))
		require.NoError(t, err)

		assert.GreaterOrEqual(t, res.LiquidationProbability, 0.0)
		assert.LessOrEqual(t, res.LiquidationProbability, 1.0)
		require.Len(t, res.DailyLiquidationProbability, 7)
		require.Len(t, res.CumulativeLiquidationProbability, 7)

		prev := 0.0
		for d, c := range res.CumulativeLiquidationProbability {
			assert.GreaterOrEqual(t, c, prev, "cumulative decreased on day %d", d)
			prev = c
		}
		last := res.CumulativeLiquidationProbability[len(res.CumulativeLiquidationProbability)-1]
		for _, daily := range res.DailyLiquidationProbability {
			assert.GreaterOrEqual(t, daily, 0.0)
			assert.GreaterOrEqual(t, last, daily)
		}
		assert.InDelta(t, res.LiquidationProbability, last, 1e-12)
	}
}

func TestSimulate_PercentilesSortedAndNonDecreasing(t *testing.T) {
	res, err := Simulate(testParams(1000, 800), NewRand(3))
	require.NoError(t, err)
	require.Len(t, res.MinRatioPercentiles, len(models.Percentiles))

	for i := 1; i < len(res.MinRatioPercentiles); i++ {
		prev, cur := res.MinRatioPercentiles[i-1], res.MinRatioPercentiles[i]
		assert.Less(t, prev.Percentile, cur.Percentile)
		assert.LessOrEqual(t, prev.Ratio, cur.Ratio)
	}
	p99, ok := res.Percentile(99)
	require.True(t, ok)
	assert.LessOrEqual(t, p99, res.StartRatio)
	for _, v := range res.MinRatioPercentiles {
		assert.GreaterOrEqual(t, v.Ratio, 0.0)
	}
}

func TestSimulate_ThresholdMonotonicity(t *testing.T) {
	// Same seed means identical price paths, so the weaker position crosses whenever the
	// stronger one does.
	weaker := testParams(1000, 850)
	stronger := testParams(1000, 750)

	w, err := Simulate(weaker, NewRand(11))
	require.NoError(t, err)
	s, err := Simulate(stronger, NewRand(11))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, w.LiquidationProbability, s.LiquidationProbability)
	assert.Greater(t, w.LiquidationProbability, 0.0)
}

func TestSimulate_AlreadyLiquidatableSkipsSampling(t *testing.T) {
	p := testParams(850, 1000) // ratio 0.85 <= 0.9
	rng := NewRand(99)

	res, err := Simulate(p, rng)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.LiquidationProbability)
	assert.True(t, res.Degenerate)
	assert.Equal(t, 1.0, res.CumulativeLiquidationProbability[6])
	assert.Equal(t, 1.0, res.DailyLiquidationProbability[0])

	fresh := NewRand(99)
	assert.Equal(t, fresh.Uint64(), rng.Uint64(), "generator was consumed")
}

func TestSimulate_DegenerateVolatility(t *testing.T) {
	p := testParams(1000, 800)
	p.Market.CurrentVolatility = 0

	res, err := Simulate(p, NewRand(5))
	require.NoError(t, err)
	assert.True(t, res.Degenerate)
	assert.Equal(t, 0.0, res.LiquidationProbability)
	for _, c := range res.CumulativeLiquidationProbability {
		assert.Equal(t, 0.0, c)
	}
}

func TestSimulate_NoDebt(t *testing.T) {
	res, err := Simulate(testParams(1000, 0), NewRand(5))
	require.NoError(t, err)
	assert.True(t, res.Degenerate)
	assert.Equal(t, 0.0, res.LiquidationProbability)
}

func TestSimulate_ScenarioDurationFallback(t *testing.T) {
	p := testParams(1000, 800)
	p.NumDays = 0
	p.NumPaths = 10
	res, err := Simulate(p, NewRand(1))
	require.NoError(t, err)
	assert.Equal(t, 30, res.NumDays)
	assert.Len(t, res.DailyLiquidationProbability, 30)
}

func TestSimulate_InvalidInput(t *testing.T) {
	cases := map[string]func(*Params){
		"zero paths":     func(p *Params) { p.NumPaths = 0 },
		"zero threshold": func(p *Params) { p.Position.LiquidationThreshold = 0 },
		"no horizon": func(p *Params) {
			p.NumDays = 0
			p.Scenario.DurationDays = 0
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := testParams(1000, 800)
			mutate(&p)
			_, err := Simulate(p, NewRand(1))
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrInvalidInput))
		})
	}

	_, err := Simulate(testParams(1000, 800), nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestSimulate_MedianDaysWithinHorizon(t *testing.T) {
	res, err := Simulate(testParams(1000, 870), NewRand(21))
	require.NoError(t, err)
	require.Greater(t, res.LiquidationProbability, 0.0)
	assert.GreaterOrEqual(t, res.MedianDaysToLiquidation, 1)
	assert.LessOrEqual(t, res.MedianDaysToLiquidation, 7)
}

func TestPercentile_LinearInterpolation(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1},
		{10, 1.4},
		{25, 2},
		{50, 3},
		{90, 4.6},
		{100, 5},
	}
	for _, tt := range tests {
		if got := Percentile(data, tt.p); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if !math.IsNaN(Percentile(nil, 50)) {
		t.Error("expected NaN for empty input")
	}
	if got := Percentile([]float64{7}, 75); got != 7 {
		t.Errorf("single element percentile = %v, want 7", got)
	}
}

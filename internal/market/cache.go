// Package market caches per-asset price and volatility. Writers build a new snapshot and
// publish it atomically, so readers never lock and never see a half-applied refresh.
package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rewired-gh/liqsentry/internal/clock"
	"github.com/rewired-gh/liqsentry/internal/logger"
	"github.com/rewired-gh/liqsentry/internal/models"
)

// PriceProvider is the upstream price/volatility feed.
type PriceProvider interface {
	GetCurrentPrice(ctx context.Context, asset string) (float64, error)
	GetVolatility(ctx context.Context, asset string) (float64, error)
}

const secondsPerYear = 365 * 24 * 60 * 60

type snapshot map[string]models.MarketState

// Cache is the Market State Cache.
type Cache struct {
	current  atomic.Pointer[snapshot]
	writeMu  sync.Mutex
	provider PriceProvider
	clock    clock.Clock
	window   time.Duration
}

// NewCache creates an empty cache retaining history for window.
func NewCache(provider PriceProvider, clk clock.Clock, window time.Duration) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	c := &Cache{provider: provider, clock: clk, window: window}
	empty := snapshot{}
	c.current.Store(&empty)
	return c
}

// Get returns the cached state of asset.
func (c *Cache) Get(asset string) (models.MarketState, bool) {
	s := *c.current.Load()
	state, ok := s[asset]
	return state, ok
}

// Assets lists cached assets in lexicographic order.
func (c *Cache) Assets() []string {
	s := *c.current.Load()
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// IsStale reports whether asset is missing or older than maxAge.
func (c *Cache) IsStale(asset string, maxAge time.Duration) bool {
	state, ok := c.Get(asset)
	if !ok {
		return true
	}
	return c.clock.Now().Sub(state.LastUpdatedAt) > maxAge
}

// Put publishes a state for one asset as given, replacing any previous entry.
func (c *Cache) Put(state models.MarketState) error {
	if state.Asset == "" {
		return fmt.Errorf("%w: asset must not be empty", models.ErrInvalidInput)
	}
	if state.CurrentVolatility < 0 || math.IsNaN(state.CurrentVolatility) {
		return fmt.Errorf("%w: volatility must not be negative", models.ErrInvalidInput)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	next := c.copyCurrent()
	next[state.Asset] = state
	c.current.Store(&next)
	return nil
}

// RefreshReport summarizes one refresh pass.
type RefreshReport struct {
	Updated []string
	Failed  map[string]error
}

type fetched struct {
	price  float64
	vol    float64
	volErr error
}

// Refresh pulls price and volatility for every asset and publishes the result in one
// swap. An asset whose price cannot be fetched keeps its previous state. When only the
// volatility call fails, realized volatility over the cached price window is used, and
// failing that the previous volatility.
func (c *Cache) Refresh(ctx context.Context, assets []string) RefreshReport {
	report := RefreshReport{Failed: make(map[string]error)}
	results := make(map[string]fetched, len(assets))

	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			report.Failed[asset] = err
			continue
		}
		price, err := c.provider.GetCurrentPrice(ctx, asset)
		if err == nil && (price <= 0 || math.IsNaN(price) || math.IsInf(price, 0)) {
			err = fmt.Errorf("invalid price %v", price)
		}
		if err != nil {
			logger.Warn("Price refresh failed for %s: %v", asset, err)
			report.Failed[asset] = err
			continue
		}
		vol, volErr := c.provider.GetVolatility(ctx, asset)
		if volErr == nil && (vol < 0 || math.IsNaN(vol) || math.IsInf(vol, 0)) {
			volErr = fmt.Errorf("invalid volatility %v", vol)
		}
		if volErr != nil {
			logger.Warn("Volatility refresh failed for %s: %v", asset, volErr)
		}
		results[asset] = fetched{price: price, vol: vol, volErr: volErr}
	}

	if len(results) == 0 {
		return report
	}

	now := c.clock.Now()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	next := c.copyCurrent()
	for _, asset := range assets {
		f, ok := results[asset]
		if !ok {
			continue
		}
		prev := next[asset]
		state := models.MarketState{
			Asset:         asset,
			CurrentPrice:  f.price,
			PriceHistory:  c.appendWindow(prev.PriceHistory, models.PricePoint{Value: f.price, At: now}, now),
			LastUpdatedAt: now,
		}

		switch {
		case f.volErr == nil:
			state.CurrentVolatility = f.vol
		default:
			if rv, err := RealizedVolatility(state.PriceHistory); err == nil {
				state.CurrentVolatility = rv
				logger.Debug("Using realized volatility %.4f for %s", rv, asset)
			} else {
				state.CurrentVolatility = prev.CurrentVolatility
			}
		}
		state.VolatilityHistory = c.appendWindow(prev.VolatilityHistory, models.PricePoint{Value: state.CurrentVolatility, At: now}, now)

		next[asset] = state
		report.Updated = append(report.Updated, asset)
	}
	c.current.Store(&next)
	return report
}

func (c *Cache) copyCurrent() snapshot {
	cur := *c.current.Load()
	next := make(snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// appendWindow returns a new slice holding the points of prev still inside the window
// plus p. prev is never modified.
func (c *Cache) appendWindow(prev []models.PricePoint, p models.PricePoint, now time.Time) []models.PricePoint {
	cutoff := now.Add(-c.window)
	out := make([]models.PricePoint, 0, len(prev)+1)
	for _, old := range prev {
		if !old.At.Before(cutoff) {
			out = append(out, old)
		}
	}
	return append(out, p)
}

// ErrInsufficientHistory is returned when a window is too short to estimate volatility.
var ErrInsufficientHistory = errors.New("insufficient price history")

// RealizedVolatility annualizes the standard deviation of log returns over points, using
// the mean sampling interval as the period length. At least three points are required.
func RealizedVolatility(points []models.PricePoint) (float64, error) {
	if len(points) < 3 {
		return 0, ErrInsufficientHistory
	}
	var rets welford
	var spacing float64
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		if prev.Value <= 0 || cur.Value <= 0 {
			continue
		}
		dt := cur.At.Sub(prev.At).Seconds()
		if dt <= 0 {
			continue
		}
		rets.add(math.Log(cur.Value / prev.Value))
		spacing += dt
	}
	if rets.n < 2 {
		return 0, ErrInsufficientHistory
	}
	spacing /= float64(rets.n)
	stdev := rets.stdev()
	return stdev * math.Sqrt(secondsPerYear/spacing), nil
}

// Package tracker owns the per-borrower Position state: latest snapshot, a bounded
// history ring and the derived trend.
package tracker

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rewired-gh/liqsentry/internal/models"
)

// DefaultHistorySize is the ring capacity used when none is configured.
const DefaultHistorySize = 48

// stableSlope is the health factor change per day under which a trend counts as stable.
const stableSlope = 0.01

// Outcome reports what Update did with a snapshot.
type Outcome int

const (
	// Tracked means the snapshot was recorded.
	Tracked Outcome = iota
	// Evicted means the borrower has no debt left and was dropped from tracking.
	Evicted
)

func (o Outcome) String() string {
	if o == Evicted {
		return "evicted"
	}
	return "tracked"
}

type entry struct {
	mu      sync.Mutex
	pos     models.Position
	history *ring
}

// Tracker is safe for concurrent use. Updates to one borrower are serialized; updates
// to different borrowers proceed independently.
type Tracker struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	capacity int
}

// New creates a tracker keeping at most capacity snapshots per borrower.
func New(capacity int) *Tracker {
	if capacity < 1 {
		capacity = DefaultHistorySize
	}
	return &Tracker{entries: make(map[string]*entry), capacity: capacity}
}

func (t *Tracker) getOrCreate(borrowerID string) *entry {
	t.mu.RLock()
	e, ok := t.entries[borrowerID]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[borrowerID]; ok {
		return e
	}
	e = &entry{history: newRing(t.capacity), pos: models.Position{BorrowerID: borrowerID, Trend: models.TrendUnknown}}
	t.entries[borrowerID] = e
	return e
}

// Update records snap for borrowerID and returns the resulting position. A snapshot
// without debt evicts the borrower. A snapshot older than the newest recorded one is
// rejected with models.ErrInvalidInput so history stays time ordered.
func (t *Tracker) Update(borrowerID string, snap models.Snapshot) (models.Position, Outcome, error) {
	if borrowerID == "" {
		return models.Position{}, Tracked, fmt.Errorf("%w: empty borrower id", models.ErrInvalidInput)
	}
	if err := snap.Validate(); err != nil {
		return models.Position{}, Tracked, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if snap.HealthFactor == 0 {
		snap.HealthFactor = models.HealthFactor(snap.CollateralValue, snap.BorrowedValue, snap.LiquidationThreshold)
	}

	if !snap.HasDebt() {
		t.Remove(borrowerID)
		return models.Position{BorrowerID: borrowerID, Latest: snap, LastCheckedAt: snap.CheckedAt, Trend: models.TrendUnknown}, Evicted, nil
	}

	e := t.getOrCreate(borrowerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.history.last(); ok {
		if snap.CheckedAt.Before(last.CheckedAt) {
			return models.Position{}, Tracked, fmt.Errorf("%w: snapshot at %s is older than %s",
				models.ErrInvalidInput, snap.CheckedAt, last.CheckedAt)
		}
		e.pos.HealthFactorDelta = delta(last.HealthFactor, snap.HealthFactor)
	} else {
		e.pos.HealthFactorDelta = 0
	}

	e.history.push(snap)
	e.pos.Latest = snap
	e.pos.LastCheckedAt = snap.CheckedAt
	e.pos.History = e.history.items()
	e.pos.Trend = Trend(e.pos.History)

	return clonePosition(e.pos), Tracked, nil
}

func delta(prev, cur float64) float64 {
	d := cur - prev
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	return d
}

// Get returns the tracked position or models.ErrNotFound.
func (t *Tracker) Get(borrowerID string) (models.Position, error) {
	t.mu.RLock()
	e, ok := t.entries[borrowerID]
	t.mu.RUnlock()
	if !ok {
		return models.Position{}, fmt.Errorf("borrower %s: %w", borrowerID, models.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.history.len() == 0 {
		return models.Position{}, fmt.Errorf("borrower %s: %w", borrowerID, models.ErrNotFound)
	}
	return clonePosition(e.pos), nil
}

// Remove drops a borrower from active tracking and reports whether it was tracked.
func (t *Tracker) Remove(borrowerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[borrowerID]
	delete(t.entries, borrowerID)
	return ok
}

// Borrowers lists tracked borrower ids in lexicographic order.
func (t *Tracker) Borrowers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of tracked borrowers.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Risky lists borrowers whose latest health factor is below the given value.
func (t *Tracker) Risky(below float64) []string {
	var out []string
	for _, p := range t.Positions() {
		if p.Latest.HealthFactor < below {
			out = append(out, p.BorrowerID)
		}
	}
	return out
}

// Positions returns a copy of every tracked position ordered by borrower id.
func (t *Tracker) Positions() []models.Position {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]models.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.history.len() > 0 {
			out = append(out, clonePosition(e.pos))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BorrowerID < out[j].BorrowerID })
	return out
}

// Restore loads persisted positions, keeping at most the newest capacity snapshots of
// each history. Existing entries for the same borrower are replaced.
func (t *Tracker) Restore(positions []models.Position) int {
	restored := 0
	for _, p := range positions {
		if p.BorrowerID == "" || !p.Latest.HasDebt() {
			continue
		}
		history := p.History
		if len(history) == 0 {
			history = []models.Snapshot{p.Latest}
		}
		sort.SliceStable(history, func(i, j int) bool { return history[i].CheckedAt.Before(history[j].CheckedAt) })

		e := &entry{history: newRing(t.capacity)}
		for _, s := range history {
			e.history.push(s)
		}
		e.pos = p
		e.pos.History = e.history.items()
		e.pos.Trend = Trend(e.pos.History)
		if e.pos.LastCheckedAt.IsZero() {
			e.pos.LastCheckedAt = p.Latest.CheckedAt
		}

		t.mu.Lock()
		t.entries[p.BorrowerID] = e
		t.mu.Unlock()
		restored++
	}
	return restored
}

func clonePosition(p models.Position) models.Position {
	p.History = append([]models.Snapshot(nil), p.History...)
	return p
}

// Trend fits a least-squares line through health factor over time (in days) and
// classifies its slope. Fewer than three finite points give TrendUnknown.
func Trend(history []models.Snapshot) models.Trend {
	var xs, ys []float64
	if len(history) == 0 {
		return models.TrendUnknown
	}
	origin := history[0].CheckedAt
	for _, s := range history {
		if math.IsInf(s.HealthFactor, 0) || math.IsNaN(s.HealthFactor) {
			continue
		}
		xs = append(xs, s.CheckedAt.Sub(origin).Hours()/24)
		ys = append(ys, s.HealthFactor)
	}
	if len(xs) < 3 {
		return models.TrendUnknown
	}

	n := float64(len(xs))
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return models.TrendUnknown
	}
	slope := (n*sxy - sx*sy) / den

	switch {
	case slope > stableSlope:
		return models.TrendImproving
	case slope < -stableSlope:
		return models.TrendDeteriorating
	default:
		return models.TrendStable
	}
}

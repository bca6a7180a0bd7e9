package monitor

import (
	"sort"
	"sync"

	"github.com/rewired-gh/kalshibot/internal/models"
)

// RankByActivity returns a copy of markets sorted by volume descending, ties
// broken by ticker ascending. The result is identical for any permutation of
// the input.
func RankByActivity(markets []models.Market) []models.Market {
	ranked := make([]models.Market, len(markets))
	copy(ranked, markets)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Volume != b.Volume {
			return a.Volume > b.Volume
		}
		if a.Ticker != b.Ticker {
			return a.Ticker < b.Ticker
		}
		// Duplicate tickers only appear in malformed snapshots.
		if a.YesPriceCents != b.YesPriceCents {
			return a.YesPriceCents < b.YesPriceCents
		}
		return a.Title < b.Title
	})
	return ranked
}

// Index maps markets by ticker. Later duplicates win.
func Index(markets []models.Market) map[string]models.Market {
	idx := make(map[string]models.Market, len(markets))
	for _, m := range markets {
		idx[m.Ticker] = m
	}
	return idx
}

// ComputeDeltas pairs each current market with its YES price change against
// previous. Tickers absent from previous are omitted.
func ComputeDeltas(previous map[string]models.Market, current []models.Market) []models.Mover {
	movers := make([]models.Mover, 0, len(current))
	for _, m := range current {
		prev, ok := previous[m.Ticker]
		if !ok {
			continue
		}
		movers = append(movers, models.Mover{
			Market:     m,
			DeltaCents: m.YesPriceCents - prev.YesPriceCents,
		})
	}
	return movers
}

// TopMovers returns the k movers with the largest absolute delta, ties broken
// by ticker ascending. k <= 0 returns all movers in ranked order.
func TopMovers(movers []models.Mover, k int) []models.Mover {
	ranked := make([]models.Mover, len(movers))
	copy(ranked, movers)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		da, db := abs(a.DeltaCents), abs(b.DeltaCents)
		if da != db {
			return da > db
		}
		if a.Market.Ticker != b.Market.Ticker {
			return a.Market.Ticker < b.Market.Ticker
		}
		if a.DeltaCents != b.DeltaCents {
			return a.DeltaCents > b.DeltaCents
		}
		return a.Market.YesPriceCents < b.Market.YesPriceCents
	})
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Detector remembers the latest snapshot so movers can be computed against
// the previous tick without storing price history.
type Detector struct {
	mu       sync.RWMutex
	snapshot []models.Market
	movers   []models.Mover
}

// NewDetector creates a Detector with no memory.
func NewDetector() *Detector {
	return &Detector{}
}

// Observe records a new snapshot and returns the movers since the previous one.
// The first observation yields no movers.
func (d *Detector) Observe(markets []models.Market) []models.Mover {
	d.mu.Lock()
	defer d.mu.Unlock()

	var movers []models.Mover
	if d.snapshot != nil {
		movers = TopMovers(ComputeDeltas(Index(d.snapshot), markets), 0)
	}

	d.snapshot = make([]models.Market, len(markets))
	copy(d.snapshot, markets)
	d.movers = movers
	return movers
}

// Movers returns up to k movers from the last observation, excluding markets
// whose price did not change.
func (d *Detector) Movers(k int) []models.Mover {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []models.Mover
	for _, mv := range d.movers {
		if mv.DeltaCents == 0 {
			continue
		}
		out = append(out, mv)
		if k > 0 && len(out) == k {
			break
		}
	}
	return out
}

// Snapshot returns a copy of the last observed snapshot, or nil before the
// first tick.
func (d *Detector) Snapshot() []models.Market {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.snapshot == nil {
		return nil
	}
	out := make([]models.Market, len(d.snapshot))
	copy(out, d.snapshot)
	return out
}

// Ready reports whether at least two snapshots have been observed.
func (d *Detector) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.movers != nil
}

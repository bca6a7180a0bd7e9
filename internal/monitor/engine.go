// Package monitor detects market activity and watchlist threshold crossings.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/kalshibot/internal/logger"
	"github.com/rewired-gh/kalshibot/internal/models"
)

// MarketSource fetches the current snapshot of open markets.
type MarketSource interface {
	FetchOpenMarkets(ctx context.Context) ([]models.Market, error)
}

// WatchSource lists every guild's watch entries.
type WatchSource interface {
	AllWatches() (map[int64][]models.WatchEntry, error)
}

// State is the alert condition of one (guild, ticker) pair as of the last tick.
type State int

const (
	// Unsatisfied: the YES price is above the threshold, or the pair is new.
	Unsatisfied State = iota
	// Satisfied: the YES price is at or below the threshold and the alert
	// for this crossing has been emitted.
	Satisfied
)

func (s State) String() string {
	if s == Satisfied {
		return "satisfied"
	}
	return "unsatisfied"
}

type stateKey struct {
	guildID int64
	ticker  string
}

// Engine evaluates watch thresholds on every tick and emits edge-triggered
// alerts. Alert state lives in memory only.
type Engine struct {
	markets  MarketSource
	watches  WatchSource
	detector *Detector

	mu     sync.Mutex
	states map[stateKey]State
	now    func() time.Time
}

// NewEngine creates an Engine. detector may be nil.
func NewEngine(markets MarketSource, watches WatchSource, detector *Detector) *Engine {
	return &Engine{
		markets:  markets,
		watches:  watches,
		detector: detector,
		states:   make(map[stateKey]State),
		now:      time.Now,
	}
}

// Tick fetches a snapshot and returns the alerts for thresholds newly crossed.
// A fetch or watchlist failure aborts the tick with no alerts and no state change.
func (e *Engine) Tick(ctx context.Context) ([]models.Alert, error) {
	markets, err := e.markets.FetchOpenMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch markets: %w", err)
	}
	logger.Debug("Fetched %d open markets", len(markets))

	e.mu.Lock()
	defer e.mu.Unlock()

	all, err := e.watches.AllWatches()
	if err != nil {
		return nil, fmt.Errorf("failed to load watches: %w", err)
	}

	if e.detector != nil {
		movers := e.detector.Observe(markets)
		logger.Debug("Recorded snapshot with %d comparable markets", len(movers))
	}

	idx := Index(markets)
	live := make(map[stateKey]bool)
	var alerts []models.Alert
	missing := 0

	for guildID, entries := range all {
		for _, entry := range entries {
			if !entry.HasThreshold() {
				continue
			}
			key := stateKey{guildID: guildID, ticker: entry.Ticker}
			live[key] = true

			m, ok := idx[entry.Ticker]
			if !ok {
				missing++
				continue
			}

			threshold := *entry.ThresholdCents
			next := Unsatisfied
			if m.YesPriceCents <= threshold {
				next = Satisfied
			}
			prev := e.states[key]
			e.states[key] = next

			if prev == Unsatisfied && next == Satisfied {
				alerts = append(alerts, models.Alert{
					ID:             uuid.NewString(),
					GuildID:        guildID,
					Ticker:         m.Ticker,
					Title:          m.Title,
					PriceCents:     m.YesPriceCents,
					ThresholdCents: threshold,
					DetectedAt:     e.now(),
				})
			} else if prev != next {
				logger.Debug("Guild %d %s reset: %d¢ above threshold %d¢", guildID, entry.Ticker, m.YesPriceCents, threshold)
			}
		}
	}

	// Drop state for entries that were unwatched or lost their threshold.
	for key := range e.states {
		if !live[key] {
			delete(e.states, key)
		}
	}

	if missing > 0 {
		logger.Debug("%d watched tickers missing from snapshot; state left unchanged", missing)
	}

	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].GuildID != alerts[j].GuildID {
			return alerts[i].GuildID < alerts[j].GuildID
		}
		return alerts[i].Ticker < alerts[j].Ticker
	})
	return alerts, nil
}

// Forget deletes the alert state of one (guild, ticker) pair so the next tick
// treats it as fresh.
func (e *Engine) Forget(guildID int64, ticker string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, stateKey{guildID: guildID, ticker: models.NormalizeTicker(ticker)})
}

// Reset runs edit, typically a watchlist write, and then deletes the alert
// state of the pair, all while holding the tick lock. A concurrent Tick sees
// either neither change or both. The state is cleared even if edit fails
// part way.
func (e *Engine) Reset(guildID int64, ticker string, edit func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := edit()
	delete(e.states, stateKey{guildID: guildID, ticker: models.NormalizeTicker(ticker)})
	return err
}

// StateOf returns the current alert state of a pair and whether it is tracked.
func (e *Engine) StateOf(guildID int64, ticker string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[stateKey{guildID: guildID, ticker: models.NormalizeTicker(ticker)}]
	return s, ok
}

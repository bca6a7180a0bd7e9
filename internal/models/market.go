// Package models defines the core domain entities: markets, watch entries, alerts, and movers.
package models

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Market is a normalized snapshot of one open Kalshi market.
// It is re-fetched every tick and has no identity beyond its ticker.
type Market struct {
	Ticker        string `json:"ticker"`
	Title         string `json:"title"`
	YesPriceCents int    `json:"yes_price_cents"`
	Volume        int64  `json:"volume"`
}

// Validate checks market field constraints.
func (m *Market) Validate() error {
	if m.Ticker == "" {
		return errors.New("market ticker must not be empty")
	}
	if m.YesPriceCents < 0 || m.YesPriceCents > 100 {
		return errors.New("yes price must be between 0 and 100 cents")
	}
	if m.Volume < 0 {
		return errors.New("volume must not be negative")
	}
	return nil
}

// WatchEntry is one ticker on a guild watchlist.
// A nil ThresholdCents means the market is watched without an alert.
type WatchEntry struct {
	Ticker         string `json:"ticker"`
	ThresholdCents *int   `json:"threshold_cents,omitempty"`
}

// HasThreshold reports whether the entry carries an alert threshold.
func (w WatchEntry) HasThreshold() bool {
	return w.ThresholdCents != nil
}

// Alert is emitted once when a watched market's YES price drops to or below
// the guild's threshold.
type Alert struct {
	ID             string
	GuildID        int64
	Ticker         string
	Title          string
	PriceCents     int
	ThresholdCents int
	DetectedAt     time.Time
}

// Mover pairs a market with its YES price change since the previous snapshot.
type Mover struct {
	Market     Market
	DeltaCents int
}

// Cents returns a pointer to v, for building optional thresholds.
func Cents(v int) *int {
	return &v
}

var linkTickerRE = regexp.MustCompile(`^KX[A-Z0-9_.\-]{6,}$`)

// NormalizeTicker trims and upper-cases a ticker. Kalshi market links are
// accepted too: the ticker is the last KX-prefixed path segment. A link with
// no such segment yields "".
func NormalizeTicker(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		return strings.ToUpper(s)
	}
	s = strings.SplitN(s, "?", 2)[0]
	s = strings.SplitN(s, "#", 2)[0]

	segs := strings.Split(strings.ToUpper(s), "/")
	for i := len(segs) - 1; i >= 0; i-- {
		if linkTickerRE.MatchString(segs[i]) {
			return segs[i]
		}
	}
	return ""
}

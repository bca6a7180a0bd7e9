package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rewired-gh/kalshibot/internal/models"
	"github.com/rewired-gh/kalshibot/internal/monitor"
	"github.com/shopspring/decimal"
)

var errNoTicker = fmt.Errorf("%w: could not find a valid Kalshi ticker in that input", models.ErrValidation)

// withReset applies a watchlist edit and clears the pair's alert state as one
// step with respect to the alert engine.
func withReset(d Deps, guildID int64, ticker string, edit func() error) error {
	if d.Alerts == nil {
		return edit()
	}
	return d.Alerts.Reset(guildID, ticker, edit)
}

func handleFind(ctx context.Context, d Deps, req Request) (string, error) {
	query := strings.ToLower(strings.TrimSpace(strings.Join(req.Args, " ")))
	if query == "" {
		return "", fmt.Errorf("%w: usage: /find <keyword>", models.ErrValidation)
	}

	markets, err := d.Markets.FetchOpenMarkets(ctx)
	if err != nil {
		return "", err
	}

	var hits []models.Market
	for _, m := range monitor.RankByActivity(markets) {
		if strings.Contains(strings.ToLower(m.Title), query) || strings.Contains(strings.ToLower(m.Ticker), query) {
			hits = append(hits, m)
			if len(hits) >= d.FindLimit {
				break
			}
		}
	}
	if len(hits) == 0 {
		return fmt.Sprintf("No open markets matched %q.", query), nil
	}
	return formatMarkets(hits), nil
}

func handleWatch(ctx context.Context, d Deps, req Request) (string, error) {
	if len(req.Args) < 1 || len(req.Args) > 2 {
		return "", fmt.Errorf("%w: usage: /watch <ticker|link> [threshold]", models.ErrValidation)
	}
	ticker := models.NormalizeTicker(req.Args[0])
	if ticker == "" {
		return "", errNoTicker
	}

	var threshold *int
	if len(req.Args) == 2 {
		t, err := ParseThreshold(req.Args[1])
		if err != nil {
			return "", err
		}
		threshold = &t
	}

	err := withReset(d, req.GuildID, ticker, func() error {
		return d.Store.AddWatch(req.GuildID, ticker, threshold)
	})
	if err != nil {
		return "", err
	}

	msg := "Watching " + ticker
	if threshold != nil {
		msg += fmt.Sprintf(" (alert when YES ≤ %s)", formatCents(*threshold))
	}
	return msg, nil
}

func handleUnwatch(ctx context.Context, d Deps, req Request) (string, error) {
	if len(req.Args) != 1 {
		return "", fmt.Errorf("%w: usage: /unwatch <ticker>", models.ErrValidation)
	}
	ticker := models.NormalizeTicker(req.Args[0])
	if ticker == "" {
		return "", errNoTicker
	}

	var removed bool
	err := withReset(d, req.GuildID, ticker, func() (err error) {
		removed, err = d.Store.RemoveWatch(req.GuildID, ticker)
		return err
	})
	if err != nil {
		return "", err
	}
	if !removed {
		return "", fmt.Errorf("%w: %s was not being watched", models.ErrNotFound, ticker)
	}
	return fmt.Sprintf("Removed %s from the watchlist.", ticker), nil
}

func handleList(ctx context.Context, d Deps, req Request) (string, error) {
	entries, err := d.Store.ListWatches(req.GuildID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No watches set.", nil
	}

	var b strings.Builder
	b.WriteString("Watches:")
	for _, e := range entries {
		b.WriteString("\n")
		b.WriteString(e.Ticker)
		if e.HasThreshold() {
			fmt.Fprintf(&b, " (YES ≤ %s)", formatCents(*e.ThresholdCents))
		}
	}
	return b.String(), nil
}

func handleMovers(ctx context.Context, d Deps, req Request) (string, error) {
	markets, err := d.Markets.FetchOpenMarkets(ctx)
	if err != nil {
		return "", err
	}
	ranked := monitor.RankByActivity(markets)
	if len(ranked) == 0 {
		return "No open markets found.", nil
	}
	if len(ranked) > d.TopK {
		ranked = ranked[:d.TopK]
	}
	return formatMarkets(ranked), nil
}

func handleSpike(ctx context.Context, d Deps, req Request) (string, error) {
	k := d.TopK
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n < 1 || n > 50 {
			return "", fmt.Errorf("%w: count must be a number between 1 and 50", models.ErrValidation)
		}
		k = n
	}
	if d.Detector == nil || !d.Detector.Ready() {
		return "Not enough data yet: price moves show up after two polls.", nil
	}

	movers := d.Detector.Movers(k)
	if len(movers) == 0 {
		return "No YES price moves since the last poll.", nil
	}
	return formatMovers(movers), nil
}

func handlePrice(ctx context.Context, d Deps, req Request) (string, error) {
	if len(req.Args) != 1 {
		return "", fmt.Errorf("%w: usage: /price <ticker|link>", models.ErrValidation)
	}
	ticker := models.NormalizeTicker(req.Args[0])
	if ticker == "" {
		return "", errNoTicker
	}

	m, err := d.Markets.FetchMarket(ctx, ticker)
	if err != nil {
		return "", err
	}

	reply := formatMarket(m)
	if d.Detector != nil {
		if prev, ok := monitor.Index(d.Detector.Snapshot())[m.Ticker]; ok {
			reply += "\nΔ since last poll: " + formatDelta(m.YesPriceCents-prev.YesPriceCents)
		}
	}
	return reply, nil
}

func handleAlertsTo(ctx context.Context, d Deps, req Request) (string, error) {
	if len(req.Args) != 1 {
		current, err := d.Store.AlertChat(req.GuildID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Alerts for this watchlist go to chat %d. Usage: /alerts_to <chat_id|here>", current), nil
	}

	target := req.ChatID
	if arg := strings.ToLower(req.Args[0]); arg != "here" {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id == 0 {
			return "", fmt.Errorf("%w: chat id must be a number or \"here\"", models.ErrValidation)
		}
		target = id
	}

	if err := d.Store.SetAlertChat(req.GuildID, target); err != nil {
		return "", err
	}
	return fmt.Sprintf("Alerts for this watchlist will be posted to chat %d.", target), nil
}

func handleHelp(ctx context.Context, d Deps, req Request) (string, error) {
	var b strings.Builder
	b.WriteString("Commands:")
	for _, c := range Commands() {
		fmt.Fprintf(&b, "\n%s - %s", c.Usage, c.Description)
	}
	return b.String(), nil
}

func handlePing(ctx context.Context, d Deps, req Request) (string, error) {
	return "Pong", nil
}

var hundred = decimal.NewFromInt(100)

// ParseThreshold reads a threshold in cents ("35", "35c", "35¢") or dollars
// ("0.35", "$0.35"). The result must be a whole number of cents in [0,100].
func ParseThreshold(s string) (int, error) {
	raw := strings.TrimSpace(strings.ToLower(s))
	dollars := strings.HasPrefix(raw, "$") || strings.Contains(raw, ".")
	raw = strings.TrimPrefix(raw, "$")
	raw = strings.TrimSuffix(strings.TrimSuffix(raw, "¢"), "c")

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: threshold %q is not a number", models.ErrValidation, s)
	}
	if dollars {
		d = d.Mul(hundred)
	}
	if !d.Equal(d.Round(0)) {
		return 0, fmt.Errorf("%w: threshold %q is not a whole number of cents", models.ErrValidation, s)
	}
	c := d.IntPart()
	if c < 0 || c > 100 {
		return 0, fmt.Errorf("%w: threshold must be between 0 and 100 cents, got %s", models.ErrValidation, s)
	}
	return int(c), nil
}

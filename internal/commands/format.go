package commands

import (
	"strings"

	"github.com/rewired-gh/kalshibot/internal/models"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

func formatCents(c int) string {
	return printer.Sprintf("%d¢", c)
}

func formatDelta(c int) string {
	if c > 0 {
		return printer.Sprintf("+%d¢", c)
	}
	return printer.Sprintf("%d¢", c)
}

func formatMarket(m models.Market) string {
	title := m.Title
	if title == "" {
		title = m.Ticker
	}
	return printer.Sprintf("%s\n%s • YES≈%s • vol=%d", title, m.Ticker, formatCents(m.YesPriceCents), m.Volume)
}

func formatMarkets(markets []models.Market) string {
	parts := make([]string, len(markets))
	for i, m := range markets {
		parts[i] = formatMarket(m)
	}
	return strings.Join(parts, "\n\n")
}

func formatMovers(movers []models.Mover) string {
	parts := make([]string, len(movers))
	for i, mv := range movers {
		parts[i] = printer.Sprintf("%s\n%s • YES≈%s (%s)", mv.Market.Title, mv.Market.Ticker,
			formatCents(mv.Market.YesPriceCents), formatDelta(mv.DeltaCents))
	}
	return strings.Join(parts, "\n\n")
}

// Package commands maps chat commands to handlers over the watchlist store,
// the market-data client, and the spike detector. It knows nothing about the
// chat platform; adapters turn platform messages into Requests.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rewired-gh/kalshibot/internal/logger"
	"github.com/rewired-gh/kalshibot/internal/models"
	"github.com/rewired-gh/kalshibot/internal/monitor"
)

// WatchStore is the watchlist persistence the handlers need.
type WatchStore interface {
	AddWatch(guildID int64, ticker string, threshold *int) error
	RemoveWatch(guildID int64, ticker string) (bool, error)
	ListWatches(guildID int64) ([]models.WatchEntry, error)
	SetAlertChat(guildID, chatID int64) error
	AlertChat(guildID int64) (int64, error)
}

// MarketData is the market-data client the handlers need.
type MarketData interface {
	FetchOpenMarkets(ctx context.Context) ([]models.Market, error)
	FetchMarket(ctx context.Context, ticker string) (models.Market, error)
}

// AlertStates lets handlers reset edge-trigger state together with a
// watchlist edit.
type AlertStates interface {
	Reset(guildID int64, ticker string, edit func() error) error
}

// Deps bundles the collaborators passed to every handler.
type Deps struct {
	Store     WatchStore
	Markets   MarketData
	Detector  *monitor.Detector
	Alerts    AlertStates
	TopK      int
	FindLimit int
}

// Request is one command invocation.
type Request struct {
	GuildID int64
	ChatID  int64
	Name    string
	Args    []string
}

// Handler executes a command and returns the reply text.
type Handler func(ctx context.Context, d Deps, req Request) (string, error)

// Command describes one registered command.
type Command struct {
	Name        string
	Usage       string
	Description string
	Handler     Handler
}

var registry map[string]Command

func init() {
	registry = map[string]Command{
		"find":      {Name: "find", Usage: "/find <keyword>", Description: "Find open markets by keyword", Handler: handleFind},
		"watch":     {Name: "watch", Usage: "/watch <ticker|link> [threshold]", Description: "Watch a market; alert when YES <= threshold", Handler: handleWatch},
		"unwatch":   {Name: "unwatch", Usage: "/unwatch <ticker>", Description: "Remove a watched market", Handler: handleUnwatch},
		"list":      {Name: "list", Usage: "/list", Description: "List watched markets for this chat", Handler: handleList},
		"movers":    {Name: "movers", Usage: "/movers", Description: "Top open markets by volume", Handler: handleMovers},
		"spike":     {Name: "spike", Usage: "/spike [count]", Description: "Biggest YES price moves since the last poll", Handler: handleSpike},
		"price":     {Name: "price", Usage: "/price <ticker|link>", Description: "Current YES price and volume of a market", Handler: handlePrice},
		"alerts_to": {Name: "alerts_to", Usage: "/alerts_to <chat_id|here>", Description: "Choose the chat that receives this watchlist's alerts", Handler: handleAlertsTo},
		"help":      {Name: "help", Usage: "/help", Description: "Show available commands", Handler: handleHelp},
		"ping":      {Name: "ping", Usage: "/ping", Description: "Check that the bot is alive", Handler: handlePing},
	}
}

// Commands returns the registered commands sorted by name.
func Commands() []Command {
	out := make([]Command, 0, len(registry))
	for _, c := range registry {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Router dispatches requests to registered handlers.
type Router struct {
	deps Deps
}

// NewRouter creates a Router. Zero TopK and FindLimit default to 10.
func NewRouter(deps Deps) *Router {
	if deps.TopK <= 0 {
		deps.TopK = 10
	}
	if deps.FindLimit <= 0 {
		deps.FindLimit = 10
	}
	return &Router{deps: deps}
}

// Handle runs the request and always returns text for the user. Failures are
// turned into readable messages.
func (r *Router) Handle(ctx context.Context, req Request) string {
	name := strings.ToLower(strings.TrimPrefix(req.Name, "/"))
	cmd, ok := registry[name]
	if !ok {
		return fmt.Sprintf("Unknown command /%s. Try /help.", name)
	}

	reply, err := cmd.Handler(ctx, r.deps, req)
	if err != nil {
		logger.Warn("Command /%s in chat %d failed: %v", name, req.ChatID, err)
		return userMessage(err)
	}
	return reply
}

const unavailableMsg = "Market data is unavailable right now, please try again later."

func userMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "Invalid input: " + detail(err, models.ErrValidation)
	case errors.Is(err, models.ErrNotFound):
		return capitalize(detail(err, models.ErrNotFound))
	case errors.Is(err, models.ErrNetwork), errors.Is(err, models.ErrParse):
		return unavailableMsg
	default:
		return "Something went wrong handling that command. Please try again."
	}
}

// detail strips wrapping context and the sentinel prefix from err's message.
func detail(err error, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		return msg[i+len(prefix):]
	}
	return msg
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

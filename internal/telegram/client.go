// Package telegram connects the command router and alert delivery to the
// Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/kalshibot/internal/commands"
	"github.com/rewired-gh/kalshibot/internal/logger"
	"github.com/rewired-gh/kalshibot/internal/models"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const marketURLBase = "https://kalshi.com/markets/"

// botAPI is the subset of *tgbotapi.BotAPI the client uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// CommandHandler turns a command request into reply text.
type CommandHandler interface {
	Handle(ctx context.Context, req commands.Request) string
}

// ChatResolver returns the chat that receives a guild's alerts.
type ChatResolver interface {
	AlertChat(guildID int64) (int64, error)
}

// Client handles Telegram commands and notifications.
type Client struct {
	bot            botAPI
	handler        CommandHandler
	chats          ChatResolver
	adminChatID    int64
	maxRetries     int
	retryDelayBase time.Duration
	printer        *message.Printer
}

// NewClient creates a new Telegram client. adminChatID 0 disables operational
// notifications.
func NewClient(botToken string, handler CommandHandler, chats ChatResolver, adminChatID int64, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	logger.Info("Authorized Telegram bot @%s", bot.Self.UserName)
	return newClient(bot, handler, chats, adminChatID, maxRetries, retryDelayBase), nil
}

func newClient(bot botAPI, handler CommandHandler, chats ChatResolver, adminChatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		handler:        handler,
		chats:          chats,
		adminChatID:    adminChatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		printer:        message.NewPrinter(language.English),
	}
}

// RegisterCommands publishes the router's command list so clients can offer
// completion.
func (c *Client) RegisterCommands() error {
	list := commands.Commands()
	botCommands := make([]tgbotapi.BotCommand, 0, len(list))
	for _, cmd := range list {
		botCommands = append(botCommands, tgbotapi.BotCommand{
			Command:     cmd.Name,
			Description: cmd.Description,
		})
	}
	if _, err := c.bot.Request(tgbotapi.NewSetMyCommands(botCommands...)); err != nil {
		return fmt.Errorf("failed to register bot commands: %w", err)
	}
	return nil
}

// ListenForCommands polls for Telegram updates and answers bot commands until
// ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil && update.Message.IsCommand() {
				c.handleCommand(ctx, update.Message)
			}
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	req := commands.Request{
		GuildID: msg.Chat.ID,
		ChatID:  msg.Chat.ID,
		Name:    msg.Command(),
		Args:    strings.Fields(msg.CommandArguments()),
	}
	logger.Debug("Command /%s from chat %d", req.Name, req.ChatID)

	reply := tgbotapi.NewMessage(msg.Chat.ID, c.handler.Handle(ctx, req))
	reply.ReplyToMessageID = msg.MessageID
	reply.DisableWebPagePreview = true
	if _, err := c.bot.Send(reply); err != nil {
		logger.Warn("Failed to reply to /%s in chat %d: %v", req.Name, req.ChatID, err)
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry. The
// wait between attempts ends early when ctx is cancelled.
func (c *Client) sendMarkdownV2(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up after %d attempts: %w (last error: %v)", i+1, ctx.Err(), lastErr)
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendAlerts posts each alert to its guild's alert chat. A failed delivery
// does not stop the remaining alerts; all failures are returned joined.
func (c *Client) SendAlerts(ctx context.Context, alerts []models.Alert) error {
	var errs []error
	for _, a := range alerts {
		chatID := a.GuildID
		if c.chats != nil {
			resolved, err := c.chats.AlertChat(a.GuildID)
			if err != nil {
				logger.Warn("Alert chat lookup for guild %d failed, using the guild chat: %v", a.GuildID, err)
			} else {
				chatID = resolved
			}
		}

		if err := c.sendMarkdownV2(ctx, chatID, c.formatAlert(a)); err != nil {
			logger.Error("Failed to deliver alert %s for %s to chat %d: %v", a.ID, a.Ticker, chatID, err)
			errs = append(errs, fmt.Errorf("alert %s: %w", a.ID, err))
			continue
		}
		logger.Info("Delivered alert %s for %s to chat %d", a.ID, a.Ticker, chatID)
	}
	return errors.Join(errs...)
}

// SendError sends a monitoring error notification to the admin chat.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, cycleErr error) error {
	if c.adminChatID == 0 {
		return nil
	}
	text := fmt.Sprintf("⚠️ *Monitoring error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(ctx, c.adminChatID, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	if c.adminChatID == 0 {
		return nil
	}
	text := c.printer.Sprintf("✅ *Monitoring recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(ctx, c.adminChatID, text)
}

// formatAlert formats a threshold alert as a Telegram MarkdownV2 message.
func (c *Client) formatAlert(a models.Alert) string {
	title := a.Title
	if title == "" {
		title = a.Ticker
	}

	var b strings.Builder
	b.WriteString("🚨 *Price alert*\n\n")
	fmt.Fprintf(&b, "[%s](%s)\n", escapeMarkdownV2(title), marketURLBase+strings.ToLower(a.Ticker))
	fmt.Fprintf(&b, "`%s`\n", escapeMarkdownV2(a.Ticker))
	fmt.Fprintf(&b, "📉 YES *%s* ≤ threshold %s\n",
		escapeMarkdownV2(c.printer.Sprintf("%d¢", a.PriceCents)),
		escapeMarkdownV2(c.printer.Sprintf("%d¢", a.ThresholdCents)))
	if !a.DetectedAt.IsZero() {
		fmt.Fprintf(&b, "📅 Detected: %s\n", escapeMarkdownV2(a.DetectedAt.UTC().Format("2006-01-02 15:04:05 MST")))
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

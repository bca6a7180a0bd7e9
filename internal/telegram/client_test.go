package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/kalshibot/internal/commands"
	"github.com/rewired-gh/kalshibot/internal/models"
)

type fakeBot struct {
	mu        sync.Mutex
	sent      []tgbotapi.MessageConfig
	requests  []tgbotapi.Chattable
	failFirst int
	failChat  int64
	updates   chan tgbotapi.Update
	stopped   bool
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	if f.failFirst > 0 {
		f.failFirst--
		return tgbotapi.Message{}, errors.New("telegram unavailable")
	}
	if f.failChat != 0 && msg.ChatID == f.failChat {
		return tgbotapi.Message{}, errors.New("chat not found")
	}
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

type echoHandler struct {
	got []commands.Request
}

func (h *echoHandler) Handle(ctx context.Context, req commands.Request) string {
	h.got = append(h.got, req)
	return "handled /" + req.Name
}

type staticChats map[int64]int64

func (s staticChats) AlertChat(guildID int64) (int64, error) {
	if id, ok := s[guildID]; ok {
		return id, nil
	}
	return guildID, nil
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{"KXFED-26MAR", "KXFED\\-26MAR"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFormatAlert(t *testing.T) {
	c := newClient(&fakeBot{}, &echoHandler{}, nil, 0, 1, time.Millisecond)
	text := c.formatAlert(models.Alert{
		ID:             "a1",
		GuildID:        1,
		Ticker:         "KXSHUTDOWN-26JAN01",
		Title:          "Government shutdown by Jan 1?",
		PriceCents:     35,
		ThresholdCents: 40,
		DetectedAt:     time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
	})

	for _, want := range []string{
		"🚨 *Price alert*",
		"[Government shutdown by Jan 1?](https://kalshi.com/markets/kxshutdown-26jan01)",
		"`KXSHUTDOWN\\-26JAN01`",
		"YES *35¢* ≤ threshold 40¢",
		"📅 Detected: 2026\\-01\\-02 15:04:05 UTC",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("alert text missing %q:\n%s", want, text)
		}
	}
}

func TestFormatAlert_FallsBackToTicker(t *testing.T) {
	c := newClient(&fakeBot{}, &echoHandler{}, nil, 0, 1, time.Millisecond)
	text := c.formatAlert(models.Alert{Ticker: "KXA-1", PriceCents: 5, ThresholdCents: 10})
	if !strings.Contains(text, "[KXA\\-1](https://kalshi.com/markets/kxa-1)") {
		t.Errorf("alert text = %q", text)
	}
	if strings.Contains(text, "Detected") {
		t.Errorf("zero DetectedAt should be omitted: %q", text)
	}
}

func TestSendAlerts_RoutesToAlertChat(t *testing.T) {
	bot := &fakeBot{}
	c := newClient(bot, &echoHandler{}, staticChats{1: -500}, 0, 3, time.Millisecond)

	err := c.SendAlerts(context.Background(), []models.Alert{
		{ID: "a", GuildID: 1, Ticker: "KXA-1", PriceCents: 10, ThresholdCents: 20},
		{ID: "b", GuildID: 2, Ticker: "KXB-1", PriceCents: 10, ThresholdCents: 20},
	})
	if err != nil {
		t.Fatalf("SendAlerts: %v", err)
	}
	if len(bot.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(bot.sent))
	}
	if bot.sent[0].ChatID != -500 || bot.sent[1].ChatID != 2 {
		t.Errorf("chat ids = %d, %d, want -500, 2", bot.sent[0].ChatID, bot.sent[1].ChatID)
	}
	if bot.sent[0].ParseMode != tgbotapi.ModeMarkdownV2 {
		t.Errorf("parse mode = %q", bot.sent[0].ParseMode)
	}
}

func TestSendAlerts_RetriesThenContinues(t *testing.T) {
	bot := &fakeBot{failFirst: 2, failChat: 9}
	c := newClient(bot, &echoHandler{}, nil, 0, 3, time.Millisecond)

	err := c.SendAlerts(context.Background(), []models.Alert{
		{ID: "a", GuildID: 1, Ticker: "KXA-1"},
		{ID: "b", GuildID: 9, Ticker: "KXB-1"},
		{ID: "c", GuildID: 3, Ticker: "KXC-1"},
	})
	if err == nil || !strings.Contains(err.Error(), "alert b") {
		t.Fatalf("SendAlerts error = %v, want failure for alert b", err)
	}
	if len(bot.sent) != 2 || bot.sent[0].ChatID != 1 || bot.sent[1].ChatID != 3 {
		t.Errorf("sent = %+v, want deliveries to chats 1 and 3", bot.sent)
	}
}

func TestSendMarkdownV2_NoWaitAfterLastAttempt(t *testing.T) {
	bot := &fakeBot{failFirst: 10}
	c := newClient(bot, &echoHandler{}, nil, 0, 1, time.Hour)

	done := make(chan error, 1)
	go func() { done <- c.sendMarkdownV2(context.Background(), 1, "hi") }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected delivery failure")
		}
	case <-time.After(time.Second):
		t.Fatal("sendMarkdownV2 waited after the final attempt")
	}
}

func TestSendMarkdownV2_StopsWaitingOnCancel(t *testing.T) {
	bot := &fakeBot{failFirst: 10}
	c := newClient(bot, &echoHandler{}, nil, 0, 3, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.sendMarkdownV2(ctx, 1, "hi") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry wait ignored cancellation")
	}
	bot.mu.Lock()
	defer bot.mu.Unlock()
	if bot.failFirst != 9 {
		t.Errorf("attempts = %d, want 1", 10-bot.failFirst)
	}
}

func TestSendErrorAndRecovery(t *testing.T) {
	bot := &fakeBot{}
	silent := newClient(bot, &echoHandler{}, nil, 0, 1, time.Millisecond)
	if err := silent.SendError(context.Background(), errors.New("boom")); err != nil {
		t.Fatalf("SendError: %v", err)
	}
	if len(bot.sent) != 0 {
		t.Fatalf("admin chat 0 should not send, sent %d", len(bot.sent))
	}

	c := newClient(bot, &echoHandler{}, nil, 77, 1, time.Millisecond)
	if err := c.SendError(context.Background(), errors.New("network error: dial tcp")); err != nil {
		t.Fatalf("SendError: %v", err)
	}
	if err := c.SendRecovery(context.Background(), 1200); err != nil {
		t.Fatalf("SendRecovery: %v", err)
	}
	if len(bot.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(bot.sent))
	}
	if !strings.Contains(bot.sent[0].Text, "`network error: dial tcp`") || bot.sent[0].ChatID != 77 {
		t.Errorf("error message = %+v", bot.sent[0])
	}
	if !strings.Contains(bot.sent[1].Text, "after 1,200 consecutive") {
		t.Errorf("recovery message = %q", bot.sent[1].Text)
	}
}

func TestRegisterCommands(t *testing.T) {
	bot := &fakeBot{}
	c := newClient(bot, &echoHandler{}, nil, 0, 1, time.Millisecond)
	if err := c.RegisterCommands(); err != nil {
		t.Fatalf("RegisterCommands: %v", err)
	}
	if len(bot.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(bot.requests))
	}
	cfg, ok := bot.requests[0].(tgbotapi.SetMyCommandsConfig)
	if !ok {
		t.Fatalf("request type = %T", bot.requests[0])
	}
	if len(cfg.Commands) != len(commands.Commands()) {
		t.Errorf("registered %d commands, want %d", len(cfg.Commands), len(commands.Commands()))
	}
}

func commandMessage(chatID int64, text string) *tgbotapi.Message {
	cmdLen := strings.IndexByte(text, ' ')
	if cmdLen < 0 {
		cmdLen = len(text)
	}
	return &tgbotapi.Message{
		MessageID: 7,
		Chat:      &tgbotapi.Chat{ID: chatID},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
	}
}

func TestListenForCommands(t *testing.T) {
	bot := &fakeBot{updates: make(chan tgbotapi.Update, 3)}
	h := &echoHandler{}
	c := newClient(bot, h, nil, 0, 1, time.Millisecond)

	bot.updates <- tgbotapi.Update{Message: commandMessage(42, "/watch KXA-1   35")}
	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 42}, Text: "just chatting"}}
	bot.updates <- tgbotapi.Update{Message: commandMessage(42, "/list")}
	close(bot.updates)

	if err := c.ListenForCommands(context.Background()); err != nil {
		t.Fatalf("ListenForCommands: %v", err)
	}

	if len(h.got) != 2 {
		t.Fatalf("handled %d commands, want 2", len(h.got))
	}
	first := h.got[0]
	if first.GuildID != 42 || first.ChatID != 42 || first.Name != "watch" {
		t.Errorf("first request = %+v", first)
	}
	if strings.Join(first.Args, ",") != "KXA-1,35" {
		t.Errorf("args = %q", first.Args)
	}
	if len(h.got[1].Args) != 0 {
		t.Errorf("list args = %q", h.got[1].Args)
	}

	if len(bot.sent) != 2 || bot.sent[0].Text != "handled /watch" || bot.sent[0].ReplyToMessageID != 7 {
		t.Errorf("replies = %+v", bot.sent)
	}
}

func TestListenForCommands_StopsOnCancel(t *testing.T) {
	bot := &fakeBot{updates: make(chan tgbotapi.Update)}
	c := newClient(bot, &echoHandler{}, nil, 0, 1, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.ListenForCommands(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ListenForCommands = %v, want context.Canceled", err)
	}
	if !bot.stopped {
		t.Error("StopReceivingUpdates was not called")
	}
}

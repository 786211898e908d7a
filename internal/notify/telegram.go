package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier sends notifications to a single Telegram chat.
type TelegramNotifier struct {
	token    string
	chatID   int64
	endpoint string
	logger   *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// TelegramOption customizes a TelegramNotifier.
type TelegramOption func(*TelegramNotifier)

// WithAPIEndpoint overrides the Bot API URL format, e.g. for a local Bot API
// server. The format takes the token and method name.
func WithAPIEndpoint(endpoint string) TelegramOption {
	return func(t *TelegramNotifier) { t.endpoint = endpoint }
}

func NewTelegramNotifier(token string, chatID int64, logger *slog.Logger, opts ...TelegramOption) *TelegramNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TelegramNotifier{
		token:    token,
		chatID:   chatID,
		endpoint: tgbotapi.APIEndpoint,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TelegramNotifier) Name() string { return "telegram" }

// Configured reports whether a token and chat are set.
func (t *TelegramNotifier) Configured() bool {
	return t.token != "" && t.chatID != 0
}

func (t *TelegramNotifier) Notify(ctx context.Context, n Notification) error {
	if !t.Configured() {
		return ErrNotConfigured
	}
	bot, err := t.client()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, n.Text)
	msg.DisableWebPagePreview = true
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// client connects on first use so a bad token does not block startup.
func (t *TelegramNotifier) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram notifier connected", "user", bot.Self.UserName)
	t.bot = bot
	return bot, nil
}

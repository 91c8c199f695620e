package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"TradeWarden/internal/model"
)

// TelegramNotifier sends messages via the Telegram Bot API.
type TelegramNotifier struct {
	bot    *telego.Bot
	chatID int64
	logger *zap.Logger
}

// NewTelegramNotifier creates a notifier bound to one operator chat.
func NewTelegramNotifier(botToken string, chatID int64, logger *zap.Logger) (*TelegramNotifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bot, err := telego.NewBot(botToken, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID, logger: logger}, nil
}

// Send sends a message to the configured chat.
func (t *TelegramNotifier) Send(ctx context.Context, text string) error {
	return t.send(ctx, tu.Message(tu.ID(t.chatID), text).WithParseMode(telego.ModeHTML))
}

func (t *TelegramNotifier) send(ctx context.Context, msg *telego.SendMessageParams) error {
	if _, err := t.bot.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendWithRetry sends a message with exponential backoff retry.
func (t *TelegramNotifier) SendWithRetry(ctx context.Context, msg *telego.SendMessageParams, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := t.send(ctx, msg); err != nil {
			lastErr = err
			backoff := time.Duration(1<<uint(i)) * time.Second
			t.logger.Warn("telegram send failed",
				zap.Int("attempt", i+1), zap.Int("max", maxRetries+1),
				zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				continue
			}
		}
		return nil
	}
	return fmt.Errorf("all %d retries exhausted: %w", maxRetries+1, lastErr)
}

// Publish formats the event; approval requests carry approve/reject buttons.
func (t *TelegramNotifier) Publish(ctx context.Context, e model.Event) error {
	msg := tu.Message(tu.ID(t.chatID), FormatEvent(e)).WithParseMode(telego.ModeHTML)
	if e.Type == model.EventApprovalRequested && e.CorrelationID != "" {
		msg = msg.WithReplyMarkup(approvalKeyboard(e.CorrelationID))
	}
	return t.SendWithRetry(ctx, msg, 2)
}

func approvalKeyboard(correlationID string) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ Approve").WithCallbackData(callbackData(model.CommandApprove, correlationID)),
			tu.InlineKeyboardButton("❌ Reject").WithCallbackData(callbackData(model.CommandReject, correlationID)),
		),
	)
}

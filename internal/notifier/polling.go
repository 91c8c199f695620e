package notifier

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"TradeWarden/internal/model"
)

// CommandHandler is called when an operator command is received and
// returns the reply text.
type CommandHandler func(ctx context.Context, cmd model.Command) string

// ParseCommand parses "/approve <id>", "/reject <id>" and the report commands.
// Bot-name suffixes ("/status@my_bot") are accepted.
func ParseCommand(text string) (model.Command, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return model.Command{}, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	cmd := model.Command{Kind: model.CommandKind(strings.ToLower(name))}
	switch cmd.Kind {
	case model.CommandApprove, model.CommandReject:
		if len(fields) < 2 {
			return model.Command{}, false
		}
		cmd.CorrelationID = fields[1]
	case model.CommandPending, model.CommandStatus, model.CommandPositions, model.CommandReload, model.CommandHelp:
	case "start":
		cmd.Kind = model.CommandHelp
	default:
		return model.Command{}, false
	}
	return cmd, true
}

func callbackData(kind model.CommandKind, correlationID string) string {
	return string(kind) + ":" + correlationID
}

// ParseCallback parses inline-button data produced by approvalKeyboard.
func ParseCallback(data string) (model.Command, bool) {
	kind, id, ok := strings.Cut(data, ":")
	if !ok || id == "" {
		return model.Command{}, false
	}
	switch model.CommandKind(kind) {
	case model.CommandApprove, model.CommandReject:
		return model.Command{Kind: model.CommandKind(kind), CorrelationID: id}, true
	}
	return model.Command{}, false
}

// StartPolling long-polls Telegram for commands and button presses from the
// configured chat. Blocks until ctx is cancelled.
func (t *TelegramNotifier) StartPolling(ctx context.Context, handler CommandHandler) error {
	updates, err := t.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram polling stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update, handler)
		}
	}
}

func (t *TelegramNotifier) handleUpdate(ctx context.Context, update telego.Update, handler CommandHandler) {
	switch {
	case update.Message != nil:
		msg := update.Message
		if msg.Chat.ID != t.chatID {
			t.logger.Warn("ignoring message from unknown chat", zap.Int64("chat_id", msg.Chat.ID))
			return
		}
		cmd, ok := ParseCommand(msg.Text)
		if !ok {
			t.reply(ctx, HelpText)
			return
		}
		if msg.From != nil {
			cmd.Operator = operatorName(*msg.From)
		}
		cmd.ReceivedAt = time.Now()
		t.logger.Info("received command", zap.String("kind", string(cmd.Kind)), zap.String("operator", cmd.Operator))
		t.reply(ctx, handler(ctx, cmd))

	case update.CallbackQuery != nil:
		q := update.CallbackQuery
		if q.Message == nil || q.Message.GetChat().ID != t.chatID {
			t.logger.Warn("ignoring callback from unknown chat", zap.Int64("user_id", q.From.ID))
			return
		}
		cmd, ok := ParseCallback(q.Data)
		if !ok {
			return
		}
		cmd.Operator = operatorName(q.From)
		cmd.ReceivedAt = time.Now()
		reply := handler(ctx, cmd)
		if err := t.bot.AnswerCallbackQuery(ctx, tu.CallbackQuery(q.ID)); err != nil {
			t.logger.Warn("answer callback query", zap.Error(err))
		}
		t.reply(ctx, reply)
	}
}

func (t *TelegramNotifier) reply(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if err := t.Send(ctx, text); err != nil {
		t.logger.Error("send reply", zap.Error(err))
	}
}

func operatorName(u telego.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

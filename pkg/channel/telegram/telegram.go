package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"cmmsbridge/pkg/bus"
	"cmmsbridge/pkg/channel"
	"cmmsbridge/pkg/config"
	"cmmsbridge/pkg/logger"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const typingRefreshInterval = 4 * time.Second

const (
	commandStart = "/start"
	commandStop  = "/stop"

	// emptyReplyText stands in for a zero-length reply; Telegram rejects empty messages.
	emptyReplyText = "(empty response)"
)

// Adapter relays Telegram chats to the bridge. Each chat acts as one
// connection: /start performs the connect handshake, /stop closes it, and
// any other text is forwarded as a request.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts Telegram long polling and forwards messages through the shared channel handler.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			inbound, ok := a.inboundFromUpdate(update)
			if !ok {
				continue
			}
			a.log.Info("Received message", "conn_id", inbound.ConnID, "sender_id", inbound.SenderID, "kind", string(inbound.Kind), "content", logger.Preview(inbound.Content))

			chatID := update.Message.Chat.ID
			stopTyping := a.startTypingIndicator(ctx, bot, chatID)

			outbound, err := handler(ctx, inbound)
			stopTyping()
			if err != nil {
				a.log.Error("Failed to process inbound message", "conn_id", inbound.ConnID, "error", err)
			}

			text, ok := replyText(outbound)
			if !ok {
				continue
			}
			a.log.Info("Sending message", "conn_id", inbound.ConnID, "update_id", outbound.Metadata["update_id"], "request_id", outbound.Metadata["request_id"], "content", logger.Preview([]byte(text)))

			if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
				a.log.Error("Failed to send telegram message", "error", err)
			}
		}
	}
}

// inboundFromUpdate maps one Telegram update to a bridge event. It reports
// false for updates that carry no text or come from a sender outside
// allow_from.
func (a *Adapter) inboundFromUpdate(update telego.Update) (bus.InboundMessage, bool) {
	message := update.Message
	if message == nil {
		return bus.InboundMessage{}, false
	}

	text := strings.TrimSpace(message.Text)
	if text == "" {
		return bus.InboundMessage{}, false
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return bus.InboundMessage{}, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return bus.InboundMessage{}, false
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	inbound := bus.InboundMessage{
		Channel:  channelName,
		ConnID:   connID(chatID),
		SenderID: senderID,
		Metadata: map[string]string{
			"update_id": strconv.Itoa(update.UpdateID),
		},
	}

	switch text {
	case commandStart:
		inbound.Kind = bus.KindConnected
	case commandStop:
		inbound.Kind = bus.KindClosed
	default:
		inbound.Kind = bus.KindMessage
		inbound.Content = []byte(message.Text)
	}

	return inbound, true
}

// replyText returns the text to send for outbound, or false when the
// handler produced no reply.
func replyText(outbound bus.OutboundMessage) (string, bool) {
	if !outbound.Reply {
		return "", false
	}
	if len(outbound.Content) == 0 {
		return emptyReplyText, true
	}

	return string(outbound.Content), true
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// connID maps one Telegram chat to one bridge connection.
func connID(chatID string) string {
	return "telegram:" + strings.TrimSpace(chatID)
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// startTypingIndicator sends an initial typing action and refreshes it periodically
// until the returned cancel function is called. Worker runs can take a while.
func (a *Adapter) startTypingIndicator(ctx context.Context, bot *telego.Bot, chatID int64) context.CancelFunc {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	sendTyping()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}

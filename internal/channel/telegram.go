package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"supportbot/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// telegramAPI is the subset of *tgbotapi.BotAPI used after connecting.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Telegram implements domain.Channel for a Telegram bot. Escalation replies
// carry an inline keyboard whose buttons answer the ticket offer.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed user IDs (empty = allow all)
	parseMode string

	bot    telegramAPI
	bus    domain.MessageBus
	logger *slog.Logger
	sleep  func(time.Duration)
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
		sleep:     time.Sleep,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)
	t.attach(bot, bus)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// attach wires the bot client and registers the outbound handler.
func (t *Telegram) attach(bot telegramAPI, bus domain.MessageBus) {
	t.bot = bot
	t.bus = bus
	bus.OnOutbound("telegram", func(msg domain.OutboundMessage) {
		chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ChatID, "err", err)
			return
		}
		t.sendMessage(chatID, msg.Content, isTicketOffer(msg))
	})
}

// Stop is a no-op: StopReceivingUpdates runs when Start's context is
// cancelled and panics if called twice.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	t.sendMessage(id, content, false)
	return nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(update.CallbackQuery)
		return
	}

	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		t.sendMessage(chatID, "No tienes acceso a este asistente.", false)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	_, _ = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	t.publish(chatID, userID, text, time.Unix(int64(update.Message.Date), 0))
}

// handleCallback turns a ticket-offer button press into the equivalent
// text answer.
func (t *Telegram) handleCallback(cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil || cq.Message.Chat == nil || cq.From == nil {
		return
	}
	chatID := cq.Message.Chat.ID

	_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, ""))

	answer, ok := ticketAnswer(cq.Data)
	if !ok {
		return
	}

	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, cq.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	_, _ = t.bot.Send(edit)

	if !t.isAllowed(cq.From.ID) {
		return
	}
	t.publish(chatID, cq.From.ID, answer, time.Now())
}

func (t *Telegram) publish(chatID, userID int64, text string, at time.Time) {
	err := t.bus.Publish(domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		Timestamp: at,
	})
	if err != nil {
		t.logger.Warn("telegram message dropped", "chat_id", chatID, "err", err)
		t.sendMessage(chatID, "Estoy atendiendo muchas consultas. Inténtalo de nuevo en unos segundos.", false)
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func ticketKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(labelTicketYes, actionTicketYes),
			tgbotapi.NewInlineKeyboardButtonData(labelTicketNo, actionTicketNo),
		),
	)
}

// sendMessage splits text into Telegram-sized chunks. The ticket keyboard,
// when requested, goes on the last chunk.
func (t *Telegram) sendMessage(chatID int64, text string, ticketOffer bool) {
	chunks := splitMessage(text, telegramMaxMsgLen)
	for i, chunk := range chunks {
		t.sendChunk(chatID, chunk, ticketOffer && i == len(chunks)-1)
	}
}

// splitMessage cuts text into pieces of at most maxLen bytes, preferring line
// breaks in the second half of a piece and never splitting a rune.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// sendChunk sends one chunk with retry and rate limit handling: formatted
// first, plain text on a parse error, backoff on anything else.
func (t *Telegram) sendChunk(chatID int64, text string, ticketOffer bool) {
	const maxRetries = telegramMaxSendRetries

	newMsg := func(parseMode string) tgbotapi.MessageConfig {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = parseMode
		if ticketOffer {
			msg.ReplyMarkup = ticketKeyboard()
		}
		return msg
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		parseMode := ""
		if attempt == 0 {
			parseMode = t.parseMode
		}
		_, err := t.bot.Send(newMsg(parseMode))
		if err == nil {
			return
		}

		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			t.sleep(retryAfter)
			continue
		}

		if attempt == 0 && parseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text",
				"err", err, "parseMode", t.parseMode,
			)
			if _, err2 := t.bot.Send(newMsg("")); err2 == nil {
				return
			}
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			t.sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}

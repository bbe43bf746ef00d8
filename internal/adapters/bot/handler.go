package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-summary-bot/internal/adapters/telegram"
	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
)

// Handler обслуживает вебхук бота и ведёт реестр чатов, в которые бот
// может доставлять дайджесты. Каждый чат, где бот видит сообщение или
// куда его добавляют, попадает в реестр; оттуда отправитель разрешает
// @username целевого чата в числовой id.
type Handler struct {
	bot   *tgbotapi.BotAPI
	log   zerolog.Logger
	chats domain.ChatRepo
}

// NewHandler создаёт обработчик.
func NewHandler(bot *tgbotapi.BotAPI, log zerolog.Logger, chats domain.ChatRepo) *Handler {
	return &Handler{bot: bot, log: log, chats: chats}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.MyChatMember != nil:
		h.handleMembership(upd.MyChatMember)
	case upd.Message != nil:
		h.handleMessage(upd.Message)
	case upd.ChannelPost != nil:
		h.registerChat(upd.ChannelPost.Chat, senderID(upd.ChannelPost.From))
	}
}

func (h *Handler) handleMessage(msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	h.registerChat(msg.Chat, senderID(msg.From))

	if !msg.Chat.IsPrivate() {
		return
	}
	text := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasPrefix(text, "/start"):
		h.reply(msg.Chat.ID, buildStartMessage())
	case strings.HasPrefix(text, "/help"):
		h.reply(msg.Chat.ID, buildHelpMessage())
	case strings.HasPrefix(text, "/chatid"):
		h.reply(msg.Chat.ID, fmt.Sprintf("ID этого чата: %d", msg.Chat.ID))
	}
}

func (h *Handler) handleMembership(upd *tgbotapi.ChatMemberUpdated) {
	status := upd.NewChatMember.Status
	if membershipGone(status) {
		if err := h.chats.RemoveChat(upd.Chat.ID); err != nil {
			h.log.Error().Err(err).Int64("chat", upd.Chat.ID).Msg("bot: не удалось удалить чат из реестра")
			return
		}
		h.log.Info().Int64("chat", upd.Chat.ID).Str("status", status).Msg("bot: чат удалён из реестра")
		return
	}
	h.registerChat(&upd.Chat, upd.From.ID)
	h.log.Info().Int64("chat", upd.Chat.ID).Str("status", status).Msg("bot: чат добавлен в реестр")
}

func (h *Handler) registerChat(chat *tgbotapi.Chat, addedBy int64) {
	if chat == nil {
		return
	}
	known := knownChatFrom(chat, addedBy, time.Now().UTC())
	if err := h.chats.UpsertChat(known); err != nil {
		h.log.Error().Err(err).Int64("chat", chat.ID).Msg("bot: не удалось сохранить чат в реестре")
	}
}

func (h *Handler) reply(chatID int64, text string) {
	for _, part := range telegram.SplitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			h.log.Error().Err(err).Msg("bot: не удалось отправить сообщение")
			return
		}
	}
}

// knownChatFrom переводит чат Bot API в запись реестра.
// Username хранится в нижнем регистре без @.
func knownChatFrom(chat *tgbotapi.Chat, addedBy int64, seenAt time.Time) domain.KnownChat {
	return domain.KnownChat{
		ChatID:     chat.ID,
		Type:       chat.Type,
		Title:      chatTitle(chat),
		Username:   strings.ToLower(strings.TrimPrefix(chat.UserName, "@")),
		AddedBy:    addedBy,
		LastSeenAt: seenAt,
	}
}

func chatTitle(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	name := strings.TrimSpace(strings.TrimSpace(chat.FirstName) + " " + strings.TrimSpace(chat.LastName))
	if name != "" {
		return name
	}
	return chat.UserName
}

func membershipGone(status string) bool {
	return status == "left" || status == "kicked"
}

func senderID(user *tgbotapi.User) int64 {
	if user == nil {
		return 0
	}
	return user.ID
}

func buildStartMessage() string {
	lines := []string{
		"👋 Этот чат зарегистрирован, сюда можно доставлять дайджесты.",
		"",
		"Как направить дайджест в другой чат или канал:",
		"1. Добавьте бота туда участником (для каналов — администратором с правом публикации).",
		"2. Укажите @username чата или его числовой ID целевым в настройках шаблона.",
		"",
		"Команда /chatid показывает ID текущего чата, /help — справку.",
	}
	return strings.Join(lines, "\n")
}

func buildHelpMessage() string {
	lines := []string{
		"📖 Команды:",
		"• /start — зарегистрировать чат для доставки.",
		"• /chatid — показать ID этого чата.",
		"",
		"Дайджесты приходят по расписанию шаблона или по ручному запуску.",
		"Если бота удалить из чата, доставка туда прекратится.",
	}
	return strings.Join(lines, "\n")
}

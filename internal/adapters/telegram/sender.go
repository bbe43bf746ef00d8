package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
	"tg-summary-bot/internal/infra/retry"
)

// botAPI покрывает используемую часть tgbotapi.BotAPI.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Sender доставляет дайджесты через Bot API. Цель задаётся как @username,
// ссылка t.me или числовой id чата; известные боту username разрешаются
// через реестр чатов.
type Sender struct {
	bot   botAPI
	chats domain.ChatRepo
	log   zerolog.Logger
	retry retry.Policy
	limit int
}

var _ domain.DigestSender = (*Sender)(nil)

// NewSender создаёт отправителя. limit <= 0 означает лимит Bot API.
func NewSender(bot botAPI, chats domain.ChatRepo, log zerolog.Logger, maxAttempts, limit int) *Sender {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if limit <= 0 {
		limit = messageLimit
	}
	return &Sender{
		bot:   bot,
		chats: chats,
		log:   log,
		retry: retry.Policy{
			MaxAttempts: maxAttempts,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Retryable:   retryableSendErr,
		},
		limit: limit,
	}
}

// Dispatch отправляет дайджест частями, сохраняя порядок. Возвращает число
// успешно доставленных частей; при сбое на части k из n это k-1.
func (s *Sender) Dispatch(ctx context.Context, digest domain.Digest, target string) (int, error) {
	blocks := RenderDigest(digest)
	if len(blocks) == 0 {
		return 0, nil
	}
	parts := PackBlocks(blocks, s.limit)

	chatID, username, err := s.resolveTarget(target)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, part := range parts {
		if err := s.sendPart(ctx, chatID, username, part); err != nil {
			return delivered, &domain.DeliveryError{Kind: deliveryKind(err), Delivered: delivered, Err: err}
		}
		delivered++
		metrics.AddDigestParts(1)
	}
	return delivered, nil
}

func (s *Sender) resolveTarget(target string) (int64, string, error) {
	trimmed := strings.TrimSpace(target)
	if trimmed == "" {
		return 0, "", &domain.DeliveryError{Kind: domain.DeliveryChatNotFound, Err: fmt.Errorf("пустой целевой чат")}
	}
	if id, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return id, "", nil
	}
	username := domain.NormalizeSourceIdentifier(trimmed)
	if username == "" {
		return 0, "", &domain.DeliveryError{Kind: domain.DeliveryChatNotFound, Err: fmt.Errorf("некорректный целевой чат %q", target)}
	}

	known, err := s.chats.FindChatByUsername(username)
	switch {
	case err == nil:
		return known.ChatID, "", nil
	case errors.Is(err, domain.ErrChatNotFound):
		// бот ещё не видел этот чат, адресуем по @username
		return 0, username, nil
	default:
		s.log.Warn().Err(err).Str("target", username).Msg("sender: реестр чатов недоступен, адресуем по @username")
		return 0, username, nil
	}
}

func (s *Sender) sendPart(ctx context.Context, chatID int64, username, text string) error {
	return s.retry.Do(ctx, func(context.Context) error {
		var msg tgbotapi.MessageConfig
		if username != "" {
			msg = tgbotapi.NewMessageToChannel("@"+username, text)
		} else {
			msg = tgbotapi.NewMessage(chatID, text)
		}
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true

		targetLabel := username
		if targetLabel == "" {
			targetLabel = strconv.FormatInt(chatID, 10)
		}
		start := time.Now()
		_, err := s.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", targetLabel, start, err)
		return err
	})
}

func retryableSendErr(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	// сетевые сбои повторяем
	return true
}

func deliveryKind(err error) domain.DeliveryErrorKind {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 403 {
			return domain.DeliveryChatNotFound
		}
		if apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "chat not found") {
			return domain.DeliveryChatNotFound
		}
	}
	return domain.DeliveryTransient
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
)

type fakeBot struct {
	sent  []tgbotapi.MessageConfig
	errs  map[int]error
	calls int
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	idx := f.calls
	f.calls++
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, fmt.Errorf("unexpected chattable %T", c)
	}
	if err := f.errs[idx]; err != nil {
		return tgbotapi.Message{}, err
	}
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{MessageID: idx + 1}, nil
}

type fakeChatRepo struct {
	chats   map[string]domain.KnownChat
	lookups int
}

func (f *fakeChatRepo) UpsertChat(domain.KnownChat) error { return nil }
func (f *fakeChatRepo) RemoveChat(int64) error            { return nil }
func (f *fakeChatRepo) FindChatByUsername(username string) (domain.KnownChat, error) {
	f.lookups++
	chat, ok := f.chats[username]
	if !ok {
		return domain.KnownChat{}, domain.ErrChatNotFound
	}
	return chat, nil
}

func newTestSender(bot botAPI, chats domain.ChatRepo, attempts int) *Sender {
	s := NewSender(bot, chats, zerolog.Nop(), attempts, 0)
	s.retry.BaseDelay = time.Millisecond
	s.retry.MaxDelay = time.Millisecond
	return s
}

func sampleDigest() domain.Digest {
	return domain.Digest{
		Title: "Дайджест",
		Sections: []domain.DigestSection{
			{Heading: "Новости", Bullets: []string{"Первый пункт", "Второй пункт"}},
		},
	}
}

func oversizedDigest() domain.Digest {
	section := func(name string) domain.DigestSection {
		bullets := make([]string, 0, 2)
		for i := 0; i < 2; i++ {
			bullets = append(bullets, strings.Repeat("п", 1900))
		}
		return domain.DigestSection{Heading: name, Bullets: bullets}
	}
	return domain.Digest{
		Title:    "Большой дайджест",
		Sections: []domain.DigestSection{section("Раз"), section("Два"), section("Три")},
	}
}

func TestDispatchResolvesKnownUsername(t *testing.T) {
	bot := &fakeBot{}
	repo := &fakeChatRepo{chats: map[string]domain.KnownChat{
		"technews": {ChatID: -100123, Username: "technews"},
	}}
	s := newTestSender(bot, repo, 2)

	delivered, err := s.Dispatch(context.Background(), sampleDigest(), "https://t.me/TechNews")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if delivered != 1 || len(bot.sent) != 1 {
		t.Fatalf("ожидалась 1 часть, получено delivered=%d sent=%d", delivered, len(bot.sent))
	}
	msg := bot.sent[0]
	if msg.ChatID != -100123 || msg.ChannelUsername != "" {
		t.Fatalf("цель должна разрешаться через реестр: %+v", msg.BaseChat)
	}
	if msg.ParseMode != tgbotapi.ModeHTML || !msg.DisableWebPagePreview {
		t.Fatalf("ожидался HTML без предпросмотра ссылок: %+v", msg)
	}
}

func TestDispatchFallsBackToUsername(t *testing.T) {
	bot := &fakeBot{}
	s := newTestSender(bot, &fakeChatRepo{}, 2)

	delivered, err := s.Dispatch(context.Background(), sampleDigest(), "@TechNews")
	if err != nil || delivered != 1 {
		t.Fatalf("ожидалась доставка по @username: delivered=%d err=%v", delivered, err)
	}
	if bot.sent[0].ChannelUsername != "@technews" {
		t.Fatalf("неожиданный адресат: %q", bot.sent[0].ChannelUsername)
	}
}

func TestDispatchNumericTargetSkipsRegistry(t *testing.T) {
	bot := &fakeBot{}
	repo := &fakeChatRepo{}
	s := newTestSender(bot, repo, 2)

	delivered, err := s.Dispatch(context.Background(), sampleDigest(), "-1001234567")
	if err != nil || delivered != 1 {
		t.Fatalf("ожидалась доставка по id: delivered=%d err=%v", delivered, err)
	}
	if repo.lookups != 0 {
		t.Fatalf("числовой id не должен ходить в реестр, обращений: %d", repo.lookups)
	}
	if bot.sent[0].ChatID != -1001234567 {
		t.Fatalf("неожиданный chat id: %d", bot.sent[0].ChatID)
	}
}

func TestDispatchReportsDeliveredOnFailure(t *testing.T) {
	bot := &fakeBot{errs: map[int]error{
		2: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was kicked"},
	}}
	s := newTestSender(bot, &fakeChatRepo{}, 2)

	delivered, err := s.Dispatch(context.Background(), oversizedDigest(), "@target")
	if delivered != 2 {
		t.Fatalf("до сбоя должны дойти 2 части, получено %d", delivered)
	}
	var dErr *domain.DeliveryError
	if !errors.As(err, &dErr) {
		t.Fatalf("ожидалась DeliveryError, получено %v", err)
	}
	if dErr.Kind != domain.DeliveryChatNotFound || dErr.Delivered != 2 {
		t.Fatalf("неверная классификация: kind=%s delivered=%d", dErr.Kind, dErr.Delivered)
	}
	if bot.calls != 3 {
		t.Fatalf("403 не должен повторяться, вызовов: %d", bot.calls)
	}
}

func TestDispatchRetriesTransient(t *testing.T) {
	bot := &fakeBot{errs: map[int]error{
		0: &tgbotapi.Error{Code: 500, Message: "Internal Server Error"},
	}}
	s := newTestSender(bot, &fakeChatRepo{}, 2)

	delivered, err := s.Dispatch(context.Background(), sampleDigest(), "@target")
	if err != nil || delivered != 1 {
		t.Fatalf("после повтора часть должна уйти: delivered=%d err=%v", delivered, err)
	}
	if bot.calls != 2 {
		t.Fatalf("ожидалось 2 вызова Send, получено %d", bot.calls)
	}
}

func TestDispatchTransientExhausted(t *testing.T) {
	bot := &fakeBot{errs: map[int]error{
		0: &tgbotapi.Error{Code: 429, Message: "Too Many Requests"},
		1: &tgbotapi.Error{Code: 429, Message: "Too Many Requests"},
	}}
	s := newTestSender(bot, &fakeChatRepo{}, 2)

	delivered, err := s.Dispatch(context.Background(), sampleDigest(), "@target")
	if delivered != 0 {
		t.Fatalf("ничего не должно дойти, получено %d", delivered)
	}
	var dErr *domain.DeliveryError
	if !errors.As(err, &dErr) || dErr.Kind != domain.DeliveryTransient {
		t.Fatalf("ожидалась временная ошибка доставки: %v", err)
	}
	if bot.calls != 2 {
		t.Fatalf("повторы должны упереться в лимит: %d вызовов", bot.calls)
	}
}

func TestDispatchEmptyDigest(t *testing.T) {
	bot := &fakeBot{}
	s := newTestSender(bot, &fakeChatRepo{}, 2)

	delivered, err := s.Dispatch(context.Background(), domain.Digest{}, "@target")
	if err != nil || delivered != 0 {
		t.Fatalf("пустой дайджест не отправляется: delivered=%d err=%v", delivered, err)
	}
	if bot.calls != 0 {
		t.Fatalf("Bot API не должен вызываться, вызовов: %d", bot.calls)
	}
}

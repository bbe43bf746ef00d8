package bot

import (
	"context"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
)

func TestKnownChatFrom(t *testing.T) {
	seen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	chat := &tgbotapi.Chat{
		ID:       -1001234,
		Type:     "channel",
		Title:    "Tech News",
		UserName: "TechNews",
	}

	known := knownChatFrom(chat, 42, seen)
	if known.ChatID != -1001234 || known.Type != "channel" {
		t.Fatalf("unexpected chat mapping: %+v", known)
	}
	if known.Username != "technews" {
		t.Fatalf("username must be lowercased: %q", known.Username)
	}
	if known.Title != "Tech News" || known.AddedBy != 42 || !known.LastSeenAt.Equal(seen) {
		t.Fatalf("unexpected fields: %+v", known)
	}
}

func TestChatTitleFallsBackToName(t *testing.T) {
	chat := &tgbotapi.Chat{FirstName: "Иван", LastName: "Петров"}
	if title := chatTitle(chat); title != "Иван Петров" {
		t.Fatalf("expected full name, got %q", title)
	}

	chat = &tgbotapi.Chat{UserName: "ivan"}
	if title := chatTitle(chat); title != "ivan" {
		t.Fatalf("expected username fallback, got %q", title)
	}
}

func TestMembershipGone(t *testing.T) {
	for _, status := range []string{"left", "kicked"} {
		if !membershipGone(status) {
			t.Fatalf("status %q should remove the chat", status)
		}
	}
	for _, status := range []string{"member", "administrator", "restricted"} {
		if membershipGone(status) {
			t.Fatalf("status %q should keep the chat", status)
		}
	}
}

type recordingChatRepo struct {
	upserted []int64
	removed  []int64
}

func (r *recordingChatRepo) UpsertChat(chat domain.KnownChat) error {
	r.upserted = append(r.upserted, chat.ChatID)
	return nil
}

func (r *recordingChatRepo) RemoveChat(chatID int64) error {
	r.removed = append(r.removed, chatID)
	return nil
}

func (r *recordingChatRepo) FindChatByUsername(string) (domain.KnownChat, error) {
	return domain.KnownChat{}, domain.ErrChatNotFound
}

func TestHandleMembershipRegistersChat(t *testing.T) {
	repo := &recordingChatRepo{}
	h := NewHandler(nil, zerolog.Nop(), repo)

	h.HandleUpdate(context.Background(), tgbotapi.Update{MyChatMember: &tgbotapi.ChatMemberUpdated{
		Chat:          tgbotapi.Chat{ID: -100500, Type: "channel", Title: "Новости", UserName: "NewsChan"},
		From:          tgbotapi.User{ID: 42},
		NewChatMember: tgbotapi.ChatMember{Status: "administrator"},
	}})

	if len(repo.upserted) != 1 || repo.upserted[0] != -100500 {
		t.Fatalf("chat must be upserted into the registry: %+v", repo.upserted)
	}
	if len(repo.removed) != 0 {
		t.Fatalf("nothing should be removed: %+v", repo.removed)
	}
}

func TestHandleMembershipRemovesChat(t *testing.T) {
	repo := &recordingChatRepo{}
	h := NewHandler(nil, zerolog.Nop(), repo)

	h.HandleUpdate(context.Background(), tgbotapi.Update{MyChatMember: &tgbotapi.ChatMemberUpdated{
		Chat:          tgbotapi.Chat{ID: -100500, Type: "channel"},
		From:          tgbotapi.User{ID: 42},
		NewChatMember: tgbotapi.ChatMember{Status: "kicked"},
	}})

	if len(repo.removed) != 1 || repo.removed[0] != -100500 {
		t.Fatalf("chat must be removed from the registry: %+v", repo.removed)
	}
	if len(repo.upserted) != 0 {
		t.Fatalf("nothing should be upserted: %+v", repo.upserted)
	}
}

func TestHandleChannelPostRegistersChat(t *testing.T) {
	repo := &recordingChatRepo{}
	h := NewHandler(nil, zerolog.Nop(), repo)

	h.HandleUpdate(context.Background(), tgbotapi.Update{ChannelPost: &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: -100600, Type: "channel", Title: "Лента"},
	}})

	if len(repo.upserted) != 1 || repo.upserted[0] != -100600 {
		t.Fatalf("channel post must register the chat: %+v", repo.upserted)
	}
}

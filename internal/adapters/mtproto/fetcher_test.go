package mtproto

import (
	"testing"
	"time"

	"github.com/gotd/td/tg"
)

func TestMessagesAfterFiltersAndStopsAtCutoff(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	since := now.Add(-1 * time.Hour)

	page := []tg.MessageClass{
		&tg.Message{ID: 50, Date: int(now.Add(-5 * time.Minute).Unix()), Message: "свежая новость"},
		&tg.MessageService{ID: 49, Date: int(now.Add(-10 * time.Minute).Unix())},
		&tg.Message{ID: 48, Date: int(now.Add(-15 * time.Minute).Unix()), Message: "   "},
		&tg.Message{ID: 47, Date: int(now.Add(-2 * time.Hour).Unix()), Message: "старая новость"},
		&tg.Message{ID: 46, Date: int(now.Add(-3 * time.Hour).Unix()), Message: "ещё старее"},
	}

	msgs, oldest, reachedCutoff := messagesAfter(page, "technews", since, 100)
	if len(msgs) != 1 {
		t.Fatalf("ожидали 1 сообщение, получили %d", len(msgs))
	}
	if msgs[0].TGMsgID != 50 {
		t.Fatalf("ожидали сообщение 50, получили %d", msgs[0].TGMsgID)
	}
	if msgs[0].URL != "https://t.me/technews/50" {
		t.Fatalf("неожиданная ссылка: %s", msgs[0].URL)
	}
	if !reachedCutoff {
		t.Fatal("ожидали достижение границы окна")
	}
	if oldest != 47 {
		t.Fatalf("ожидали границу пагинации 47, получили %d", oldest)
	}
}

func TestMessagesAfterHonorsLimit(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	since := now.Add(-24 * time.Hour)

	page := []tg.MessageClass{
		&tg.Message{ID: 30, Date: int(now.Add(-1 * time.Minute).Unix()), Message: "раз"},
		&tg.Message{ID: 29, Date: int(now.Add(-2 * time.Minute).Unix()), Message: "два"},
		&tg.Message{ID: 28, Date: int(now.Add(-3 * time.Minute).Unix()), Message: "три"},
	}

	msgs, _, reachedCutoff := messagesAfter(page, "technews", since, 2)
	if len(msgs) != 2 {
		t.Fatalf("ожидали 2 сообщения, получили %d", len(msgs))
	}
	if reachedCutoff {
		t.Fatal("границы окна достигать не должны были")
	}
}

func TestHistoryMessages(t *testing.T) {
	page := []tg.MessageClass{&tg.Message{ID: 1, Message: "x"}}

	if msgs, ok := historyMessages(&tg.MessagesChannelMessages{Messages: page}); !ok || len(msgs) != 1 {
		t.Fatal("ожидали сообщения из MessagesChannelMessages")
	}
	if msgs, ok := historyMessages(&tg.MessagesMessagesSlice{Messages: page}); !ok || len(msgs) != 1 {
		t.Fatal("ожидали сообщения из MessagesMessagesSlice")
	}
	if _, ok := historyMessages(&tg.MessagesMessagesNotModified{}); ok {
		t.Fatal("MessagesMessagesNotModified не содержит сообщений")
	}
}

func TestMessageURL(t *testing.T) {
	if got := messageURL("technews", 42); got != "https://t.me/technews/42" {
		t.Fatalf("неожиданная ссылка: %s", got)
	}
	if got := messageURL("", 42); got != "" {
		t.Fatalf("для канала без username ссылка должна быть пустой, получили %q", got)
	}
}

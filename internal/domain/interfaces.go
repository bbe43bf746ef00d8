package domain

import (
	"context"
	"time"
)

// TemplateRepo управляет шаблонами и их флагом выполнения.
type TemplateRepo interface {
	GetTemplate(id int64) (Template, error)
	ListDueTemplates(now time.Time, limit int) ([]Template, error)
	// TryMarkInProgress атомарно захватывает флаг выполнения.
	// Возвращает false, если шаблон уже выполняется (и запуск не протух).
	TryMarkInProgress(id int64, staleAfter time.Duration) (bool, error)
	// FinishRun снимает флаг выполнения и фиксирует момент завершения.
	// Граница окна cutoff продвигается только при success.
	FinishRun(id int64, finishedAt time.Time, success bool, cutoff time.Time) error
	// ClearStaleInProgress сбрасывает флаги запусков, зависших дольше olderThan.
	ClearStaleInProgress(olderThan time.Duration) (int64, error)
}

// RunLogRepo ведёт журнал запусков шаблонов.
type RunLogRepo interface {
	CreateRunLog(entry RunLog) error
	FinishRunLog(id string, status RunStatus, messagesCount, totalTokens int, errText string, finishedAt time.Time) error
	LatestRunLog(templateID int64) (RunLog, error)
}

// ChatRepo — реестр чатов, известных боту.
type ChatRepo interface {
	UpsertChat(chat KnownChat) error
	RemoveChat(chatID int64) error
	FindChatByUsername(username string) (KnownChat, error)
}

// SessionRepo хранит байты MTProto-сессий по имени.
type SessionRepo interface {
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
}

// MessageFetcher читает сообщения одного источника, опубликованные после since.
type MessageFetcher interface {
	Fetch(ctx context.Context, source string, since time.Time, limit int) ([]FetchedMessage, error)
}

// Summarizer строит дайджест по набору сообщений.
// Пустой вход даёт пустой дайджест без обращения к модели.
type Summarizer interface {
	Summarize(ctx context.Context, messages []FetchedMessage, customPrompt string) (Digest, TokenUsage, error)
}

// DigestSender доставляет дайджест в целевой чат, при необходимости частями.
// Возвращает число отправленных частей.
type DigestSender interface {
	Dispatch(ctx context.Context, digest Digest, target string) (int, error)
}

// Cache — простое TTL-хранилище для кэша резолва источников.
type Cache interface {
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}

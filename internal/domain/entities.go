package domain

import (
	"strings"
	"time"
)

// Template — шаблон дайджеста: набор источников, целевой чат и расписание.
// Шаблон принадлежит пользователю и выполняется не чаще, чем раз в FrequencyHours.
type Template struct {
	ID             int64
	UserID         int64
	Name           string
	Sources        []TemplateSource
	TargetChat     string
	FrequencyHours int
	CustomPrompt   string
	IsActive       bool
	InProgress     bool
	InProgressAt   *time.Time
	LastRunAt      *time.Time
	LastCutoff     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Due сообщает, пора ли выполнять шаблон в момент now.
// Шаблон без единого запуска считается просроченным сразу.
func (t Template) Due(now time.Time) bool {
	if !t.IsActive || t.FrequencyHours <= 0 {
		return false
	}
	if t.LastRunAt == nil {
		return true
	}
	next := t.LastRunAt.Add(time.Duration(t.FrequencyHours) * time.Hour)
	return !now.Before(next)
}

// CutoffFor возвращает нижнюю границу окна выборки сообщений для запуска в момент now.
// Явный hoursBack (ручной запуск) имеет приоритет над расписанием; иначе окно
// покрывает FrequencyHours назад, но не раньше последней успешно обработанной границы.
func (t Template) CutoffFor(now time.Time, hoursBack int) time.Time {
	if hoursBack > 0 {
		return now.Add(-time.Duration(hoursBack) * time.Hour)
	}
	cutoff := now.Add(-time.Duration(t.FrequencyHours) * time.Hour)
	if t.LastCutoff != nil && t.LastCutoff.After(cutoff) {
		cutoff = *t.LastCutoff
	}
	return cutoff
}

// TemplateSource — один источник шаблона (публичный канал или чат).
type TemplateSource struct {
	ID         int64
	TemplateID int64
	Identifier string
	Position   int
}

// NormalizeSourceIdentifier приводит идентификатор источника к каноничному виду:
// без префиксов t.me/ и @, в нижнем регистре.
func NormalizeSourceIdentifier(raw string) string {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/", "@"} {
		if strings.HasPrefix(lower, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	s = strings.TrimSuffix(s, "/")
	return strings.ToLower(s)
}

// FetchedMessage — сообщение, прочитанное из источника за окно выборки.
type FetchedMessage struct {
	Source      string
	TGMsgID     int64
	PublishedAt time.Time
	Text        string
	URL         string
}

// Digest — результат суммаризации: заголовок и тематические секции.
type Digest struct {
	Title    string
	Sections []DigestSection
	// Omitted — сколько старых сообщений не вошло в запрос к модели из-за лимита промпта.
	Omitted int
}

// Empty сообщает, что в дайджесте нет ни одной секции.
func (d Digest) Empty() bool {
	return len(d.Sections) == 0
}

// DigestSection — одна тематическая секция дайджеста.
type DigestSection struct {
	Heading string
	Bullets []string
}

// TokenUsage — расход токенов на одну суммаризацию.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// RunStatus — статус записи журнала запусков.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// RunLog — запись журнала о выполнении шаблона.
type RunLog struct {
	ID            string
	TemplateID    int64
	Status        RunStatus
	MessagesCount int
	TotalTokens   int
	Error         string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// RunResult — итог одного выполнения шаблона.
type RunResult struct {
	RunID          string
	TemplateID     int64
	Success        bool
	MessagesCount  int
	TotalTokens    int
	SkippedSources []string
	Error          string
	Duration       time.Duration
}

// SourceResult — сообщения одного источника либо причина его недоступности.
type SourceResult struct {
	Source   string
	Messages []FetchedMessage
	Err      error
}

// KnownChat — чат, в который бот может доставлять дайджесты.
// Реестр пополняется шлюзом бота по событиям добавления в чаты.
type KnownChat struct {
	ChatID     int64
	Type       string
	Title      string
	Username   string
	AddedBy    int64
	LastSeenAt time.Time
}

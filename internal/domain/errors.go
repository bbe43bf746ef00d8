package domain

import (
	"errors"
	"fmt"
)

// ErrTemplateNotFound возвращается, когда шаблон с указанным id не существует.
var ErrTemplateNotFound = errors.New("шаблон не найден")

// ErrAlreadyRunning возвращается при попытке запустить шаблон, который уже выполняется.
var ErrAlreadyRunning = errors.New("по шаблону уже идёт запуск")

// ErrChatNotFound возвращается, когда чат отсутствует в реестре известных боту чатов.
var ErrChatNotFound = errors.New("чат не найден в реестре бота")

// SourceUnavailableError описывает источник, который не удалось прочитать:
// неверный идентификатор, приватный канал или отозванный доступ.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("источник %s недоступен: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// SummarizationErrorKind классифицирует отказ суммаризатора.
type SummarizationErrorKind string

const (
	// SummarizationTransient — вызов оборвался по отмене контекста, не дойдя до конца повторов.
	SummarizationTransient SummarizationErrorKind = "transient"
	// SummarizationMalformed — последний ответ модели не разобрался в ожидаемую структуру.
	SummarizationMalformed SummarizationErrorKind = "malformed_response"
	// SummarizationExhausted — бюджет попыток исчерпан: временные сбои до лимита
	// либо отказ провайдера, который не повторяется вовсе.
	SummarizationExhausted SummarizationErrorKind = "exhausted_retries"
)

// SummarizationError — окончательный отказ суммаризации, фатальный для запуска.
type SummarizationError struct {
	Kind SummarizationErrorKind
	Err  error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("суммаризация не удалась (%s): %v", e.Kind, e.Err)
}

func (e *SummarizationError) Unwrap() error {
	return e.Err
}

// DeliveryErrorKind классифицирует отказ доставки дайджеста.
type DeliveryErrorKind string

const (
	// DeliveryChatNotFound — целевой чат недоступен боту: не найден, бот исключён или заблокирован.
	DeliveryChatNotFound DeliveryErrorKind = "chat_not_found"
	// DeliveryTransient — временный сбой Bot API или сети.
	DeliveryTransient DeliveryErrorKind = "transient"
)

// DeliveryError — отказ доставки. Delivered — сколько частей дайджеста
// успели уйти до сбоя (дайджест длиннее лимита отправляется частями).
type DeliveryError struct {
	Kind      DeliveryErrorKind
	Delivered int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("доставка не удалась (%s), отправлено частей: %d: %v", e.Kind, e.Delivered, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// StoreError — сбой хранилища с указанием операции.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("хранилище: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

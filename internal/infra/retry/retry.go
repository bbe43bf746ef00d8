package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy описывает повторные попытки с экспоненциальной задержкой и джиттером.
// Retryable решает, имеет ли смысл повторять конкретную ошибку; nil означает
// повторять любую.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
}

// Do выполняет op, повторяя временные сбои до исчерпания попыток.
// Возвращается последняя ошибка без обёрток, а при отмене контекста
// ошибка самого контекста.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		bo.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		bo.MaxInterval = p.MaxDelay
	}
	bo.MaxElapsedTime = 0

	wrapped := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
}

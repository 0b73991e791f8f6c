// retry.go — повтор вызовов внешней платформы с экспоненциальной паузой.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bigkaa/alliance-sync/internal/discord"
)

// RetryPolicy — политика повтора вызовов Discord.
// Повторяются только временные ошибки (429, 5xx, сеть).
type RetryPolicy struct {
	// Attempts — общее число попыток (минимум 1)
	Attempts int
	// Backoff — пауза перед второй попыткой, далее удваивается
	Backoff time.Duration
}

// newBackOff — удвоение паузы без случайного разброса и без общего лимита времени.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do выполняет fn с повторами. Пауза учитывает Retry-After из ответа 429.
func (p RetryPolicy) Do(ctx context.Context, op string, logger *slog.Logger, fn func(ctx context.Context) error) error {
	if p.Attempts <= 1 {
		return fn(ctx)
	}

	hinted := &retryAfterBackOff{BackOff: p.newBackOff()}
	policy := backoff.WithContext(backoff.WithMaxRetries(hinted, uint64(p.Attempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !discord.IsTransient(err) {
			return backoff.Permanent(err)
		}
		var apiErr *discord.APIError
		if errors.As(err, &apiErr) {
			hinted.hint = apiErr.RetryAfter
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("Повтор вызова Discord",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("wait", wait.String()),
			slog.String("error", err.Error()),
		)
	}
	return backoff.RetryNotify(operation, policy, notify)
}

// retryAfterBackOff удлиняет очередную паузу до Retry-After последней ошибки.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}

func (b *retryAfterBackOff) Reset() {
	b.hint = 0
	b.BackOff.Reset()
}

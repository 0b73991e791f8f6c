package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/alliance-sync/internal/discord"
)

func TestRetryPolicy_RetriesTransient(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Backoff: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), "test", testLogger(), func(context.Context) error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() вернул ошибку: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, ожидается 3", calls)
	}
}

func TestRetryPolicy_StopsOnPermanent(t *testing.T) {
	p := RetryPolicy{Attempts: 5, Backoff: time.Millisecond}
	calls := 0
	permanent := &discord.APIError{Status: 403, Message: "Missing Permissions"}
	err := p.Do(context.Background(), "test", testLogger(), func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Do() error = %v, ожидается исходная ошибка", err)
	}
	if calls != 1 {
		t.Errorf("постоянная ошибка не повторяется, calls = %d", calls)
	}
}

func TestRetryPolicy_ExhaustsAttempts(t *testing.T) {
	p := RetryPolicy{Attempts: 2, Backoff: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), "test", testLogger(), func(context.Context) error {
		calls++
		return &discord.NetworkError{Err: errors.New("connection reset")}
	})
	if !discord.IsTransient(err) {
		t.Fatalf("Do() error = %v, ожидается временная ошибка", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, ожидается 2", calls)
	}
}

func TestRetryPolicy_ContextCancelled(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Backoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, "test", testLogger(), func(context.Context) error {
		calls++
		cancel()
		return transientErr()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, ожидается context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, ожидается 1", calls)
	}
}

func TestRetryPolicy_SingleAttempt(t *testing.T) {
	p := RetryPolicy{Attempts: 1, Backoff: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), "test", testLogger(), func(context.Context) error {
		calls++
		return transientErr()
	})
	if !discord.IsTransient(err) || calls != 1 {
		t.Errorf("Do() = %v, calls = %d; ожидается одна попытка", err, calls)
	}
}

func TestRetryPolicy_HonoursRetryAfter(t *testing.T) {
	p := RetryPolicy{Attempts: 2, Backoff: time.Millisecond}
	calls := 0
	start := time.Now()
	err := p.Do(context.Background(), "test", testLogger(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &discord.APIError{Status: 429, Message: "rate limited", RetryAfter: 50 * time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() вернул ошибку: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("пауза %v, ожидается не меньше Retry-After 50ms", elapsed)
	}
}

func TestRetryAfterBackOff(t *testing.T) {
	b := &retryAfterBackOff{BackOff: RetryPolicy{Backoff: 10 * time.Millisecond}.newBackOff()}
	b.Reset()
	near := func(got, want time.Duration) bool {
		return got >= want && got < want+time.Millisecond
	}

	if got := b.NextBackOff(); !near(got, 10*time.Millisecond) {
		t.Errorf("первая пауза = %v, ожидается 10ms", got)
	}
	b.hint = time.Second
	if got := b.NextBackOff(); got != time.Second {
		t.Errorf("пауза с Retry-After = %v, ожидается 1s", got)
	}
	// Подсказка действует один раз, удвоение продолжается.
	if got := b.NextBackOff(); !near(got, 40*time.Millisecond) {
		t.Errorf("третья пауза = %v, ожидается 40ms", got)
	}
}

// poller.go — периодический опрос игрового API на новые войны.
//
// EventPoller раз в AS_POLL_INTERVAL обходит альянсы с активными каналами
// категории war. Альянсы опрашиваются параллельно (не более AS_POLL_WORKERS
// одновременно) и независимо: ошибка или медленный ответ одного альянса
// не влияет на остальные.
//
// Для каждого альянса:
//  1. Выбрать ключ API (CredentialResolver); нет ключа — альянс пропускается
//     без обращений к API.
//  2. Нет курсора — сохранить ID последней войны без рассылки (baseline).
//  3. Постранично запросить войны после курсора, упорядочить по времени и ID,
//     передать каждую в FanoutRouter.
//  4. После обработки страницы сдвинуть курсор (compare-and-advance) до
//     максимального ID, перед которым нет необработанных войн. Война
//     обработана, когда все её доставки подтверждены; ожидающая повтора
//     держит курсор, и после перезапуска война будет выбрана снова.
//
// Цикл ограничен AS_POLL_CYCLE_TIMEOUT: альянсы, до которых не дошла очередь,
// пропускаются до следующего цикла.
//
// Prometheus-метрики:
//   - as_poll_cycle_duration_seconds — длительность цикла
//   - as_poll_tenants_total — итоги опроса альянсов (по outcome)
//   - as_wars_observed_total — новых войн передано в рассылку
//   - as_cursor_advances_total — сдвигов курсора
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
	"github.com/bigkaa/alliance-sync/internal/repository"
)

// Итоги опроса альянса (лейбл outcome).
const (
	outcomePolled     = "polled"
	outcomeUnpollable = "unpollable"
	outcomeFailed     = "failed"
	outcomeSkipped    = "skipped"
)

// failureLogEvery — повторные ошибки одного альянса логируются раз в N циклов.
const failureLogEvery = 10

// Prometheus-метрики опроса.
var (
	pollCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "as_poll_cycle_duration_seconds",
		Help:    "Длительность цикла опроса игрового API",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 0.05s … ~102s
	})

	pollTenantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "as_poll_tenants_total",
		Help: "Итоги опроса альянсов",
	}, []string{"outcome"})

	warsObservedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "as_wars_observed_total",
		Help: "Количество новых войн, переданных в рассылку",
	})

	cursorAdvancesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "as_cursor_advances_total",
		Help: "Количество сдвигов курсора дедупликации",
	})
)

// WarSource — игровой API войн (реализуется gameapi.Client).
type WarSource interface {
	ListWars(ctx context.Context, key string, allianceID, afterID int64, limit int) ([]model.War, error)
	LatestWarID(ctx context.Context, key string, allianceID int64) (int64, error)
}

// CredentialSource — выбор ключа API (реализуется CredentialResolver).
type CredentialSource interface {
	Resolve(ctx context.Context, allianceID int64) (*model.Credential, error)
}

// WarRouter — рассылка войн (реализуется FanoutRouter).
type WarRouter interface {
	Deliver(ctx context.Context, war model.War, allianceID int64) model.DeliveryResult
	RetryPending(ctx context.Context) model.DeliveryResult
}

// PollerConfig — параметры опроса.
type PollerConfig struct {
	Interval     time.Duration
	CycleTimeout time.Duration
	Workers      int
	PageSize     int
}

// EventPoller — фоновый сервис опроса войн.
type EventPoller struct {
	alliances   repository.AllianceRepository
	cursors     repository.CursorRepository
	credentials CredentialSource
	source      WarSource
	router      WarRouter
	cfg         PollerConfig
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	failures map[int64]int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventPoller создаёт сервис опроса.
func NewEventPoller(
	alliances repository.AllianceRepository,
	cursors repository.CursorRepository,
	credentials CredentialSource,
	source WarSource,
	router WarRouter,
	cfg PollerConfig,
	logger *slog.Logger,
) *EventPoller {
	cfg.Workers = max(cfg.Workers, 1)
	cfg.PageSize = max(cfg.PageSize, 1)
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.Interval
	}
	return &EventPoller{
		alliances:   alliances,
		cursors:     cursors,
		credentials: credentials,
		source:      source,
		router:      router,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "poller")),
		now:         time.Now,
		failures:    make(map[int64]int),
	}
}

// Start запускает фоновую горутину опроса. Первый цикл выполняется сразу.
func (p *EventPoller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)

		p.logger.Info("Периодический опрос войн запущен",
			slog.String("interval", p.cfg.Interval.String()),
			slog.Int("workers", p.cfg.Workers),
			slog.Int("page_size", p.cfg.PageSize),
		)

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		for {
			p.runCycle(ctx)

			select {
			case <-ctx.Done():
				p.logger.Info("Периодический опрос войн остановлен")
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения текущего цикла.
func (p *EventPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
}

func (p *EventPoller) runCycle(ctx context.Context) {
	result, err := p.PollNow(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Ошибка цикла опроса", slog.String("error", err.Error()))
		}
		return
	}
	p.logger.Debug("Цикл опроса завершён",
		slog.Int("alliances", result.Alliances),
		slog.Int("polled", result.Polled),
		slog.Int("unpollable", result.Unpollable),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
		slog.Int("wars", result.Wars),
		slog.Int("delivered", result.Delivery.Delivered),
	)
}

// tenantOutcome — итог опроса одного альянса.
type tenantOutcome struct {
	outcome  string
	wars     int
	delivery model.DeliveryResult
}

// PollNow выполняет один цикл опроса всех альянсов.
// Ошибка возвращается, только если не удалось получить список альянсов.
func (p *EventPoller) PollNow(ctx context.Context) (*model.PollResult, error) {
	start := p.now()
	defer func() { pollCycleDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CycleTimeout)
	defer cancel()

	result := &model.PollResult{StartedAt: start}
	result.Delivery.Add(p.router.RetryPending(ctx))

	alliances, err := p.alliances.ListPollable(ctx, model.CategoryWar)
	if err != nil {
		return nil, fmt.Errorf("получение альянсов для опроса: %w", err)
	}
	result.Alliances = len(alliances)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Workers)
	for _, a := range alliances {
		g.Go(func() error {
			out := p.pollAlliance(ctx, a.ID)
			pollTenantsTotal.WithLabelValues(out.outcome).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch out.outcome {
			case outcomePolled:
				result.Polled++
			case outcomeUnpollable:
				result.Unpollable++
			case outcomeFailed:
				result.Failed++
			case outcomeSkipped:
				result.Skipped++
			}
			result.Wars += out.wars
			result.Delivery.Add(out.delivery)
			return nil
		})
	}
	_ = g.Wait()

	result.CompletedAt = p.now()

	d := result.Delivery
	if d.Failed > 0 && d.Delivered == 0 && d.Duplicates == 0 {
		p.logger.Error("Ни одна доставка цикла не удалась",
			slog.Int("failed", d.Failed),
			slog.Int("queued", d.Queued),
			slog.Int("dropped", d.Dropped),
			slog.String("error", ErrSinkUnavailable.Error()),
		)
	}
	if result.Skipped > 0 {
		p.logger.Warn("Цикл опроса прерван по таймауту",
			slog.Int("skipped", result.Skipped),
			slog.String("timeout", p.cfg.CycleTimeout.String()),
		)
	}
	return result, nil
}

// pollAlliance опрашивает один альянс.
func (p *EventPoller) pollAlliance(ctx context.Context, allianceID int64) tenantOutcome {
	if ctx.Err() != nil {
		return tenantOutcome{outcome: outcomeSkipped}
	}
	logger := p.logger.With(slog.Int64("alliance_id", allianceID))

	cred, err := p.credentials.Resolve(ctx, allianceID)
	if err != nil {
		if errors.Is(err, ErrUnpollable) {
			logger.Warn("Альянс не опрашивается: нет ключа игрового API")
			return tenantOutcome{outcome: outcomeUnpollable}
		}
		p.recordFailure(logger, allianceID, err)
		return tenantOutcome{outcome: outcomeFailed}
	}

	cursor, err := p.cursors.Get(ctx, allianceID)
	if errors.Is(err, repository.ErrNotFound) {
		if err := p.baseline(ctx, cred.Secret, allianceID); err != nil {
			p.recordFailure(logger, allianceID, err)
			return tenantOutcome{outcome: outcomeFailed}
		}
		p.recordSuccess(logger, allianceID)
		return tenantOutcome{outcome: outcomePolled}
	}
	if err != nil {
		p.recordFailure(logger, allianceID, err)
		return tenantOutcome{outcome: outcomeFailed}
	}

	out := tenantOutcome{outcome: outcomePolled}
	after := cursor.LastWarID
	// blocked — курсор остановлен перед необработанной войной;
	// следующие страницы ещё рассылаются, но курсор не двигают.
	blocked := false
	for {
		wars, err := p.source.ListWars(ctx, cred.Secret, allianceID, after, p.cfg.PageSize)
		if err != nil {
			p.recordFailure(logger, allianceID, err)
			out.outcome = outcomeFailed
			return out
		}

		fresh := newerThan(wars, after)
		if len(fresh) == 0 {
			break
		}
		out.wars += len(fresh)
		warsObservedTotal.Add(float64(len(fresh)))

		safe, complete := p.deliverBatch(ctx, fresh, allianceID, &out.delivery)
		if safe != nil && !blocked {
			advanced, err := p.cursors.Advance(ctx, allianceID, safe.ID, safe.DeclaredAt)
			if err != nil {
				p.recordFailure(logger, allianceID, err)
				out.outcome = outcomeFailed
				return out
			}
			if advanced {
				cursorAdvancesTotal.Inc()
			}
		}

		if !complete && !blocked {
			blocked = true
			logger.Warn("Курсор остановлен перед необработанной войной",
				slog.Int64("cursor", max(after, idOf(safe))),
			)
		}
		if ctx.Err() != nil || len(wars) < p.cfg.PageSize {
			break
		}
		after = maxWarID(fresh)
	}

	p.recordSuccess(logger, allianceID)
	return out
}

// deliverBatch рассылает войны по порядку и возвращает войну, до которой
// (включительно по ID) можно сдвинуть курсор. complete == false,
// если часть войн не обработана. Необработанная война не останавливает
// рассылку следующих: остальные каналы получают их без задержки.
func (p *EventPoller) deliverBatch(ctx context.Context, wars []model.War, allianceID int64, total *model.DeliveryResult) (*model.War, bool) {
	processed := make([]model.War, 0, len(wars))
	var pending []model.War

	for i, war := range wars {
		if ctx.Err() != nil {
			pending = append(pending, wars[i:]...)
			break
		}
		result := p.router.Deliver(ctx, war, allianceID)
		total.Add(result)
		if !result.Processed() {
			pending = append(pending, war)
			continue
		}
		processed = append(processed, war)
	}

	// Сдвигать курсор можно только до ID меньше любой необработанной войны:
	// порядок обработки (время, ID) может не совпадать с порядком ID.
	var minPending int64
	for i, w := range pending {
		if i == 0 || w.ID < minPending {
			minPending = w.ID
		}
	}

	var safe *model.War
	for i := range processed {
		w := &processed[i]
		if len(pending) > 0 && w.ID >= minPending {
			continue
		}
		if safe == nil || w.ID > safe.ID {
			safe = w
		}
	}
	return safe, len(pending) == 0
}

// baseline сохраняет курсор на последней войне альянса без рассылки,
// чтобы подключение уведомлений не воспроизводило историю.
func (p *EventPoller) baseline(ctx context.Context, key string, allianceID int64) error {
	latest, err := p.source.LatestWarID(ctx, key, allianceID)
	if err != nil {
		return fmt.Errorf("получение последней войны: %w", err)
	}
	if _, err := p.cursors.Advance(ctx, allianceID, latest, time.Time{}); err != nil {
		return err
	}
	p.logger.Info("Создан курсор альянса",
		slog.Int64("alliance_id", allianceID),
		slog.Int64("cursor", latest),
	)
	return nil
}

// recordFailure учитывает ошибку альянса: в лог попадают первая
// и каждая failureLogEvery-я подряд.
func (p *EventPoller) recordFailure(logger *slog.Logger, allianceID int64, err error) {
	p.mu.Lock()
	p.failures[allianceID]++
	n := p.failures[allianceID]
	p.mu.Unlock()

	if n == 1 || n%failureLogEvery == 0 {
		logger.Warn("Ошибка опроса альянса",
			slog.Int("consecutive_failures", n),
			slog.String("error", err.Error()),
		)
	}
}

func (p *EventPoller) recordSuccess(logger *slog.Logger, allianceID int64) {
	p.mu.Lock()
	n, ok := p.failures[allianceID]
	delete(p.failures, allianceID)
	p.mu.Unlock()

	if ok {
		logger.Info("Опрос альянса восстановлен", slog.Int("failed_cycles", n))
	}
}

// newerThan оставляет войны с ID больше курсора, в порядке обработки.
func newerThan(wars []model.War, after int64) []model.War {
	fresh := make([]model.War, 0, len(wars))
	for _, w := range wars {
		if w.ID > after {
			fresh = append(fresh, w)
		}
	}
	slices.SortFunc(fresh, func(a, b model.War) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
	return fresh
}

func idOf(w *model.War) int64 {
	if w == nil {
		return 0
	}
	return w.ID
}

func maxWarID(wars []model.War) int64 {
	var id int64
	for _, w := range wars {
		id = max(id, w.ID)
	}
	return id
}

// fanout.go — рассылка войны по каналам альянса.
//
// FanoutRouter для каждой войны и альянса находит активные каналы категории
// war, форматирует по одному уведомлению на канал и доставляет их параллельно.
// Неудача одного канала не мешает остальным.
//
// Идемпотентность: множество ключей "<war_id>:<channel_config_id>",
// уже доставленных в этом процессе (LRU с TTL). Это оптимизация:
// контракт доставки at-least-once, ID войны включён в текст уведомления.
//
// Неудачные доставки попадают в ограниченную очередь повторов
// и повторяются в начале следующих циклов с удвоением паузы.
// Пока хотя бы одна доставка войны не подтверждена (в очереди,
// отброшена или не поместилась), война не считается обработанной
// и курсор альянса остаётся перед ней. Повторная выборка той же войны
// не отправляет уже доставленное (LRU) и то, что ждёт в очереди.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
	"github.com/bigkaa/alliance-sync/internal/notify"
	"github.com/bigkaa/alliance-sync/internal/repository"
)

// Статусы доставки (лейбл status метрики as_deliveries_total).
const (
	deliveryDelivered = "delivered"
	deliveryDuplicate = "duplicate"
	deliveryQueued    = "queued"
	deliveryPending   = "pending"
	deliveryDropped   = "dropped"
	deliveryFailed    = "failed"
)

// Prometheus-метрики доставки.
var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "as_deliveries_total",
		Help: "Количество доставок уведомлений по статусам",
	}, []string{"status"})

	dedupHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "as_dedup_hits_total",
		Help: "Количество подавленных повторных доставок",
	})

	retryQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "as_delivery_retry_queue_size",
		Help: "Текущий размер очереди повторной доставки",
	})
)

// FanoutRouter — маршрутизатор уведомлений о войнах.
type FanoutRouter struct {
	channels    repository.ChannelConfigRepository
	sink        notify.Sink
	delivered   *expirable.LRU[string, struct{}]
	queue       *retryQueue
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// FanoutConfig — параметры маршрутизатора.
type FanoutConfig struct {
	// DedupSize — максимальное число запомненных доставок
	DedupSize int
	// DedupTTL — время жизни ключа доставки
	DedupTTL time.Duration
	// QueueSize — ёмкость очереди повторов
	QueueSize int
	// MaxAttempts — общее число попыток доставки
	MaxAttempts int
	// RetryBackoff — пауза перед первым повтором
	RetryBackoff time.Duration
}

// NewFanoutRouter создаёт маршрутизатор.
func NewFanoutRouter(
	channels repository.ChannelConfigRepository,
	sink notify.Sink,
	cfg FanoutConfig,
	logger *slog.Logger,
) *FanoutRouter {
	return &FanoutRouter{
		channels:    channels,
		sink:        sink,
		delivered:   expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
		queue:       newRetryQueue(cfg.QueueSize),
		maxAttempts: max(cfg.MaxAttempts, 1),
		backoff:     cfg.RetryBackoff,
		logger: logger.With(
			slog.String("component", "fanout"),
			slog.String("sink", sink.Name()),
		),
		now: time.Now,
	}
}

// Deliver рассылает войну по каналам альянса allianceID.
// Возвращается после завершения всех доставок этой войны.
func (r *FanoutRouter) Deliver(ctx context.Context, war model.War, allianceID int64) model.DeliveryResult {
	var result model.DeliveryResult

	sides := war.SidesFor(allianceID)
	if len(sides) == 0 {
		return result
	}

	configs, err := r.channels.ListActive(ctx, allianceID, war.Category())
	if err != nil {
		r.logger.Error("Ошибка получения каналов альянса",
			slog.Int64("alliance_id", allianceID),
			slog.Int64("war_id", war.ID),
			slog.String("error", err.Error()),
		)
		result.LookupFailed = true
		return result
	}

	var notes []model.Notification
	for _, cfg := range configs {
		if !cfg.IsActive {
			continue
		}
		for _, side := range sides {
			if cfg.Settings.Accepts(war, side) {
				notes = append(notes, buildNotification(war, allianceID, cfg, side))
				break
			}
		}
	}
	result.Destinations = len(notes)
	if len(notes) == 0 {
		return result
	}

	statuses := make([]string, len(notes))
	var wg sync.WaitGroup
	for i, n := range notes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.send(ctx, n)
		}()
	}
	wg.Wait()

	for _, status := range statuses {
		countStatus(&result, status)
	}
	return result
}

// send выполняет одну доставку и возвращает её статус.
func (r *FanoutRouter) send(ctx context.Context, n model.Notification) string {
	if r.delivered.Contains(n.Key) {
		dedupHitsTotal.Inc()
		deliveriesTotal.WithLabelValues(deliveryDuplicate).Inc()
		return deliveryDuplicate
	}
	// Сроки повтора ведёт очередь.
	if r.queue.contains(n.Key) {
		deliveriesTotal.WithLabelValues(deliveryPending).Inc()
		return deliveryPending
	}

	if err := r.sink.Deliver(ctx, n); err != nil {
		deliveriesTotal.WithLabelValues(deliveryFailed).Inc()
		item := &pendingDelivery{
			notification: n,
			attempts:     1,
			nextAt:       r.now().Add(r.backoff),
		}
		if r.maxAttempts > 1 && r.queue.push(item) {
			r.logger.Warn("Доставка не удалась, поставлена в очередь повторов",
				slog.String("key", n.Key),
				slog.String("channel_id", n.ChannelID),
				slog.String("error", err.Error()),
			)
			r.updateQueueGauge()
			return deliveryQueued
		}
		r.logger.Warn("Доставка не удалась, очередь повторов недоступна",
			slog.String("key", n.Key),
			slog.String("channel_id", n.ChannelID),
			slog.String("error", err.Error()),
		)
		return deliveryDropped
	}

	r.delivered.Add(n.Key, struct{}{})
	deliveriesTotal.WithLabelValues(deliveryDelivered).Inc()
	return deliveryDelivered
}

// RetryPending повторяет доставки, срок которых наступил.
// Вызывается в начале каждого цикла опроса.
func (r *FanoutRouter) RetryPending(ctx context.Context) model.DeliveryResult {
	var result model.DeliveryResult

	due := r.queue.takeDue(r.now())
	if len(due) == 0 {
		return result
	}
	defer r.updateQueueGauge()

	for _, item := range due {
		n := item.notification
		result.Destinations++

		if ctx.Err() != nil {
			r.queue.requeue(item)
			continue
		}
		if r.delivered.Contains(n.Key) {
			dedupHitsTotal.Inc()
			deliveriesTotal.WithLabelValues(deliveryDuplicate).Inc()
			result.Duplicates++
			continue
		}

		err := r.sink.Deliver(ctx, n)
		if err == nil {
			r.delivered.Add(n.Key, struct{}{})
			deliveriesTotal.WithLabelValues(deliveryDelivered).Inc()
			result.Delivered++
			continue
		}

		deliveriesTotal.WithLabelValues(deliveryFailed).Inc()
		result.Failed++
		item.attempts++
		if item.attempts >= r.maxAttempts {
			deliveriesTotal.WithLabelValues(deliveryDropped).Inc()
			result.Dropped++
			r.logger.Error("Доставка отброшена: исчерпаны попытки",
				slog.String("key", n.Key),
				slog.String("channel_id", n.ChannelID),
				slog.Int("attempts", item.attempts),
				slog.String("error", err.Error()),
			)
			continue
		}
		item.nextAt = r.now().Add(r.backoff << (item.attempts - 1))
		r.queue.requeue(item)
		result.Queued++
	}
	return result
}

// QueueLen возвращает текущий размер очереди повторов.
func (r *FanoutRouter) QueueLen() int {
	return r.queue.len()
}

func (r *FanoutRouter) updateQueueGauge() {
	retryQueueSize.Set(float64(r.queue.len()))
}

func countStatus(result *model.DeliveryResult, status string) {
	switch status {
	case deliveryDelivered:
		result.Delivered++
	case deliveryDuplicate:
		result.Duplicates++
	case deliveryQueued:
		result.Failed++
		result.Queued++
	case deliveryPending:
		result.Queued++
	case deliveryDropped:
		result.Failed++
		result.Dropped++
		deliveriesTotal.WithLabelValues(deliveryDropped).Inc()
	}
}

// deliveryKey — ключ идемпотентности доставки.
func deliveryKey(warID int64, channelConfigID string) string {
	return fmt.Sprintf("%d:%s", warID, channelConfigID)
}

func buildNotification(war model.War, allianceID int64, cfg *model.ChannelConfig, side model.Side) model.Notification {
	return model.Notification{
		Key:             deliveryKey(war.ID, cfg.ID),
		WarID:           war.ID,
		AllianceID:      allianceID,
		ChannelConfigID: cfg.ID,
		GuildID:         cfg.GuildID,
		ChannelID:       cfg.ChannelID,
		Side:            side,
		Content:         formatWarNotification(war, side, cfg.Settings.MentionRoleID),
		MentionRoleID:   cfg.Settings.MentionRoleID,
		War:             war,
	}
}

// formatWarNotification — текст сообщения в канал Discord.
// ID войны обязателен: по нему читатель распознаёт повторы.
func formatWarNotification(war model.War, side model.Side, mentionRoleID string) string {
	var b strings.Builder
	if mentionRoleID != "" {
		fmt.Fprintf(&b, "<@&%s> ", mentionRoleID)
	}
	if side == model.SideDefensive {
		b.WriteString("**We have been attacked!**")
	} else {
		b.WriteString("**War declared by our member**")
	}
	fmt.Fprintf(&b, "\nWar #%d", war.ID)
	if war.Type != "" {
		fmt.Fprintf(&b, " (%s)", war.Type)
	}
	fmt.Fprintf(&b, "\nAttacker: %s\nDefender: %s", participantLabel(war.Offensive), participantLabel(war.Defensive))
	if war.Reason != "" {
		fmt.Fprintf(&b, "\nReason: %s", war.Reason)
	}
	if !war.DeclaredAt.IsZero() {
		fmt.Fprintf(&b, "\nDeclared: <t:%d:f>", war.DeclaredAt.Unix())
	}
	return b.String()
}

func participantLabel(p model.Participant) string {
	name := p.Name
	if name == "" {
		name = fmt.Sprintf("#%d", p.ID)
	}
	if p.AllianceID != nil {
		return fmt.Sprintf("%s [alliance %d]", name, *p.AllianceID)
	}
	return name
}

// pendingDelivery — неудачная доставка в очереди повторов.
type pendingDelivery struct {
	notification model.Notification
	attempts     int
	nextAt       time.Time
}

// retryQueue — ограниченная очередь повторов, уникальная по ключу доставки.
type retryQueue struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*pendingDelivery
}

func newRetryQueue(capacity int) *retryQueue {
	return &retryQueue{
		capacity: capacity,
		items:    make(map[string]*pendingDelivery),
	}
}

// push добавляет доставку. Ключ уже в очереди — успех без изменений.
// false — очередь заполнена.
func (q *retryQueue) push(item *pendingDelivery) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[item.notification.Key]; ok {
		return true
	}
	if len(q.items) >= q.capacity {
		return false
	}
	q.items[item.notification.Key] = item
	return true
}

// requeue возвращает взятую доставку без проверки ёмкости:
// место под неё уже было выделено.
func (q *retryQueue) requeue(item *pendingDelivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[item.notification.Key]; !ok {
		q.items[item.notification.Key] = item
	}
}

// takeDue извлекает доставки со сроком не позже now.
func (q *retryQueue) takeDue(now time.Time) []*pendingDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*pendingDelivery
	for key, item := range q.items {
		if !item.nextAt.After(now) {
			due = append(due, item)
			delete(q.items, key)
		}
	}
	return due
}

func (q *retryQueue) contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[key]
	return ok
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

package model

import "time"

// DeliveryResult — итог рассылки одной войны одному альянсу.
type DeliveryResult struct {
	// Destinations — число подходящих каналов
	Destinations int
	// Delivered — успешно доставлено сейчас
	Delivered int
	// Duplicates — подавлено как уже доставленное
	Duplicates int
	// Failed — неудачных доставок
	Failed int
	// Queued — ждёт в очереди повторной доставки
	Queued int
	// Dropped — не поместилось в очередь или исчерпало попытки
	Dropped int
	// LookupFailed — не удалось получить каналы альянса
	LookupFailed bool
}

// Processed сообщает, можно ли считать событие обработанным для курсора:
// каждый подходящий канал получил уведомление сейчас или раньше.
func (r DeliveryResult) Processed() bool {
	return r.Queued == 0 && r.Dropped == 0 && !r.LookupFailed
}

// Add суммирует статистику.
func (r *DeliveryResult) Add(o DeliveryResult) {
	r.Destinations += o.Destinations
	r.Delivered += o.Delivered
	r.Duplicates += o.Duplicates
	r.Failed += o.Failed
	r.Queued += o.Queued
	r.Dropped += o.Dropped
	r.LookupFailed = r.LookupFailed || o.LookupFailed
}

// PollResult — итог цикла опроса.
type PollResult struct {
	// Alliances — альянсов с активными каналами
	Alliances int
	// Polled — опрошено успешно
	Polled int
	// Unpollable — без ключа
	Unpollable int
	// Failed — ошибка игрового API
	Failed int
	// Skipped — не успели до дедлайна цикла
	Skipped int
	// Wars — новых войн передано в рассылку
	Wars int
	// Delivery — суммарная статистика доставок
	Delivery DeliveryResult
	// StartedAt — время начала цикла
	StartedAt time.Time
	// CompletedAt — время завершения цикла
	CompletedAt time.Time
}

// RoleSyncResult — итог синхронизации internal→external.
type RoleSyncResult struct {
	// RoleID — UUID роли
	RoleID string
	// State — итоговое состояние роли (linked, failed)
	State string
	// Step — created или already_exists (если роль связывалась в этом вызове)
	Step string
	// DiscordRoleID — ID роли в Discord
	DiscordRoleID string
	// Pending — вызов Discord не удался из-за временной ошибки,
	// изменение применит следующий reconcile-проход
	Pending bool
}

// ObservationResult — итог обработки наблюдения external→internal.
type ObservationResult struct {
	// State — applied, unmatched, conflict
	State string
	// Reason — причина для unmatched
	Reason string
	// UserID — сопоставленный внутренний пользователь
	UserID string
	// RoleID — сопоставленная внутренняя роль
	RoleID string
	// Changed — изменило ли наблюдение состояние
	Changed bool
}

// ReconcileResult — итог reconcile-прохода по альянсу.
type ReconcileResult struct {
	AllianceID int64
	// RolesLinked — ролей связано в этом проходе
	RolesLinked int
	// RolesFailed — ролей, которые не удалось связать
	RolesFailed int
	// MembersPushed — членств, подтверждённых в Discord
	MembersPushed int
	// MembersRevoked — отложенных снятий, применённых в Discord
	MembersRevoked int
	// MembersUnbound — членств без привязки к Discord
	MembersUnbound int
	// PushFailures — неудачных вызовов Discord
	PushFailures int
	// OpenConflicts — неразрешённых конфликтов
	OpenConflicts int
	// StartedAt — время начала
	StartedAt time.Time
	// CompletedAt — время завершения
	CompletedAt time.Time
}

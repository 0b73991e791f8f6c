package model

import "time"

// Статусы привязки. Привязка не удаляется, только вытесняется.
const (
	BindingActive      = "active"
	BindingQuarantined = "quarantined"
	BindingSuperseded  = "superseded"
)

// Binding — привязка внутреннего пользователя к аккаунту Discord в альянсе.
// Хранится в таблице identity_bindings.
type Binding struct {
	// ID — UUID записи
	ID string
	// AllianceID — альянс (область уникальности)
	AllianceID int64
	// UserID — внутренний пользователь
	UserID string
	// DiscordUserID — аккаунт Discord
	DiscordUserID string
	// Status — active, quarantined, superseded
	Status string
	// SupersededAt — когда привязка была вытеснена
	SupersededAt *time.Time
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// Статусы конфликта.
const (
	ConflictUnresolved    = "unresolved"
	ConflictResolvedKeptA = "resolved_kept_a"
	ConflictResolvedKeptB = "resolved_kept_b"
)

// Решение оператора по конфликту.
const (
	KeepA = "a"
	KeepB = "b"
)

// Conflict — два внутренних пользователя претендуют на один аккаунт Discord.
// Хранится в таблице identity_conflicts.
type Conflict struct {
	// ID — UUID записи
	ID string
	// AllianceID — альянс
	AllianceID int64
	// DiscordUserID — спорный аккаунт Discord
	DiscordUserID string
	// UserA — пользователь с действующей привязкой
	UserA string
	// UserB — претендент
	UserB string
	// Status — unresolved, resolved_kept_a, resolved_kept_b
	Status string
	// DetectedAt — время обнаружения
	DetectedAt time.Time
	// ResolvedAt — время разрешения
	ResolvedAt *time.Time
	// ResolvedBy — оператор, принявший решение
	ResolvedBy *string
}

// Итог операции Bind.
const (
	BindCreated   = "bound"
	BindUnchanged = "unchanged"
	BindConflict  = "conflict"
)

// BindResult — результат Bind.
type BindResult struct {
	// Outcome — bound, unchanged или conflict
	Outcome string
	// Binding — действующая привязка аккаунта
	Binding *Binding
	// Conflict — запись конфликта (только для Outcome == conflict)
	Conflict *Conflict
}

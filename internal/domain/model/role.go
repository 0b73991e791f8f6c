package model

import "time"

// Состояние связи внутренней роли с ролью Discord.
const (
	RoleRequested = "requested"
	RoleLinked    = "linked"
	RoleFailed    = "failed"
)

// Промежуточные шаги internal→external, фиксируемые в метриках.
const (
	RoleStepCreated       = "created"
	RoleStepAlreadyExists = "already_exists"
)

// Источник членства в роли.
const (
	MemberSourceInternal = "internal"
	MemberSourceDiscord  = "discord"
)

// Role — внутренняя роль альянса.
// Хранится в таблице roles.
type Role struct {
	// ID — UUID записи
	ID string
	// AllianceID — альянс
	AllianceID int64
	// Name — имя роли (совпадает с именем роли в Discord)
	Name string
	// DiscordRoleID — ID роли в Discord (nil, пока роль не связана)
	DiscordRoleID *string
	// SyncState — requested, linked, failed
	SyncState string
	// LastError — текст последней ошибки связывания
	LastError *string
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// Linked сообщает, связана ли роль с ролью Discord.
func (r *Role) Linked() bool {
	return r.DiscordRoleID != nil && *r.DiscordRoleID != ""
}

// RoleMember — член внутренней роли.
type RoleMember struct {
	RoleID string
	UserID string
	// Source — internal (команда оператора) или discord (наблюдение)
	Source string
}

// RoleRevocation — снятие роли, ещё не подтверждённое Discord.
// Хранится в таблице role_revocations до успешного вызова.
type RoleRevocation struct {
	RoleID        string
	UserID        string
	DiscordUserID string
	CreatedAt     time.Time
}

// Действие над членством.
const (
	ActionGrant  = "grant"
	ActionRevoke = "revoke"
)

// Observation — изменение членства, замеченное в Discord.
type Observation struct {
	AllianceID    int64
	DiscordUserID string
	DiscordRoleID string
	// Action — grant или revoke
	Action string
	// UserID — внутренний пользователь, если источник заявляет привязку
	UserID string
}

// Состояния external→internal.
const (
	ObservationApplied   = "applied"
	ObservationUnmatched = "unmatched"
	ObservationConflict  = "conflict"
)

// Причины отбрасывания наблюдения.
const (
	UnmatchedNoBinding = "no_binding"
	UnmatchedNoRole    = "no_role"
)

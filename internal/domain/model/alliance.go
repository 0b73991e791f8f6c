package model

import "time"

// Alliance — альянс (тенант). Создаётся внешним онбордингом,
// движок синхронизации только читает эту таблицу.
type Alliance struct {
	// ID — идентификатор альянса в игре
	ID int64
	// Name — название альянса
	Name string
	// DiscordGuildID — сервер Discord альянса (nil, если бот ещё не добавлен)
	DiscordGuildID *string
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// Credential — ключ игрового API.
// Хранится в таблице api_credentials.
type Credential struct {
	// ID — UUID записи (пустой для ключа из конфигурации)
	ID string
	// AllianceID — владелец ключа; nil — общесистемный ключ
	AllianceID *int64
	// Secret — непрозрачная строка ключа
	Secret string
	// IsActive — ключ активен
	IsActive bool
	// LastUsedAt — время последнего использования
	LastUsedAt *time.Time
	// Source — откуда взят ключ при разрешении (alliance, system, config)
	Source string
}

// Источники ключа, в порядке приоритета.
const (
	CredentialSourceAlliance = "alliance"
	CredentialSourceSystem   = "system"
	CredentialSourceConfig   = "config"
)

package model

import (
	"slices"
	"time"
)

// WarSettingsVersion — текущая версия схемы настроек канала.
const WarSettingsVersion = 1

// WarSettings — настройки канала для категории war (схема v1).
// Проверяются JSON Schema при записи.
type WarSettings struct {
	Version         int      `json:"version"`
	NotifyOffensive bool     `json:"notify_offensive"`
	NotifyDefensive bool     `json:"notify_defensive"`
	WarTypes        []string `json:"war_types,omitempty"`
	MentionRoleID   string   `json:"mention_role_id,omitempty"`
}

// DefaultWarSettings — настройки по умолчанию: обе стороны, все типы войн.
func DefaultWarSettings() WarSettings {
	return WarSettings{
		Version:         WarSettingsVersion,
		NotifyOffensive: true,
		NotifyDefensive: true,
	}
}

// Accepts сообщает, нужно ли уведомлять канал о войне со стороны side.
func (s WarSettings) Accepts(war War, side Side) bool {
	switch side {
	case SideOffensive:
		if !s.NotifyOffensive {
			return false
		}
	case SideDefensive:
		if !s.NotifyDefensive {
			return false
		}
	default:
		return false
	}
	if len(s.WarTypes) == 0 {
		return true
	}
	return slices.Contains(s.WarTypes, war.Type)
}

// ChannelConfig — канал уведомлений альянса.
// Хранится в таблице channel_configs.
type ChannelConfig struct {
	// ID — UUID записи
	ID string
	// AllianceID — владелец
	AllianceID int64
	// GuildID — сервер Discord (ChannelID имеет смысл только внутри него)
	GuildID string
	// ChannelID — канал Discord
	ChannelID string
	// Category — категория событий (war)
	Category string
	// IsActive — неактивный канал никогда не получает доставок
	IsActive bool
	// Settings — настройки категории
	Settings WarSettings
	// SettingsVersion — версия схемы настроек
	SettingsVersion int
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// Notification — одно отформатированное уведомление в один канал.
type Notification struct {
	// Key — ключ идемпотентности "<war_id>:<channel_config_id>"
	Key string
	// WarID — ID войны (включается в текст для распознавания дублей)
	WarID int64
	// AllianceID — альянс-получатель
	AllianceID int64
	// ChannelConfigID — UUID конфигурации канала
	ChannelConfigID string
	// GuildID — сервер Discord
	GuildID string
	// ChannelID — канал Discord
	ChannelID string
	// Side — сторона альянса в войне
	Side Side
	// Content — текст сообщения
	Content string
	// MentionRoleID — роль Discord, упоминание которой разрешено
	MentionRoleID string
	// War — исходное событие
	War War
}

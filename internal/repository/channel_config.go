package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

// ChannelConfigRepository — таблица channel_configs.
type ChannelConfigRepository interface {
	// ListActive возвращает активные каналы альянса для категории.
	ListActive(ctx context.Context, allianceID int64, category string) ([]*model.ChannelConfig, error)
	// ListByAlliance возвращает все каналы альянса.
	ListByAlliance(ctx context.Context, allianceID int64) ([]*model.ChannelConfig, error)
	// Upsert создаёт или обновляет канал по (alliance_id, channel_id, category).
	// Настройки уже проверены схемой.
	Upsert(ctx context.Context, cfg *model.ChannelConfig) error
}

type channelConfigRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewChannelConfigRepository создаёт репозиторий каналов уведомлений.
// Строки с нечитаемыми настройками пропускаются с записью в лог.
func NewChannelConfigRepository(db DBTX, logger *slog.Logger) ChannelConfigRepository {
	return &channelConfigRepo{
		db:     db,
		logger: logger.With(slog.String("component", "channel_config_repository")),
	}
}

const channelColumns = `id, alliance_id, guild_id, channel_id, category, is_active,
	settings, settings_version, created_at, updated_at`

func scanChannelConfig(row pgx.Row) (*model.ChannelConfig, []byte, error) {
	c := &model.ChannelConfig{}
	var settings []byte
	if err := row.Scan(
		&c.ID, &c.AllianceID, &c.GuildID, &c.ChannelID, &c.Category, &c.IsActive,
		&settings, &c.SettingsVersion, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, nil, err
	}
	return c, settings, nil
}

// decodeChannelSettings разбирает JSONB-настройки поверх значений по умолчанию.
func decodeChannelSettings(raw []byte) (model.WarSettings, error) {
	settings := model.DefaultWarSettings()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return settings, err
		}
	}
	return settings, nil
}

func (r *channelConfigRepo) ListActive(ctx context.Context, allianceID int64, category string) ([]*model.ChannelConfig, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM channel_configs
		WHERE alliance_id = $1 AND category = $2 AND is_active
		ORDER BY channel_id`, channelColumns)
	return r.list(ctx, query, allianceID, category)
}

func (r *channelConfigRepo) ListByAlliance(ctx context.Context, allianceID int64) ([]*model.ChannelConfig, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM channel_configs
		WHERE alliance_id = $1
		ORDER BY category, channel_id`, channelColumns)
	return r.list(ctx, query, allianceID)
}

func (r *channelConfigRepo) list(ctx context.Context, query string, args ...any) ([]*model.ChannelConfig, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения каналов: %w", err)
	}
	defer rows.Close()

	var result []*model.ChannelConfig
	for rows.Next() {
		c, raw, err := scanChannelConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования канала: %w", err)
		}
		settings, err := decodeChannelSettings(raw)
		if err != nil {
			r.logger.Error("Канал пропущен: некорректные настройки",
				slog.String("channel_config_id", c.ID),
				slog.Int64("alliance_id", c.AllianceID),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.Settings = settings
		result = append(result, c)
	}
	return result, rows.Err()
}

func (r *channelConfigRepo) Upsert(ctx context.Context, cfg *model.ChannelConfig) error {
	settings, err := json.Marshal(cfg.Settings)
	if err != nil {
		return fmt.Errorf("ошибка сериализации настроек: %w", err)
	}

	query := `
		INSERT INTO channel_configs (id, alliance_id, guild_id, channel_id, category,
			is_active, settings, settings_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (alliance_id, channel_id, category) DO UPDATE
		SET guild_id = EXCLUDED.guild_id,
			is_active = EXCLUDED.is_active,
			settings = EXCLUDED.settings,
			settings_version = EXCLUDED.settings_version
		RETURNING id, created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		cfg.ID, cfg.AllianceID, cfg.GuildID, cfg.ChannelID, cfg.Category,
		cfg.IsActive, settings, cfg.SettingsVersion,
	).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения канала: %w", err)
	}
	return nil
}

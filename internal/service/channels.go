// channels.go — настройка каналов уведомлений альянса.
//
// Настройки канала — закрытая версионированная схема (JSON Schema,
// schemas/war_settings_v1.json). Проверка выполняется при записи:
// неизвестные поля и чужая версия отклоняются, при чтении настройки
// уже считаются корректными.
package service

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
	"github.com/bigkaa/alliance-sync/internal/repository"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const warSettingsSchemaURL = "war_settings_v1.json"

// ChannelInput — команда создания или обновления канала.
type ChannelInput struct {
	// ChannelID — канал Discord
	ChannelID string
	// GuildID — сервер Discord; пусто — сервер альянса
	GuildID string
	// Category — категория событий; пусто — war
	Category string
	// IsActive — nil означает true
	IsActive *bool
	// Settings — JSON настроек категории; пусто — настройки по умолчанию
	Settings json.RawMessage
}

// ChannelConfigService — запись и чтение каналов уведомлений.
type ChannelConfigService struct {
	alliances repository.AllianceRepository
	channels  repository.ChannelConfigRepository
	schema    *jsonschema.Schema
	logger    *slog.Logger
}

// NewChannelConfigService создаёт сервис и компилирует схему настроек.
func NewChannelConfigService(
	alliances repository.AllianceRepository,
	channels repository.ChannelConfigRepository,
	logger *slog.Logger,
) (*ChannelConfigService, error) {
	schema, err := compileWarSettingsSchema()
	if err != nil {
		return nil, err
	}
	return &ChannelConfigService{
		alliances: alliances,
		channels:  channels,
		schema:    schema,
		logger:    logger.With(slog.String("component", "channels")),
	}, nil
}

func compileWarSettingsSchema() (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile("schemas/" + warSettingsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("чтение схемы настроек: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("разбор схемы настроек: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(warSettingsSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("регистрация схемы настроек: %w", err)
	}
	schema, err := c.Compile(warSettingsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("компиляция схемы настроек: %w", err)
	}
	return schema, nil
}

// ParseWarSettings проверяет JSON настроек по схеме v1 и возвращает их.
func (s *ChannelConfigService) ParseWarSettings(raw json.RawMessage) (model.WarSettings, error) {
	settings := model.DefaultWarSettings()
	if len(bytes.TrimSpace(raw)) == 0 {
		return settings, nil
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return settings, fmt.Errorf("%w: настройки не являются JSON: %v", ErrValidation, err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return settings, fmt.Errorf("%w: настройки не соответствуют схеме v%d: %v",
			ErrValidation, model.WarSettingsVersion, err)
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return settings, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return settings, nil
}

// Upsert создаёт или обновляет канал альянса.
func (s *ChannelConfigService) Upsert(ctx context.Context, allianceID int64, in ChannelInput) (*model.ChannelConfig, error) {
	if in.Category == "" {
		in.Category = model.CategoryWar
	}
	if in.Category != model.CategoryWar {
		return nil, fmt.Errorf("%w: неизвестная категория %q", ErrValidation, in.Category)
	}
	if !snowflakeRe.MatchString(in.ChannelID) {
		return nil, fmt.Errorf("%w: некорректный ID канала", ErrValidation)
	}
	if in.GuildID != "" && !snowflakeRe.MatchString(in.GuildID) {
		return nil, fmt.Errorf("%w: некорректный ID сервера", ErrValidation)
	}

	settings, err := s.ParseWarSettings(in.Settings)
	if err != nil {
		return nil, err
	}

	alliance, err := s.alliances.GetByID(ctx, allianceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	guildID := in.GuildID
	if guildID == "" && alliance.DiscordGuildID != nil {
		guildID = *alliance.DiscordGuildID
	}
	if guildID == "" {
		return nil, fmt.Errorf("%w: не указан сервер Discord", ErrValidation)
	}

	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}

	cfg := &model.ChannelConfig{
		ID:              uuid.New().String(),
		AllianceID:      allianceID,
		GuildID:         guildID,
		ChannelID:       in.ChannelID,
		Category:        in.Category,
		IsActive:        active,
		Settings:        settings,
		SettingsVersion: model.WarSettingsVersion,
	}
	if err := s.channels.Upsert(ctx, cfg); err != nil {
		return nil, err
	}

	s.logger.Info("Канал уведомлений сохранён",
		slog.Int64("alliance_id", allianceID),
		slog.String("channel_id", cfg.ChannelID),
		slog.Bool("is_active", cfg.IsActive),
	)
	return cfg, nil
}

// List возвращает каналы альянса.
func (s *ChannelConfigService) List(ctx context.Context, allianceID int64) ([]*model.ChannelConfig, error) {
	return s.channels.ListByAlliance(ctx, allianceID)
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

func newTestChannelService(t *testing.T) (*ChannelConfigService, *fakeChannels, *fakeAlliances) {
	t.Helper()
	alliances := newFakeAlliances(
		&model.Alliance{ID: testAlliance, Name: "Alpha", DiscordGuildID: strPtr(testGuild)},
		&model.Alliance{ID: 2, Name: "Beta"},
	)
	channels := newFakeChannels()
	svc, err := NewChannelConfigService(alliances, channels, testLogger())
	if err != nil {
		t.Fatalf("NewChannelConfigService() вернул ошибку: %v", err)
	}
	return svc, channels, alliances
}

func TestParseWarSettings(t *testing.T) {
	svc, _, _ := newTestChannelService(t)

	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, s model.WarSettings)
	}{
		{
			name: "пусто — по умолчанию",
			raw:  "",
			check: func(t *testing.T, s model.WarSettings) {
				if !s.NotifyOffensive || !s.NotifyDefensive || len(s.WarTypes) != 0 {
					t.Errorf("ожидались настройки по умолчанию, получено %+v", s)
				}
			},
		},
		{
			name: "полные настройки",
			raw:  `{"version":1,"notify_offensive":false,"war_types":["raid","attrition"],"mention_role_id":"123"}`,
			check: func(t *testing.T, s model.WarSettings) {
				if s.NotifyOffensive || !s.NotifyDefensive {
					t.Errorf("notify = %v/%v, ожидается false/true", s.NotifyOffensive, s.NotifyDefensive)
				}
				if !slices.Equal(s.WarTypes, []string{"raid", "attrition"}) || s.MentionRoleID != "123" {
					t.Errorf("получено %+v", s)
				}
			},
		},
		{name: "неизвестное поле", raw: `{"version":1,"colour":"red"}`, wantErr: true},
		{name: "другая версия", raw: `{"version":2}`, wantErr: true},
		{name: "без версии", raw: `{"notify_offensive":true}`, wantErr: true},
		{name: "неизвестный тип войны", raw: `{"version":1,"war_types":["siege"]}`, wantErr: true},
		{name: "повтор типа войны", raw: `{"version":1,"war_types":["raid","raid"]}`, wantErr: true},
		{name: "некорректный ID роли", raw: `{"version":1,"mention_role_id":"<@&1>"}`, wantErr: true},
		{name: "не JSON", raw: `version=1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := svc.ParseWarSettings(json.RawMessage(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("ParseWarSettings() error = %v, ожидается ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWarSettings() вернул ошибку: %v", err)
			}
			tt.check(t, s)
		})
	}
}

func TestChannelUpsert(t *testing.T) {
	svc, _, _ := newTestChannelService(t)
	ctx := context.Background()

	cfg, err := svc.Upsert(ctx, testAlliance, ChannelInput{ChannelID: "700"})
	if err != nil {
		t.Fatalf("Upsert() вернул ошибку: %v", err)
	}
	if cfg.GuildID != testGuild || cfg.Category != model.CategoryWar || !cfg.IsActive {
		t.Errorf("Upsert() = %+v, ожидается сервер альянса, war, active", cfg)
	}

	inactive := false
	updated, err := svc.Upsert(ctx, testAlliance, ChannelInput{
		ChannelID: "700",
		IsActive:  &inactive,
		Settings:  json.RawMessage(`{"version":1,"notify_defensive":false}`),
	})
	if err != nil {
		t.Fatalf("повторный Upsert() вернул ошибку: %v", err)
	}
	if updated.ID != cfg.ID {
		t.Errorf("ID = %s, ожидается прежний %s", updated.ID, cfg.ID)
	}

	list, _ := svc.List(ctx, testAlliance)
	if len(list) != 1 || list[0].IsActive || list[0].Settings.NotifyDefensive {
		t.Errorf("List() = %+v, ожидается один неактивный канал", list)
	}
}

func TestChannelUpsert_Errors(t *testing.T) {
	svc, _, _ := newTestChannelService(t)

	tests := []struct {
		name     string
		alliance int64
		in       ChannelInput
		wantErr  error
	}{
		{"неизвестная категория", testAlliance, ChannelInput{ChannelID: "700", Category: "trade"}, ErrValidation},
		{"некорректный канал", testAlliance, ChannelInput{ChannelID: "general"}, ErrValidation},
		{"некорректный сервер", testAlliance, ChannelInput{ChannelID: "700", GuildID: "x"}, ErrValidation},
		{"некорректные настройки", testAlliance, ChannelInput{ChannelID: "700", Settings: json.RawMessage(`{"version":3}`)}, ErrValidation},
		{"альянс без сервера", 2, ChannelInput{ChannelID: "700"}, ErrValidation},
		{"неизвестный альянс", 42, ChannelInput{ChannelID: "700"}, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Upsert(context.Background(), tt.alliance, tt.in); !errors.Is(err, tt.wantErr) {
				t.Errorf("Upsert() error = %v, ожидается %v", err, tt.wantErr)
			}
		})
	}
}

func TestChannelUpsert_ExplicitGuild(t *testing.T) {
	svc, _, _ := newTestChannelService(t)
	cfg, err := svc.Upsert(context.Background(), 2, ChannelInput{ChannelID: "701", GuildID: "901"})
	if err != nil {
		t.Fatalf("Upsert() вернул ошибку: %v", err)
	}
	if cfg.GuildID != "901" {
		t.Errorf("GuildID = %s, ожидается 901", cfg.GuildID)
	}
}

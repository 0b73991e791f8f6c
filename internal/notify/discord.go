package notify

import (
	"context"

	"github.com/bigkaa/alliance-sync/internal/discord"
	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

// messageSender — часть discord.Client, нужная приёмнику.
type messageSender interface {
	SendMessage(ctx context.Context, channelID, content, mentionRoleID string) (*discord.Message, error)
}

// DiscordSink отправляет уведомления сообщениями в каналы Discord.
type DiscordSink struct {
	client messageSender
}

// NewDiscordSink создаёт приёмник поверх клиента Discord.
func NewDiscordSink(client messageSender) *DiscordSink {
	return &DiscordSink{client: client}
}

// Deliver отправляет сообщение в канал уведомления.
func (s *DiscordSink) Deliver(ctx context.Context, n model.Notification) error {
	_, err := s.client.SendMessage(ctx, n.ChannelID, n.Content, n.MentionRoleID)
	return err
}

// Name возвращает имя приёмника.
func (s *DiscordSink) Name() string {
	return "discord"
}

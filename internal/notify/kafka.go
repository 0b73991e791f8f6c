package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

// messageWriter — часть kafka.Writer, нужная приёмнику.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// warEvent — JSON-сообщение о войне для брокера.
// Потребитель (бот) сам отправляет его в канал.
type warEvent struct {
	Key             string    `json:"key"`
	WarID           int64     `json:"war_id"`
	AllianceID      int64     `json:"alliance_id"`
	ChannelConfigID string    `json:"channel_config_id"`
	GuildID         string    `json:"guild_id"`
	ChannelID       string    `json:"channel_id"`
	Side            string    `json:"side"`
	WarType         string    `json:"war_type"`
	Reason          string    `json:"reason,omitempty"`
	DeclaredAt      time.Time `json:"declared_at"`
	AttackerID      int64     `json:"attacker_id"`
	DefenderID      int64     `json:"defender_id"`
	Content         string    `json:"content"`
	MentionRoleID   string    `json:"mention_role_id,omitempty"`
}

// KafkaSink публикует уведомления в топик Kafka/Redpanda.
// Ключ сообщения — "<war_id>:<channel_config_id>", что позволяет
// потребителю подавлять дубли при повторной доставке.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink создаёт приёмник с kafka.Writer на брокеры brokers и топик topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}
}

// Deliver публикует одно уведомление.
func (s *KafkaSink) Deliver(ctx context.Context, n model.Notification) error {
	data, err := json.Marshal(warEvent{
		Key:             n.Key,
		WarID:           n.WarID,
		AllianceID:      n.AllianceID,
		ChannelConfigID: n.ChannelConfigID,
		GuildID:         n.GuildID,
		ChannelID:       n.ChannelID,
		Side:            string(n.Side),
		WarType:         n.War.Type,
		Reason:          n.War.Reason,
		DeclaredAt:      n.War.DeclaredAt,
		AttackerID:      n.War.Offensive.ID,
		DefenderID:      n.War.Defensive.ID,
		Content:         n.Content,
		MentionRoleID:   n.MentionRoleID,
	})
	if err != nil {
		return fmt.Errorf("сериализация уведомления: %w", err)
	}

	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.Key),
		Value: data,
		Time:  time.Now(),
	})
}

// Name возвращает имя приёмника.
func (s *KafkaSink) Name() string {
	return "kafka"
}

// Close закрывает writer, дожидаясь отправки буфера.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

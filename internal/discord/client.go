// client.go — клиент Discord REST API от имени бота поверх discordgo.
// Операции: ListRoles, CreateRole, AddMemberRole, RemoveMemberRole, SendMessage.
// Назначение и снятие ролей идемпотентны на стороне Discord (PUT/DELETE).
//
// Повторы выполняет вызывающий (service.RetryPolicy): встроенные повторы
// discordgo на 429 и 502 отключены, ошибки приводятся к APIError/NetworkError.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Client — клиент Discord REST API.
type Client struct {
	baseURL string // Базовый URL API (без trailing slash)
	session *discordgo.Session
	logger  *slog.Logger
}

// New создаёт клиент Discord.
// baseURL — например, https://discord.com/api/v10; запросы discordgo
// перенаправляются на него. httpClient может быть nil.
func New(baseURL, botToken string, httpClient *http.Client, logger *slog.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	next := httpClient.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	client := *httpClient
	client.Transport = &baseURLTransport{from: discordgo.EndpointAPI, to: baseURL + "/", next: next}

	// New только заполняет структуру сессии, ошибка всегда nil.
	session, _ := discordgo.New("Bot " + botToken)
	session.Client = &client
	session.UserAgent = "DiscordBot (alliance-sync, 1)"
	session.ShouldRetryOnRateLimit = false
	session.MaxRestRetries = 0

	return &Client{
		baseURL: baseURL,
		session: session,
		logger:  logger.With(slog.String("component", "discord_client")),
	}
}

// HealthURL возвращает URL для проверки доступности (dephealth).
func (c *Client) HealthURL() string {
	return c.baseURL
}

// baseURLTransport подменяет префикс эндпоинтов discordgo на настроенный базовый URL.
type baseURLTransport struct {
	from string
	to   string
	next http.RoundTripper
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	raw := req.URL.String()
	if !strings.HasPrefix(raw, t.from) {
		return t.next.RoundTrip(req)
	}
	target, err := url.Parse(t.to + strings.TrimPrefix(raw, t.from))
	if err != nil {
		return nil, fmt.Errorf("перенаправление запроса Discord: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.URL = target
	clone.Host = target.Host
	return t.next.RoundTrip(clone)
}

// exhaustedRetriesPrefix — начало ошибки discordgo для 502 без права на повтор.
const exhaustedRetriesPrefix = "Exceeded Max retries"

// convertError приводит ошибку discordgo к APIError или NetworkError.
func convertError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		apiErr := &APIError{Message: string(restErr.ResponseBody)}
		if restErr.Response != nil {
			apiErr.Status = restErr.Response.StatusCode
		}
		if restErr.Message != nil {
			apiErr.Code = restErr.Message.Code
			apiErr.Message = restErr.Message.Message
		}
		return apiErr
	}

	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		apiErr := &APIError{Status: http.StatusTooManyRequests}
		if rateErr.RateLimit != nil && rateErr.TooManyRequests != nil {
			apiErr.Message = rateErr.TooManyRequests.Message
			apiErr.RetryAfter = rateErr.TooManyRequests.RetryAfter
		}
		return apiErr
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &NetworkError{Err: err}
	}
	if strings.HasPrefix(err.Error(), exhaustedRetriesPrefix) {
		return &APIError{Status: http.StatusBadGateway, Message: err.Error()}
	}
	return err
}

// --- Roles API ---

// ListRoles возвращает роли сервера.
func (c *Client) ListRoles(ctx context.Context, guildID string) ([]Role, error) {
	roles, err := c.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("получение ролей сервера %s: %w", guildID, convertError(ctx, err))
	}

	result := make([]Role, 0, len(roles))
	for _, r := range roles {
		result = append(result, roleFrom(r))
	}
	return result, nil
}

// CreateRole создаёт роль на сервере.
func (c *Client) CreateRole(ctx context.Context, guildID, name string) (*Role, error) {
	mentionable := true
	created, err := c.session.GuildRoleCreate(guildID, &discordgo.RoleParams{
		Name:        name,
		Mentionable: &mentionable,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("создание роли %q: %w", name, convertError(ctx, err))
	}

	role := roleFrom(created)
	c.logger.Info("Роль Discord создана",
		slog.String("guild_id", guildID),
		slog.String("discord_role_id", role.ID),
		slog.String("name", name),
	)
	return &role, nil
}

// AddMemberRole назначает роль участнику. Повторный вызов — no-op.
func (c *Client) AddMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	if err := c.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("назначение роли %s участнику %s: %w", roleID, userID, convertError(ctx, err))
	}
	return nil
}

// RemoveMemberRole снимает роль с участника.
// 404 (участник покинул сервер или роль удалена) считается успехом.
func (c *Client) RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	err := convertError(ctx, c.session.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx)))
	if err == nil || IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("снятие роли %s с участника %s: %w", roleID, userID, err)
}

func roleFrom(r *discordgo.Role) Role {
	return Role{
		ID:          r.ID,
		Name:        r.Name,
		Managed:     r.Managed,
		Mentionable: r.Mentionable,
		Position:    r.Position,
	}
}

// --- Messages API ---

// SendMessage отправляет сообщение в канал.
// mentionRoleID — роль, упоминание которой разрешено (пусто — без упоминаний).
func (c *Client) SendMessage(ctx context.Context, channelID, content, mentionRoleID string) (*Message, error) {
	mentions := &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
	if mentionRoleID != "" {
		mentions.Roles = []string{mentionRoleID}
	}

	msg, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: mentions,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("отправка сообщения в канал %s: %w", channelID, convertError(ctx, err))
	}
	return &Message{ID: msg.ID, ChannelID: msg.ChannelID, Content: msg.Content}, nil
}

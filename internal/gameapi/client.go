// Пакет gameapi — HTTP-клиент игрового API войн.
// Каждый запрос авторизуется ключом альянса, выбранным CredentialResolver.
// Операции: ListWars (GET /wars по возрастанию ID), LatestWarID.
package gameapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

var (
	// ErrUnauthorized — ключ отклонён игровым API (отозван или неверен).
	ErrUnauthorized = errors.New("ключ игрового API отклонён")
	// ErrUnavailable — игровой API недоступен (timeout, 5xx, 429).
	ErrUnavailable = errors.New("игровой API недоступен")
)

// participantDTO — сторона войны в ответе API.
type participantDTO struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	AllianceID int64  `json:"alliance_id"`
}

// warDTO — война в ответе GET /wars.
type warDTO struct {
	ID       int64          `json:"id"`
	Date     time.Time      `json:"date"`
	Reason   string         `json:"reason"`
	WarType  string         `json:"war_type"`
	Attacker participantDTO `json:"attacker"`
	Defender participantDTO `json:"defender"`
}

// warListResponse — ответ GET /wars.
type warListResponse struct {
	Data []warDTO `json:"data"`
}

// Client — HTTP-клиент игрового API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент игрового API.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "game_api")),
	}
}

// ListWars возвращает войны альянса с ID > afterID по возрастанию ID (не более limit).
func (c *Client) ListWars(ctx context.Context, key string, allianceID, afterID int64, limit int) ([]model.War, error) {
	q := url.Values{}
	q.Set("alliance_id", strconv.FormatInt(allianceID, 10))
	q.Set("after_id", strconv.FormatInt(afterID, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "asc")

	resp, err := c.getWars(ctx, key, q)
	if err != nil {
		return nil, err
	}

	wars := make([]model.War, 0, len(resp.Data))
	for _, w := range resp.Data {
		wars = append(wars, w.toModel())
	}
	return wars, nil
}

// LatestWarID возвращает ID самой свежей войны альянса (0, если войн не было).
func (c *Client) LatestWarID(ctx context.Context, key string, allianceID int64) (int64, error) {
	q := url.Values{}
	q.Set("alliance_id", strconv.FormatInt(allianceID, 10))
	q.Set("limit", "1")
	q.Set("order", "desc")

	resp, err := c.getWars(ctx, key, q)
	if err != nil {
		return 0, err
	}
	if len(resp.Data) == 0 {
		return 0, nil
	}
	return resp.Data[0].ID, nil
}

// HealthURL возвращает URL для проверки доступности (dephealth).
func (c *Client) HealthURL() string {
	return c.baseURL
}

func (c *Client) getWars(ctx context.Context, key string, q url.Values) (*warListResponse, error) {
	reqURL := c.baseURL + "/wars?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("создание запроса /wars: %w", err)
	}
	req.Header.Set("X-Api-Key", key)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var out warListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("декодирование ответа /wars: %w", err)
	}
	return &out, nil
}

// checkResponse переводит HTTP-статус в ошибки пакета.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: статус %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: статус %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	default:
		return fmt.Errorf("игровой API вернул статус %d: %s", resp.StatusCode, string(body))
	}
}

func (d warDTO) toModel() model.War {
	return model.War{
		ID:         d.ID,
		DeclaredAt: d.Date,
		Reason:     d.Reason,
		Type:       d.WarType,
		Offensive:  d.Attacker.toModel(),
		Defensive:  d.Defender.toModel(),
	}
}

func (p participantDTO) toModel() model.Participant {
	out := model.Participant{ID: p.ID, Name: p.Name}
	if p.AllianceID != 0 {
		id := p.AllianceID
		out.AllianceID = &id
	}
	return out
}

package discord

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Role — роль сервера Discord.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Managed     bool   `json:"managed"`
	Mentionable bool   `json:"mentionable"`
	Position    int    `json:"position"`
}

// Message — созданное сообщение канала.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

// APIError — ошибка Discord REST API.
type APIError struct {
	// Status — HTTP-статус
	Status int
	// Code — JSON error code Discord (10007 Unknown Member, 10011 Unknown Role, ...)
	Code int `json:"code"`
	// Message — текст ошибки
	Message string `json:"message"`
	// RetryAfter — пауза перед повтором (для 429)
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("Discord API вернул статус %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("Discord API вернул статус %d: %s", e.Status, e.Message)
}

// IsTransient сообщает, имеет ли смысл повторить запрос.
func (e *APIError) IsTransient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsNotFound сообщает, что объект (роль, участник, канал) не существует.
func (e *APIError) IsNotFound() bool {
	return e.Status == http.StatusNotFound
}

// IsTransient сообщает, является ли ошибка временной: 429/5xx
// или сетевой сбой, не дошедший до ответа Discord.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsTransient()
	}
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsNotFound сообщает, что Discord ответил 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsNotFound()
}

// NetworkError — запрос не получил ответа Discord.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "Discord API недоступен: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

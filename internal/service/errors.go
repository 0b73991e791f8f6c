// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrValidation — ошибка валидации входных данных (без повторов).
	ErrValidation = errors.New("ошибка валидации")
	// ErrUnpollable — у альянса нет доступного ключа игрового API.
	ErrUnpollable = errors.New("альянс сейчас не опрашивается: нет ключа API")
	// ErrTransient — временная ошибка внешней платформы (timeout, 5xx, 429).
	ErrTransient = errors.New("внешняя платформа временно недоступна")
	// ErrConflict — конфликт (дублирующийся ресурс или занятая роль Discord).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrAlreadyResolved — конфликт привязок уже разрешён.
	ErrAlreadyResolved = errors.New("конфликт уже разрешён")
	// ErrUnbound — у пользователя нет привязанного аккаунта Discord.
	ErrUnbound = errors.New("пользователь не привязан к аккаунту Discord")
	// ErrSinkUnavailable — ни одна доставка цикла не удалась.
	ErrSinkUnavailable = errors.New("приёмник уведомлений недоступен")
)

// handler.go — основной обработчик API Alliance Sync.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/alliance-sync/internal/api/errors"
	"github.com/bigkaa/alliance-sync/internal/discord"
	"github.com/bigkaa/alliance-sync/internal/domain/model"
	"github.com/bigkaa/alliance-sync/internal/service"
)

// IdentityService — операции над привязками и конфликтами.
type IdentityService interface {
	Bind(ctx context.Context, allianceID int64, userID, discordUserID string) (*model.BindResult, error)
	ResolveConflict(ctx context.Context, conflictID, keep, resolvedBy string) (*model.Conflict, error)
	GetConflict(ctx context.Context, conflictID string) (*model.Conflict, error)
	ListConflicts(ctx context.Context, allianceID int64, status *string, limit, offset int) ([]*model.Conflict, int, error)
}

// RoleService — синхронизация ролей в обе стороны.
type RoleService interface {
	CreateRole(ctx context.Context, allianceID int64, name string) (*model.Role, *model.RoleSyncResult, error)
	Grant(ctx context.Context, allianceID int64, roleID, userID string) (*model.RoleSyncResult, error)
	Revoke(ctx context.Context, allianceID int64, roleID, userID string) (*model.RoleSyncResult, error)
	LinkRole(ctx context.Context, allianceID int64, roleID, discordRoleID string) (*model.Role, error)
	Observe(ctx context.Context, obs model.Observation) (*model.ObservationResult, error)
}

// ChannelService — каналы уведомлений.
type ChannelService interface {
	Upsert(ctx context.Context, allianceID int64, in service.ChannelInput) (*model.ChannelConfig, error)
	List(ctx context.Context, allianceID int64) ([]*model.ChannelConfig, error)
}

// Reconciler — reconcile-проход по альянсу.
type Reconciler interface {
	Reconcile(ctx context.Context, allianceID int64) (*model.ReconcileResult, error)
}

// Poller — внеочередной цикл опроса.
type Poller interface {
	PollNow(ctx context.Context) (*model.PollResult, error)
}

// APIHandler — основной обработчик API.
type APIHandler struct {
	health     *HealthHandler
	identities IdentityService
	roles      RoleService
	channels   ChannelService
	reconciler Reconciler
	poller     Poller
	logger     *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	identities IdentityService,
	roles RoleService,
	channels ChannelService,
	reconciler Reconciler,
	poller Poller,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:     health,
		identities: identities,
		roles:      roles,
		channels:   channels,
		reconciler: reconciler,
		poller:     poller,
		logger:     logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON разбирает тело запроса. Неизвестные поля отклоняются.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// allianceIDParam извлекает {allianceID} из пути.
func allianceIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "allianceID"), 10, 64)
	if err != nil || id <= 0 {
		apierrors.ValidationError(w, "Некорректный ID альянса")
		return 0, false
	}
	return id, true
}

// paginationDefaults нормализует параметры пагинации из query.
func paginationDefaults(r *http.Request) (int, int) {
	l, o := 100, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		l = min(max(v, 1), 1000)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		o = max(v, 0)
	}
	return l, o
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var apiErr *discord.APIError
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrAlreadyResolved):
		apierrors.AlreadyResolved(w, err.Error())
	case errors.Is(err, service.ErrUnbound):
		apierrors.Unbound(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrTransient), errors.As(err, &apiErr):
		h.logger.Warn("Ошибка Discord", slog.String("op", op), slog.String("error", err.Error()))
		apierrors.PlatformUnavailable(w, err.Error())
	default:
		h.logger.Error("Внутренняя ошибка", slog.String("op", op), slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка: "+op)
	}
}

// identity.go — привязка внутренних пользователей к аккаунтам Discord.
//
// В пределах альянса аккаунт Discord привязан не более чем к одному
// пользователю. Попытка привязать занятый аккаунт к другому пользователю
// не перезаписывает привязку: претендент сохраняется в карантине,
// создаётся конфликт, который разрешает только оператор.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
	"github.com/bigkaa/alliance-sync/internal/repository"
)

// bindAttempts — попыток Bind при гонке с параллельной привязкой.
const bindAttempts = 3

var identityConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "as_identity_conflicts_total",
	Help: "Количество обнаруженных конфликтов привязок",
})

// snowflakeRe — формат идентификаторов Discord.
var snowflakeRe = regexp.MustCompile(`^[0-9]{1,20}$`)

// IdentityReconciler — сервис привязок и конфликтов.
type IdentityReconciler struct {
	repo   repository.IdentityRepository
	logger *slog.Logger
}

// NewIdentityReconciler создаёт сервис привязок.
func NewIdentityReconciler(repo repository.IdentityRepository, logger *slog.Logger) *IdentityReconciler {
	return &IdentityReconciler{
		repo:   repo,
		logger: logger.With(slog.String("component", "identity")),
	}
}

// Bind привязывает пользователя userID к аккаунту discordUserID в альянсе.
// Конфликт не является ошибкой: возвращается Outcome == conflict и запись конфликта.
func (s *IdentityReconciler) Bind(ctx context.Context, allianceID int64, userID, discordUserID string) (*model.BindResult, error) {
	if err := validateBinding(allianceID, userID, discordUserID); err != nil {
		return nil, err
	}
	logger := s.logger.With(
		slog.Int64("alliance_id", allianceID),
		slog.String("user_id", userID),
		slog.String("discord_user_id", discordUserID),
	)

	for range bindAttempts {
		b := &model.Binding{AllianceID: allianceID, UserID: userID, DiscordUserID: discordUserID}
		created, err := s.repo.InsertBinding(ctx, b)
		if err != nil {
			return nil, err
		}
		if created {
			logger.Info("Аккаунт Discord привязан")
			return &model.BindResult{Outcome: model.BindCreated, Binding: b}, nil
		}

		active, err := s.repo.GetActiveBinding(ctx, allianceID, discordUserID)
		if errors.Is(err, repository.ErrNotFound) {
			// Аккаунт свободен, но тройка уже есть (вытесненная или карантинная).
			ok, err := s.repo.ActivateIfVacant(ctx, allianceID, discordUserID, userID)
			if err != nil {
				return nil, err
			}
			if ok {
				logger.Info("Прежняя привязка аккаунта Discord восстановлена")
				active, err = s.repo.GetActiveBinding(ctx, allianceID, discordUserID)
				if err != nil {
					return nil, err
				}
				return &model.BindResult{Outcome: model.BindCreated, Binding: active}, nil
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if active.UserID == userID {
			return &model.BindResult{Outcome: model.BindUnchanged, Binding: active}, nil
		}
		return s.raiseConflict(ctx, logger, active, userID)
	}

	return nil, fmt.Errorf("привязка аккаунта %s: параллельные изменения: %w", discordUserID, ErrConflict)
}

// raiseConflict фиксирует претендента и конфликт, не трогая действующую привязку.
func (s *IdentityReconciler) raiseConflict(ctx context.Context, logger *slog.Logger, active *model.Binding, claimant string) (*model.BindResult, error) {
	if err := s.repo.QuarantineBinding(ctx, active.AllianceID, active.DiscordUserID, claimant); err != nil {
		return nil, err
	}

	conflict := &model.Conflict{
		AllianceID:    active.AllianceID,
		DiscordUserID: active.DiscordUserID,
		UserA:         active.UserID,
		UserB:         claimant,
	}
	created, err := s.repo.CreateConflict(ctx, conflict)
	if err != nil {
		return nil, err
	}
	if created {
		identityConflictsTotal.Inc()
		logger.Warn("Конфликт привязок: аккаунт Discord уже привязан к другому пользователю",
			slog.String("conflict_id", conflict.ID),
			slog.String("bound_user_id", active.UserID),
		)
	}
	return &model.BindResult{Outcome: model.BindConflict, Binding: active, Conflict: conflict}, nil
}

// ResolveConflict разрешает конфликт решением оператора: keep = "a" или "b".
func (s *IdentityReconciler) ResolveConflict(ctx context.Context, conflictID, keep, resolvedBy string) (*model.Conflict, error) {
	if _, err := uuid.Parse(conflictID); err != nil {
		return nil, fmt.Errorf("%w: некорректный ID конфликта", ErrValidation)
	}
	if keep != model.KeepA && keep != model.KeepB {
		return nil, fmt.Errorf("%w: keep должен быть %q или %q", ErrValidation, model.KeepA, model.KeepB)
	}
	if resolvedBy == "" {
		return nil, fmt.Errorf("%w: не указан оператор", ErrValidation)
	}

	c, err := s.repo.ResolveConflict(ctx, conflictID, keep, resolvedBy)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrAlreadyResolved):
			return nil, ErrAlreadyResolved
		}
		return nil, fmt.Errorf("разрешение конфликта: %w", err)
	}

	s.logger.Info("Конфликт привязок разрешён",
		slog.String("conflict_id", c.ID),
		slog.Int64("alliance_id", c.AllianceID),
		slog.String("status", c.Status),
		slog.String("resolved_by", resolvedBy),
	)
	return c, nil
}

// GetConflict возвращает конфликт по ID.
func (s *IdentityReconciler) GetConflict(ctx context.Context, conflictID string) (*model.Conflict, error) {
	if _, err := uuid.Parse(conflictID); err != nil {
		return nil, fmt.Errorf("%w: некорректный ID конфликта", ErrValidation)
	}
	c, err := s.repo.GetConflict(ctx, conflictID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListConflicts возвращает конфликты альянса и их общее количество.
func (s *IdentityReconciler) ListConflicts(ctx context.Context, allianceID int64, status *string, limit, offset int) ([]*model.Conflict, int, error) {
	if status != nil {
		switch *status {
		case model.ConflictUnresolved, model.ConflictResolvedKeptA, model.ConflictResolvedKeptB:
		default:
			return nil, 0, fmt.Errorf("%w: неизвестный статус конфликта %q", ErrValidation, *status)
		}
	}

	conflicts, err := s.repo.ListConflicts(ctx, allianceID, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.CountConflicts(ctx, allianceID, status)
	if err != nil {
		return nil, 0, err
	}
	return conflicts, total, nil
}

// OpenConflicts возвращает число неразрешённых конфликтов альянса.
func (s *IdentityReconciler) OpenConflicts(ctx context.Context, allianceID int64) (int, error) {
	status := model.ConflictUnresolved
	return s.repo.CountConflicts(ctx, allianceID, &status)
}

func validateBinding(allianceID int64, userID, discordUserID string) error {
	switch {
	case allianceID <= 0:
		return fmt.Errorf("%w: некорректный ID альянса", ErrValidation)
	case userID == "" || len(userID) > 128:
		return fmt.Errorf("%w: некорректный ID пользователя", ErrValidation)
	case !snowflakeRe.MatchString(discordUserID):
		return fmt.Errorf("%w: некорректный ID аккаунта Discord", ErrValidation)
	}
	return nil
}

// rolesync.go — синхронизация ролей альянса с ролями Discord.
//
// Internal→External: Requested → Created/AlreadyExists → Linked либо
// Requested → Failed. Роль без пары в Discord связывается при первой
// команде grant/revoke: ищется роль с тем же именем (already_exists),
// иначе создаётся (created), затем ID сохраняется условным UPDATE.
// Назначение и снятие роли участнику — один идемпотентный вызов.
//
// External→Internal: Observed → Matched → Applied либо Unmatched.
// Наблюдение из Discord сопоставляется с привязкой аккаунта; без привязки
// или без связанной роли оно отбрасывается и учитывается в метрике.
//
// Временные ошибки Discord повторяются (RetryPolicy) и затем возвращаются
// как Pending без ошибки: расхождение исправит reconcile-проход.
// Снятие роли до вызова Discord записывается в role_revocations,
// поэтому отложенный revoke не теряется.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/alliance-sync/internal/discord"
	"github.com/bigkaa/alliance-sync/internal/domain/model"
	"github.com/bigkaa/alliance-sync/internal/repository"
)

// Направления синхронизации (лейбл direction).
const (
	directionToDiscord   = "internal_to_external"
	directionFromDiscord = "external_to_internal"
)

// statePending — лейбл метрики для отложенного вызова Discord.
const statePending = "pending"

var (
	roleSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "as_role_sync_total",
		Help: "Итоги синхронизации ролей по направлениям",
	}, []string{"direction", "state"})

	observationsUnmatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "as_observations_unmatched_total",
		Help: "Количество отброшенных наблюдений из Discord",
	}, []string{"reason"})
)

// PlatformRoles — управление ролями Discord (реализуется discord.Client).
type PlatformRoles interface {
	ListRoles(ctx context.Context, guildID string) ([]discord.Role, error)
	CreateRole(ctx context.Context, guildID, name string) (*discord.Role, error)
	AddMemberRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error
}

// RoleSyncService — синхронизация ролей в обе стороны.
type RoleSyncService struct {
	alliances  repository.AllianceRepository
	roles      repository.RoleRepository
	bindings   repository.IdentityRepository
	identities *IdentityReconciler
	platform   PlatformRoles
	retry      RetryPolicy
	logger     *slog.Logger

	// linking объединяет параллельные связывания одной роли в процессе
	linking singleflight.Group
}

// NewRoleSyncService создаёт сервис синхронизации ролей.
func NewRoleSyncService(
	alliances repository.AllianceRepository,
	roles repository.RoleRepository,
	bindings repository.IdentityRepository,
	identities *IdentityReconciler,
	platform PlatformRoles,
	retry RetryPolicy,
	logger *slog.Logger,
) *RoleSyncService {
	return &RoleSyncService{
		alliances:  alliances,
		roles:      roles,
		bindings:   bindings,
		identities: identities,
		platform:   platform,
		retry:      retry,
		logger:     logger.With(slog.String("component", "role_sync")),
	}
}

// CreateRole создаёт внутреннюю роль и сразу пытается связать её с Discord.
func (s *RoleSyncService) CreateRole(ctx context.Context, allianceID int64, name string) (*model.Role, *model.RoleSyncResult, error) {
	if name == "" || len(name) > 100 {
		return nil, nil, fmt.Errorf("%w: имя роли должно быть от 1 до 100 символов", ErrValidation)
	}
	guildID, err := s.guildOf(ctx, allianceID)
	if err != nil {
		return nil, nil, err
	}

	role := &model.Role{AllianceID: allianceID, Name: name}
	if err := s.roles.Create(ctx, role); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, nil, fmt.Errorf("%w: роль %q уже существует", ErrConflict, name)
		}
		return nil, nil, err
	}

	res, err := s.ensureLinked(ctx, guildID, role)
	if err != nil {
		return role, res, err
	}
	if res.DiscordRoleID != "" {
		role.DiscordRoleID = &res.DiscordRoleID
	}
	role.SyncState = res.State
	return role, res, nil
}

// Grant добавляет пользователя в роль и назначает роль его аккаунту Discord.
// Повторный вызов с теми же аргументами ничего не меняет и не возвращает ошибку.
func (s *RoleSyncService) Grant(ctx context.Context, allianceID int64, roleID, userID string) (*model.RoleSyncResult, error) {
	guildID, role, err := s.loadRole(ctx, allianceID, roleID, userID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(
		slog.Int64("alliance_id", allianceID),
		slog.String("role_id", role.ID),
		slog.String("user_id", userID),
	)

	binding, err := s.bindings.GetActiveBindingByUser(ctx, allianceID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnbound
		}
		return nil, err
	}

	res, err := s.ensureLinked(ctx, guildID, role)
	if err != nil {
		return res, err
	}

	if _, err := s.roles.AddMember(ctx, role.ID, userID, model.MemberSourceInternal); err != nil {
		return nil, err
	}
	if err := s.roles.DeleteRevocation(ctx, role.ID, binding.DiscordUserID); err != nil {
		return nil, err
	}
	if res.Pending {
		return res, nil
	}

	err = s.retry.Do(ctx, "add_member_role", logger, func(ctx context.Context) error {
		return s.platform.AddMemberRole(ctx, guildID, binding.DiscordUserID, res.DiscordRoleID)
	})
	return s.finishMemberCall(logger, res, "grant", err)
}

// Revoke удаляет пользователя из роли и снимает роль в Discord.
// Снятие отсутствующей роли — no-op.
func (s *RoleSyncService) Revoke(ctx context.Context, allianceID int64, roleID, userID string) (*model.RoleSyncResult, error) {
	guildID, role, err := s.loadRole(ctx, allianceID, roleID, userID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(
		slog.Int64("alliance_id", allianceID),
		slog.String("role_id", role.ID),
		slog.String("user_id", userID),
	)

	if _, err := s.roles.RemoveMember(ctx, role.ID, userID); err != nil {
		return nil, err
	}

	res := &model.RoleSyncResult{RoleID: role.ID, State: role.SyncState}
	if !role.Linked() {
		// В Discord снимать нечего.
		return res, nil
	}
	res.DiscordRoleID = *role.DiscordRoleID

	binding, err := s.bindings.GetActiveBindingByUser(ctx, allianceID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	// Снятие фиксируется до вызова: при отказе Discord или падении
	// процесса его применит reconcile.
	rev := &model.RoleRevocation{RoleID: role.ID, UserID: userID, DiscordUserID: binding.DiscordUserID}
	if err := s.roles.AddRevocation(ctx, rev); err != nil {
		return nil, err
	}

	err = s.retry.Do(ctx, "remove_member_role", logger, func(ctx context.Context) error {
		return s.platform.RemoveMemberRole(ctx, guildID, binding.DiscordUserID, res.DiscordRoleID)
	})
	if err == nil {
		if err := s.roles.DeleteRevocation(ctx, role.ID, binding.DiscordUserID); err != nil {
			return nil, err
		}
	}
	return s.finishMemberCall(logger, res, "revoke", err)
}

// finishMemberCall переводит ошибку вызова Discord в итог операции.
func (s *RoleSyncService) finishMemberCall(logger *slog.Logger, res *model.RoleSyncResult, action string, err error) (*model.RoleSyncResult, error) {
	switch {
	case err == nil:
		roleSyncTotal.WithLabelValues(directionToDiscord, res.State).Inc()
		return res, nil
	case discord.IsTransient(err):
		res.Pending = true
		roleSyncTotal.WithLabelValues(directionToDiscord, statePending).Inc()
		logger.Warn("Discord недоступен, изменение роли отложено до reconcile",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		return res, nil
	}
	roleSyncTotal.WithLabelValues(directionToDiscord, model.RoleFailed).Inc()
	return nil, fmt.Errorf("%s роли в Discord: %w", action, err)
}

// LinkRole вручную связывает роль с ролью Discord (корректировка оператором).
func (s *RoleSyncService) LinkRole(ctx context.Context, allianceID int64, roleID, discordRoleID string) (*model.Role, error) {
	if _, err := uuid.Parse(roleID); allianceID <= 0 || err != nil {
		return nil, fmt.Errorf("%w: некорректные параметры роли", ErrValidation)
	}
	if !snowflakeRe.MatchString(discordRoleID) {
		return nil, fmt.Errorf("%w: некорректный ID роли Discord", ErrValidation)
	}

	role, err := s.roles.SetLink(ctx, allianceID, roleID, discordRoleID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrConflict):
			return nil, fmt.Errorf("%w: роль Discord %s уже связана", ErrConflict, discordRoleID)
		}
		return nil, err
	}

	s.logger.Info("Роль связана вручную",
		slog.Int64("alliance_id", allianceID),
		slog.String("role_id", roleID),
		slog.String("discord_role_id", discordRoleID),
	)
	return role, nil
}

// ensureLinked связывает роль с ролью Discord, если связи ещё нет.
// Временная ошибка Discord даёт Pending без ошибки, постоянная — состояние failed.
func (s *RoleSyncService) ensureLinked(ctx context.Context, guildID string, role *model.Role) (*model.RoleSyncResult, error) {
	if role.Linked() {
		return &model.RoleSyncResult{RoleID: role.ID, State: model.RoleLinked, DiscordRoleID: *role.DiscordRoleID}, nil
	}

	v, err, _ := s.linking.Do(role.ID, func() (any, error) {
		leader := *role
		return s.linkExternal(ctx, guildID, &leader)
	})
	shared, _ := v.(*model.RoleSyncResult)
	if shared == nil {
		return nil, err
	}
	res := *shared
	if err == nil && res.DiscordRoleID != "" {
		id := res.DiscordRoleID
		role.DiscordRoleID = &id
		role.SyncState = model.RoleLinked
	}
	return &res, err
}

// linkExternal находит роль Discord по имени или создаёт её и сохраняет связь.
// Между процессами гонку разрешает LinkIfUnlinked.
func (s *RoleSyncService) linkExternal(ctx context.Context, guildID string, role *model.Role) (*model.RoleSyncResult, error) {
	res := &model.RoleSyncResult{RoleID: role.ID, State: role.SyncState}
	logger := s.logger.With(
		slog.Int64("alliance_id", role.AllianceID),
		slog.String("role_id", role.ID),
		slog.String("name", role.Name),
	)

	var external *discord.Role
	err := s.retry.Do(ctx, "list_roles", logger, func(ctx context.Context) error {
		roles, err := s.platform.ListRoles(ctx, guildID)
		if err != nil {
			return err
		}
		for i := range roles {
			if roles[i].Name == role.Name && !roles[i].Managed {
				external = &roles[i]
				return nil
			}
		}
		return nil
	})
	res.Step = model.RoleStepAlreadyExists
	if err == nil && external == nil {
		res.Step = model.RoleStepCreated
		err = s.retry.Do(ctx, "create_role", logger, func(ctx context.Context) error {
			var err error
			external, err = s.platform.CreateRole(ctx, guildID, role.Name)
			return err
		})
	}

	if err != nil {
		res.Step = ""
		if discord.IsTransient(err) {
			res.Pending = true
			roleSyncTotal.WithLabelValues(directionToDiscord, statePending).Inc()
			logger.Warn("Discord недоступен, связывание роли отложено", slog.String("error", err.Error()))
			return res, nil
		}
		if markErr := s.roles.MarkFailed(ctx, role.ID, err.Error()); markErr != nil {
			logger.Error("Не удалось сохранить состояние failed", slog.String("error", markErr.Error()))
		}
		res.State = model.RoleFailed
		roleSyncTotal.WithLabelValues(directionToDiscord, model.RoleFailed).Inc()
		logger.Error("Не удалось связать роль с Discord", slog.String("error", err.Error()))
		return res, fmt.Errorf("связывание роли %q: %w", role.Name, err)
	}
	roleSyncTotal.WithLabelValues(directionToDiscord, res.Step).Inc()

	linked, err := s.roles.LinkIfUnlinked(ctx, role.ID, external.ID)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return res, fmt.Errorf("%w: роль Discord %s уже связана с другой ролью", ErrConflict, external.ID)
		}
		return res, err
	}
	if !linked {
		// Параллельный вызов связал роль раньше: используем его результат.
		current, err := s.roles.GetByID(ctx, role.AllianceID, role.ID)
		if err != nil {
			return res, err
		}
		if !current.Linked() {
			return res, fmt.Errorf("роль %s не связана после LinkIfUnlinked", role.ID)
		}
		*role = *current
	} else {
		role.DiscordRoleID = &external.ID
		role.SyncState = model.RoleLinked
		logger.Info("Роль связана с Discord",
			slog.String("discord_role_id", external.ID),
			slog.String("step", res.Step),
		)
	}

	res.State = model.RoleLinked
	res.DiscordRoleID = *role.DiscordRoleID
	roleSyncTotal.WithLabelValues(directionToDiscord, model.RoleLinked).Inc()
	return res, nil
}

// Observe применяет изменение членства, замеченное в Discord.
// Повторное наблюдение того же изменения — no-op (Changed == false).
func (s *RoleSyncService) Observe(ctx context.Context, obs model.Observation) (*model.ObservationResult, error) {
	if err := validateObservation(obs); err != nil {
		return nil, err
	}

	if obs.UserID != "" {
		bind, err := s.identities.Bind(ctx, obs.AllianceID, obs.UserID, obs.DiscordUserID)
		if err != nil {
			return nil, err
		}
		if bind.Outcome == model.BindConflict {
			roleSyncTotal.WithLabelValues(directionFromDiscord, model.ObservationConflict).Inc()
			return &model.ObservationResult{
				State:  model.ObservationConflict,
				UserID: bind.Binding.UserID,
			}, nil
		}
	}

	role, err := s.roles.GetByDiscordRoleID(ctx, obs.AllianceID, obs.DiscordRoleID)
	if errors.Is(err, repository.ErrNotFound) {
		return s.unmatched(model.UnmatchedNoRole), nil
	}
	if err != nil {
		return nil, err
	}

	binding, err := s.bindings.GetActiveBinding(ctx, obs.AllianceID, obs.DiscordUserID)
	if errors.Is(err, repository.ErrNotFound) {
		return s.unmatched(model.UnmatchedNoBinding), nil
	}
	if err != nil {
		return nil, err
	}

	var changed bool
	if obs.Action == model.ActionGrant {
		changed, err = s.roles.AddMember(ctx, role.ID, binding.UserID, model.MemberSourceDiscord)
	} else {
		changed, err = s.roles.RemoveMember(ctx, role.ID, binding.UserID)
	}
	if err != nil {
		return nil, err
	}
	// Discord уже в наблюдаемом состоянии: отложенное снятие больше не нужно.
	if err := s.roles.DeleteRevocation(ctx, role.ID, obs.DiscordUserID); err != nil {
		return nil, err
	}

	roleSyncTotal.WithLabelValues(directionFromDiscord, model.ObservationApplied).Inc()
	if changed {
		s.logger.Info("Членство в роли обновлено из Discord",
			slog.Int64("alliance_id", obs.AllianceID),
			slog.String("role_id", role.ID),
			slog.String("user_id", binding.UserID),
			slog.String("action", obs.Action),
		)
	}
	return &model.ObservationResult{
		State:   model.ObservationApplied,
		UserID:  binding.UserID,
		RoleID:  role.ID,
		Changed: changed,
	}, nil
}

func (s *RoleSyncService) unmatched(reason string) *model.ObservationResult {
	observationsUnmatchedTotal.WithLabelValues(reason).Inc()
	roleSyncTotal.WithLabelValues(directionFromDiscord, model.ObservationUnmatched).Inc()
	return &model.ObservationResult{State: model.ObservationUnmatched, Reason: reason}
}

// loadRole проверяет параметры команды и загружает сервер альянса и роль.
func (s *RoleSyncService) loadRole(ctx context.Context, allianceID int64, roleID, userID string) (string, *model.Role, error) {
	if _, err := uuid.Parse(roleID); err != nil {
		return "", nil, fmt.Errorf("%w: некорректный ID роли", ErrValidation)
	}
	if userID == "" || len(userID) > 128 {
		return "", nil, fmt.Errorf("%w: некорректный ID пользователя", ErrValidation)
	}
	guildID, err := s.guildOf(ctx, allianceID)
	if err != nil {
		return "", nil, err
	}
	role, err := s.roles.GetByID(ctx, allianceID, roleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, ErrNotFound
		}
		return "", nil, err
	}
	return guildID, role, nil
}

// guildOf возвращает сервер Discord альянса.
func (s *RoleSyncService) guildOf(ctx context.Context, allianceID int64) (string, error) {
	if allianceID <= 0 {
		return "", fmt.Errorf("%w: некорректный ID альянса", ErrValidation)
	}
	alliance, err := s.alliances.GetByID(ctx, allianceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	if alliance.DiscordGuildID == nil || *alliance.DiscordGuildID == "" {
		return "", fmt.Errorf("%w: у альянса %d нет сервера Discord", ErrValidation, allianceID)
	}
	return *alliance.DiscordGuildID, nil
}

func validateObservation(obs model.Observation) error {
	switch {
	case obs.AllianceID <= 0:
		return fmt.Errorf("%w: некорректный ID альянса", ErrValidation)
	case !snowflakeRe.MatchString(obs.DiscordUserID):
		return fmt.Errorf("%w: некорректный ID аккаунта Discord", ErrValidation)
	case !snowflakeRe.MatchString(obs.DiscordRoleID):
		return fmt.Errorf("%w: некорректный ID роли Discord", ErrValidation)
	case obs.Action != model.ActionGrant && obs.Action != model.ActionRevoke:
		return fmt.Errorf("%w: action должен быть grant или revoke", ErrValidation)
	case len(obs.UserID) > 128:
		return fmt.Errorf("%w: некорректный ID пользователя", ErrValidation)
	}
	return nil
}

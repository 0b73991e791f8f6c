// reconcile.go — идемпотентный reconcile-проход по альянсу.
//
// Проход приводит Discord к состоянию внутренних ролей:
//  1. Несвязанные роли (requested, failed) связываются с ролями Discord.
//  2. Каждому члену связанной роли с привязанным аккаунтом роль
//     назначается повторно (PUT идемпотентен).
//  3. Неподтверждённые снятия роли (role_revocations) повторяются;
//     снятие, перекрытое новым назначением, просто забывается.
//  4. Подсчитываются неразрешённые конфликты привязок.
//
// Запускается по команде оператора или периодически (AS_RECONCILE_INTERVAL).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
	"github.com/bigkaa/alliance-sync/internal/repository"
)

var reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "as_reconcile_duration_seconds",
	Help:    "Длительность reconcile-прохода по альянсу",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
})

// ReconcileService — reconcile-проходы по альянсам.
type ReconcileService struct {
	alliances repository.AllianceRepository
	roleSync  *RoleSyncService
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconcileService создаёт сервис reconcile. interval == 0 отключает
// периодический запуск.
func NewReconcileService(
	alliances repository.AllianceRepository,
	roleSync *RoleSyncService,
	interval time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		alliances: alliances,
		roleSync:  roleSync,
		interval:  interval,
		logger:    logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает периодический reconcile всех альянсов.
func (s *ReconcileService) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("Периодический reconcile отключён")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Периодический reconcile запущен", slog.String("interval", s.interval.String()))

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Периодический reconcile остановлен")
				return
			case <-ticker.C:
				results, err := s.ReconcileAll(ctx)
				if err != nil {
					s.logger.Error("Ошибка периодического reconcile", slog.String("error", err.Error()))
				} else {
					s.logger.Info("Периодический reconcile завершён", slog.Int("alliances", len(results)))
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *ReconcileService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// ReconcileAll выполняет reconcile всех альянсов с сервером Discord.
// Альянсы обрабатываются параллельно (до 3 одновременно).
func (s *ReconcileService) ReconcileAll(ctx context.Context) ([]*model.ReconcileResult, error) {
	alliances, err := s.alliances.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение альянсов для reconcile: %w", err)
	}

	const maxConcurrency = 3
	sem := make(chan struct{}, maxConcurrency)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []*model.ReconcileResult
	)
	for _, a := range alliances {
		if a.DiscordGuildID == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := s.Reconcile(ctx, a.ID)
			if err != nil {
				s.logger.Warn("Ошибка reconcile альянса",
					slog.Int64("alliance_id", a.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results, nil
}

// Reconcile выполняет проход по одному альянсу. Повторный запуск
// без внешних изменений приводит к тому же состоянию.
func (s *ReconcileService) Reconcile(ctx context.Context, allianceID int64) (*model.ReconcileResult, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	rs := s.roleSync
	guildID, err := rs.guildOf(ctx, allianceID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(slog.Int64("alliance_id", allianceID))

	roles, err := rs.roles.ListByAlliance(ctx, allianceID)
	if err != nil {
		return nil, err
	}

	result := &model.ReconcileResult{AllianceID: allianceID, StartedAt: start}
	for _, role := range roles {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !role.Linked() {
			res, err := rs.ensureLinked(ctx, guildID, role)
			switch {
			case err != nil:
				result.RolesFailed++
				continue
			case res.Pending:
				result.PushFailures++
				continue
			}
			result.RolesLinked++
		}
		s.pushMembers(ctx, logger, guildID, role, result)
		s.replayRevocations(ctx, logger, guildID, role, result)
	}

	open, err := rs.identities.OpenConflicts(ctx, allianceID)
	if err != nil {
		return nil, err
	}
	result.OpenConflicts = open
	result.CompletedAt = time.Now()

	logger.Info("Reconcile альянса завершён",
		slog.Int("roles_linked", result.RolesLinked),
		slog.Int("roles_failed", result.RolesFailed),
		slog.Int("members_pushed", result.MembersPushed),
		slog.Int("members_unbound", result.MembersUnbound),
		slog.Int("members_revoked", result.MembersRevoked),
		slog.Int("push_failures", result.PushFailures),
		slog.Int("open_conflicts", result.OpenConflicts),
	)
	return result, nil
}

// pushMembers повторно назначает роль всем привязанным членам.
func (s *ReconcileService) pushMembers(ctx context.Context, logger *slog.Logger, guildID string, role *model.Role, result *model.ReconcileResult) {
	rs := s.roleSync
	members, err := rs.roles.ListMembers(ctx, role.ID)
	if err != nil {
		logger.Warn("Не удалось получить членов роли",
			slog.String("role_id", role.ID),
			slog.String("error", err.Error()),
		)
		result.PushFailures++
		return
	}

	for _, m := range members {
		binding, err := rs.bindings.GetActiveBindingByUser(ctx, role.AllianceID, m.UserID)
		if errors.Is(err, repository.ErrNotFound) {
			result.MembersUnbound++
			continue
		}
		if err != nil {
			result.PushFailures++
			continue
		}
		err = rs.retry.Do(ctx, "add_member_role", logger, func(ctx context.Context) error {
			return rs.platform.AddMemberRole(ctx, guildID, binding.DiscordUserID, *role.DiscordRoleID)
		})
		if err != nil {
			result.PushFailures++
			logger.Warn("Не удалось назначить роль в Discord",
				slog.String("role_id", role.ID),
				slog.String("user_id", m.UserID),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.MembersPushed++
	}
}

// replayRevocations снимает роль с аккаунтов, снятие которых
// Discord ещё не подтвердил.
func (s *ReconcileService) replayRevocations(ctx context.Context, logger *slog.Logger, guildID string, role *model.Role, result *model.ReconcileResult) {
	rs := s.roleSync
	revocations, err := rs.roles.ListRevocations(ctx, role.ID)
	if err != nil {
		logger.Warn("Не удалось получить снятия роли",
			slog.String("role_id", role.ID),
			slog.String("error", err.Error()),
		)
		result.PushFailures++
		return
	}

	for _, rev := range revocations {
		member, err := rs.roles.IsMember(ctx, role.ID, rev.UserID)
		if err != nil {
			result.PushFailures++
			continue
		}
		if !member {
			err = rs.retry.Do(ctx, "remove_member_role", logger, func(ctx context.Context) error {
				return rs.platform.RemoveMemberRole(ctx, guildID, rev.DiscordUserID, *role.DiscordRoleID)
			})
			if err != nil {
				result.PushFailures++
				logger.Warn("Не удалось снять роль в Discord",
					slog.String("role_id", role.ID),
					slog.String("user_id", rev.UserID),
					slog.String("error", err.Error()),
				)
				continue
			}
			result.MembersRevoked++
		}
		if err := rs.roles.DeleteRevocation(ctx, role.ID, rev.DiscordUserID); err != nil {
			result.PushFailures++
		}
	}
}

// credentials.go — выбор ключа игрового API для альянса.
//
// Порядок: собственный активный ключ альянса, затем общесистемный ключ
// из БД, затем ключ из конфигурации (AS_GAME_FALLBACK_KEY).
// Нет ни одного — альянс не опрашивается (ErrUnpollable), без обращений к API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
	"github.com/bigkaa/alliance-sync/internal/repository"
)

// touchTimeout — таймаут фонового обновления last_used_at.
const touchTimeout = 5 * time.Second

// CredentialResolver выбирает ключ для опроса альянса.
type CredentialResolver struct {
	repo        repository.CredentialRepository
	fallbackKey string
	logger      *slog.Logger
	now         func() time.Time

	wg sync.WaitGroup
}

// NewCredentialResolver создаёт резолвер ключей.
// fallbackKey — общесистемный ключ из конфигурации (может быть пустым).
func NewCredentialResolver(repo repository.CredentialRepository, fallbackKey string, logger *slog.Logger) *CredentialResolver {
	return &CredentialResolver{
		repo:        repo,
		fallbackKey: fallbackKey,
		logger:      logger.With(slog.String("component", "credentials")),
		now:         time.Now,
	}
}

// Resolve возвращает ключ для альянса.
// Ошибка БД не превращается в ErrUnpollable: цикл опроса отличает
// «нет ключа» от «не удалось проверить».
func (r *CredentialResolver) Resolve(ctx context.Context, allianceID int64) (*model.Credential, error) {
	cred, err := r.repo.GetActiveForAlliance(ctx, allianceID)
	switch {
	case err == nil:
		r.touch(cred)
		return cred, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("получение ключа альянса %d: %w", allianceID, err)
	}

	cred, err = r.repo.GetActiveSystem(ctx)
	switch {
	case err == nil:
		r.touch(cred)
		return cred, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("получение системного ключа: %w", err)
	}

	if r.fallbackKey != "" {
		return &model.Credential{
			Secret:   r.fallbackKey,
			IsActive: true,
			Source:   model.CredentialSourceConfig,
		}, nil
	}

	return nil, fmt.Errorf("альянс %d: %w", allianceID, ErrUnpollable)
}

// touch обновляет last_used_at в фоне: ошибка записи не мешает опросу.
func (r *CredentialResolver) touch(cred *model.Credential) {
	if cred.ID == "" {
		return
	}
	at := r.now()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := r.repo.TouchLastUsed(ctx, cred.ID, at); err != nil {
			r.logger.Warn("Не удалось обновить last_used_at ключа",
				slog.String("credential_id", cred.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait дожидается завершения фоновых обновлений (shutdown, тесты).
func (r *CredentialResolver) Wait() {
	r.wg.Wait()
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

// CredentialRepository — таблица api_credentials.
// Движок только читает ключи и обновляет last_used_at;
// Create и SetActive используются администрированием ключей.
type CredentialRepository interface {
	// GetActiveForAlliance возвращает активный ключ альянса.
	GetActiveForAlliance(ctx context.Context, allianceID int64) (*model.Credential, error)
	// GetActiveSystem возвращает активный общесистемный ключ (alliance_id IS NULL).
	GetActiveSystem(ctx context.Context) (*model.Credential, error)
	// TouchLastUsed обновляет время последнего использования ключа.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	// Create сохраняет новый ключ.
	Create(ctx context.Context, c *model.Credential) error
	// SetActive включает или выключает ключ.
	SetActive(ctx context.Context, id string, active bool) error
}

type credentialRepo struct {
	db DBTX
}

// NewCredentialRepository создаёт репозиторий ключей игрового API.
func NewCredentialRepository(db DBTX) CredentialRepository {
	return &credentialRepo{db: db}
}

const credentialColumns = `id, alliance_id, secret, is_active, last_used_at`

func scanCredential(row pgx.Row) (*model.Credential, error) {
	c := &model.Credential{}
	err := row.Scan(&c.ID, &c.AllianceID, &c.Secret, &c.IsActive, &c.LastUsedAt)
	return c, err
}

func (r *credentialRepo) GetActiveForAlliance(ctx context.Context, allianceID int64) (*model.Credential, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM api_credentials
		WHERE alliance_id = $1 AND is_active`, credentialColumns)
	c, err := scanCredential(r.db.QueryRow(ctx, query, allianceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ключа альянса: %w", err)
	}
	c.Source = model.CredentialSourceAlliance
	return c, nil
}

func (r *credentialRepo) GetActiveSystem(ctx context.Context) (*model.Credential, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM api_credentials
		WHERE alliance_id IS NULL AND is_active`, credentialColumns)
	c, err := scanCredential(r.db.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения системного ключа: %w", err)
	}
	c.Source = model.CredentialSourceSystem
	return c, nil
}

func (r *credentialRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	// Время только растёт: параллельные циклы не откатывают отметку назад.
	_, err := r.db.Exec(ctx, `
		UPDATE api_credentials SET last_used_at = $2
		WHERE id = $1 AND (last_used_at IS NULL OR last_used_at < $2)`, id, at)
	if err != nil {
		return fmt.Errorf("ошибка обновления last_used_at: %w", err)
	}
	return nil
}

func (r *credentialRepo) Create(ctx context.Context, c *model.Credential) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO api_credentials (id, alliance_id, secret, is_active)
		VALUES ($1, $2, $3, $4)`, c.ID, c.AllianceID, c.Secret, c.IsActive)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: у альянса уже есть активный ключ", ErrConflict)
		}
		return fmt.Errorf("ошибка создания ключа: %w", err)
	}
	return nil
}

func (r *credentialRepo) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE api_credentials SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: у альянса уже есть активный ключ", ErrConflict)
		}
		return fmt.Errorf("ошибка изменения ключа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

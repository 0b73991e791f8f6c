package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

// IdentityRepository — таблицы identity_bindings и identity_conflicts.
// Привязки не удаляются: при разрешении конфликта проигравшая
// привязка переводится в superseded.
type IdentityRepository interface {
	// InsertBinding пытается создать активную привязку.
	// Возвращает false, если аккаунт уже привязан в альянсе
	// или такая тройка (альянс, аккаунт, пользователь) уже существует.
	InsertBinding(ctx context.Context, b *model.Binding) (bool, error)
	// ActivateIfVacant активирует существующую неактивную привязку,
	// если у аккаунта в альянсе нет активной. Возвращает true при успехе.
	ActivateIfVacant(ctx context.Context, allianceID int64, discordUserID, userID string) (bool, error)
	// QuarantineBinding сохраняет привязку претендента со статусом quarantined
	// (если такой тройки ещё нет).
	QuarantineBinding(ctx context.Context, allianceID int64, discordUserID, userID string) error
	// GetActiveBinding возвращает активную привязку аккаунта Discord.
	GetActiveBinding(ctx context.Context, allianceID int64, discordUserID string) (*model.Binding, error)
	// GetActiveBindingByUser возвращает активную привязку внутреннего пользователя.
	GetActiveBindingByUser(ctx context.Context, allianceID int64, userID string) (*model.Binding, error)
	// ListBindings возвращает всю историю привязок аккаунта.
	ListBindings(ctx context.Context, allianceID int64, discordUserID string) ([]*model.Binding, error)

	// CreateConflict создаёт неразрешённый конфликт. Если такой уже есть,
	// возвращает существующий (created == false).
	CreateConflict(ctx context.Context, c *model.Conflict) (created bool, err error)
	// GetConflict возвращает конфликт по ID.
	GetConflict(ctx context.Context, id string) (*model.Conflict, error)
	// ListConflicts возвращает конфликты альянса с фильтром по статусу.
	ListConflicts(ctx context.Context, allianceID int64, status *string, limit, offset int) ([]*model.Conflict, error)
	// CountConflicts возвращает количество конфликтов альянса.
	CountConflicts(ctx context.Context, allianceID int64, status *string) (int, error)
	// ResolveConflict атомарно оставляет привязку победителя (keep = a|b),
	// вытесняет привязку проигравшего и закрывает конфликт.
	ResolveConflict(ctx context.Context, id, keep, resolvedBy string) (*model.Conflict, error)
}

type identityRepo struct {
	db DBTX
	tx Transactor
}

// NewIdentityRepository создаёт репозиторий привязок и конфликтов.
// tx используется для разрешения конфликтов; может быть nil,
// если репозиторий уже работает внутри транзакции.
func NewIdentityRepository(db DBTX, tx Transactor) IdentityRepository {
	return &identityRepo{db: db, tx: tx}
}

const bindingColumns = `id, alliance_id, user_id, discord_user_id, status,
	superseded_at, created_at, updated_at`

func scanBinding(row pgx.Row) (*model.Binding, error) {
	b := &model.Binding{}
	err := row.Scan(
		&b.ID, &b.AllianceID, &b.UserID, &b.DiscordUserID, &b.Status,
		&b.SupersededAt, &b.CreatedAt, &b.UpdatedAt,
	)
	return b, err
}

const conflictColumns = `id, alliance_id, discord_user_id, user_a, user_b, status,
	detected_at, resolved_at, resolved_by`

func scanConflict(row pgx.Row) (*model.Conflict, error) {
	c := &model.Conflict{}
	err := row.Scan(
		&c.ID, &c.AllianceID, &c.DiscordUserID, &c.UserA, &c.UserB, &c.Status,
		&c.DetectedAt, &c.ResolvedAt, &c.ResolvedBy,
	)
	return c, err
}

func (r *identityRepo) InsertBinding(ctx context.Context, b *model.Binding) (bool, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	// ON CONFLICT без цели покрывает и тройку, и частичный индекс активной привязки.
	query := fmt.Sprintf(`
		INSERT INTO identity_bindings (id, alliance_id, user_id, discord_user_id, status)
		VALUES ($1, $2, $3, $4, 'active')
		ON CONFLICT DO NOTHING
		RETURNING %s`, bindingColumns)

	got, err := scanBinding(r.db.QueryRow(ctx, query, b.ID, b.AllianceID, b.UserID, b.DiscordUserID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка создания привязки: %w", err)
	}
	*b = *got
	return true, nil
}

func (r *identityRepo) ActivateIfVacant(ctx context.Context, allianceID int64, discordUserID, userID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE identity_bindings SET status = 'active', superseded_at = NULL
		WHERE alliance_id = $1 AND discord_user_id = $2 AND user_id = $3
			AND status <> 'active'
			AND NOT EXISTS (
				SELECT 1 FROM identity_bindings
				WHERE alliance_id = $1 AND discord_user_id = $2 AND status = 'active'
			)`, allianceID, discordUserID, userID)
	if err != nil {
		if isUniqueViolation(err) {
			// Параллельный Bind успел занять аккаунт.
			return false, nil
		}
		return false, fmt.Errorf("ошибка активации привязки: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *identityRepo) QuarantineBinding(ctx context.Context, allianceID int64, discordUserID, userID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO identity_bindings (id, alliance_id, user_id, discord_user_id, status)
		VALUES ($1, $2, $3, $4, 'quarantined')
		ON CONFLICT DO NOTHING`, uuid.New().String(), allianceID, userID, discordUserID)
	if err != nil {
		return fmt.Errorf("ошибка карантина привязки: %w", err)
	}
	return nil
}

func (r *identityRepo) GetActiveBinding(ctx context.Context, allianceID int64, discordUserID string) (*model.Binding, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM identity_bindings
		WHERE alliance_id = $1 AND discord_user_id = $2 AND status = 'active'`, bindingColumns)
	return r.getBinding(ctx, query, allianceID, discordUserID)
}

func (r *identityRepo) GetActiveBindingByUser(ctx context.Context, allianceID int64, userID string) (*model.Binding, error) {
	// У пользователя может быть несколько аккаунтов; берём самый ранний.
	query := fmt.Sprintf(`
		SELECT %s FROM identity_bindings
		WHERE alliance_id = $1 AND user_id = $2 AND status = 'active'
		ORDER BY created_at
		LIMIT 1`, bindingColumns)
	return r.getBinding(ctx, query, allianceID, userID)
}

func (r *identityRepo) getBinding(ctx context.Context, query string, args ...any) (*model.Binding, error) {
	b, err := scanBinding(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения привязки: %w", err)
	}
	return b, nil
}

func (r *identityRepo) ListBindings(ctx context.Context, allianceID int64, discordUserID string) ([]*model.Binding, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM identity_bindings
		WHERE alliance_id = $1 AND discord_user_id = $2
		ORDER BY created_at`, bindingColumns)
	rows, err := r.db.Query(ctx, query, allianceID, discordUserID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истории привязок: %w", err)
	}
	defer rows.Close()

	var result []*model.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования привязки: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (r *identityRepo) CreateConflict(ctx context.Context, c *model.Conflict) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	query := fmt.Sprintf(`
		INSERT INTO identity_conflicts (id, alliance_id, discord_user_id, user_a, user_b, status)
		VALUES ($1, $2, $3, $4, $5, 'unresolved')
		ON CONFLICT DO NOTHING
		RETURNING %s`, conflictColumns)

	got, err := scanConflict(r.db.QueryRow(ctx, query,
		c.ID, c.AllianceID, c.DiscordUserID, c.UserA, c.UserB))
	if err == nil {
		*c = *got
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("ошибка создания конфликта: %w", err)
	}

	// Повторное обнаружение того же конфликта — возвращаем открытую запись.
	existing, err := scanConflict(r.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM identity_conflicts
		WHERE alliance_id = $1 AND discord_user_id = $2 AND user_b = $3 AND status = 'unresolved'`,
		conflictColumns), c.AllianceID, c.DiscordUserID, c.UserB))
	if err != nil {
		return false, fmt.Errorf("ошибка получения открытого конфликта: %w", err)
	}
	*c = *existing
	return false, nil
}

func (r *identityRepo) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	query := fmt.Sprintf(`SELECT %s FROM identity_conflicts WHERE id = $1`, conflictColumns)
	c, err := scanConflict(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения конфликта: %w", err)
	}
	return c, nil
}

func conflictFilter(allianceID int64, status *string) (string, []any) {
	conditions := []string{"alliance_id = $1"}
	args := []any{allianceID}
	if status != nil {
		conditions = append(conditions, "status = $2")
		args = append(args, *status)
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (r *identityRepo) ListConflicts(ctx context.Context, allianceID int64, status *string, limit, offset int) ([]*model.Conflict, error) {
	where, args := conflictFilter(allianceID, status)
	argNum := len(args) + 1
	query := fmt.Sprintf(`
		SELECT %s
		FROM identity_conflicts
		%s
		ORDER BY detected_at DESC
		LIMIT $%d OFFSET $%d`, conflictColumns, where, argNum, argNum+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка конфликтов: %w", err)
	}
	defer rows.Close()

	var result []*model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования конфликта: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (r *identityRepo) CountConflicts(ctx context.Context, allianceID int64, status *string) (int, error) {
	where, args := conflictFilter(allianceID, status)
	var count int
	err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM identity_conflicts "+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта конфликтов: %w", err)
	}
	return count, nil
}

func (r *identityRepo) ResolveConflict(ctx context.Context, id, keep, resolvedBy string) (*model.Conflict, error) {
	if r.tx == nil {
		return r.resolveConflict(ctx, id, keep, resolvedBy)
	}

	var resolved *model.Conflict
	err := r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		inner := &identityRepo{db: tx}
		var err error
		resolved, err = inner.resolveConflict(ctx, id, keep, resolvedBy)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// resolveConflict выполняет разрешение в текущем DBTX (ожидается транзакция).
func (r *identityRepo) resolveConflict(ctx context.Context, id, keep, resolvedBy string) (*model.Conflict, error) {
	c, err := scanConflict(r.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM identity_conflicts WHERE id = $1 FOR UPDATE`, conflictColumns), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка блокировки конфликта: %w", err)
	}
	if c.Status != model.ConflictUnresolved {
		return nil, ErrAlreadyResolved
	}

	winner, loser, status := c.UserA, c.UserB, model.ConflictResolvedKeptA
	if keep == model.KeepB {
		winner, loser, status = c.UserB, c.UserA, model.ConflictResolvedKeptB
	}

	// 1. Проигравший вытесняется (и активная, и карантинная запись).
	if _, err := r.db.Exec(ctx, `
		UPDATE identity_bindings SET status = 'superseded', superseded_at = NOW()
		WHERE alliance_id = $1 AND discord_user_id = $2 AND user_id = $3
			AND status <> 'superseded'`,
		c.AllianceID, c.DiscordUserID, loser); err != nil {
		return nil, fmt.Errorf("ошибка вытеснения привязки: %w", err)
	}

	// 2. Любая другая активная привязка аккаунта освобождает место победителю.
	if _, err := r.db.Exec(ctx, `
		UPDATE identity_bindings SET status = 'superseded', superseded_at = NOW()
		WHERE alliance_id = $1 AND discord_user_id = $2 AND user_id <> $3
			AND status = 'active'`,
		c.AllianceID, c.DiscordUserID, winner); err != nil {
		return nil, fmt.Errorf("ошибка вытеснения привязки: %w", err)
	}

	// 3. Победитель становится активным.
	if _, err := r.db.Exec(ctx, `
		INSERT INTO identity_bindings (id, alliance_id, user_id, discord_user_id, status)
		VALUES ($1, $2, $3, $4, 'active')
		ON CONFLICT (alliance_id, discord_user_id, user_id) DO UPDATE
		SET status = 'active', superseded_at = NULL`,
		uuid.New().String(), c.AllianceID, winner, c.DiscordUserID); err != nil {
		return nil, fmt.Errorf("ошибка активации привязки: %w", err)
	}

	resolved, err := scanConflict(r.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE identity_conflicts
		SET status = $2, resolved_at = NOW(), resolved_by = $3
		WHERE id = $1
		RETURNING %s`, conflictColumns), id, status, resolvedBy))
	if err != nil {
		return nil, fmt.Errorf("ошибка закрытия конфликта: %w", err)
	}
	return resolved, nil
}

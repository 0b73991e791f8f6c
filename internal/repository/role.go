package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

// RoleRepository — таблицы roles, role_members и role_revocations.
type RoleRepository interface {
	// Create создаёт внутреннюю роль в состоянии requested.
	Create(ctx context.Context, role *model.Role) error
	// GetByID возвращает роль альянса по UUID.
	GetByID(ctx context.Context, allianceID int64, roleID string) (*model.Role, error)
	// GetByDiscordRoleID возвращает роль, связанную с ролью Discord.
	GetByDiscordRoleID(ctx context.Context, allianceID int64, discordRoleID string) (*model.Role, error)
	// ListByAlliance возвращает все роли альянса.
	ListByAlliance(ctx context.Context, allianceID int64) ([]*model.Role, error)
	// LinkIfUnlinked сохраняет discord_role_id, только если роль ещё не связана.
	// Возвращает false, если связь уже установлена другим вызовом.
	LinkIfUnlinked(ctx context.Context, roleID, discordRoleID string) (bool, error)
	// SetLink безусловно связывает роль (ручная корректировка оператором).
	SetLink(ctx context.Context, allianceID int64, roleID, discordRoleID string) (*model.Role, error)
	// MarkFailed переводит несвязанную роль в failed.
	MarkFailed(ctx context.Context, roleID, reason string) error

	// AddMember добавляет пользователя в роль. false — уже был членом.
	AddMember(ctx context.Context, roleID, userID, source string) (bool, error)
	// RemoveMember удаляет пользователя из роли. false — не был членом.
	RemoveMember(ctx context.Context, roleID, userID string) (bool, error)
	// IsMember проверяет членство.
	IsMember(ctx context.Context, roleID, userID string) (bool, error)
	// ListMembers возвращает членов роли.
	ListMembers(ctx context.Context, roleID string) ([]*model.RoleMember, error)

	// AddRevocation запоминает снятие роли в Discord до вызова API.
	AddRevocation(ctx context.Context, rev *model.RoleRevocation) error
	// ListRevocations возвращает неподтверждённые снятия роли.
	ListRevocations(ctx context.Context, roleID string) ([]*model.RoleRevocation, error)
	// DeleteRevocation забывает снятие: Discord его подтвердил
	// или роль назначена снова.
	DeleteRevocation(ctx context.Context, roleID, discordUserID string) error
}

type roleRepo struct {
	db DBTX
}

// NewRoleRepository создаёт репозиторий ролей.
func NewRoleRepository(db DBTX) RoleRepository {
	return &roleRepo{db: db}
}

const roleColumns = `id, alliance_id, name, discord_role_id, sync_state, last_error,
	created_at, updated_at`

func scanRole(row pgx.Row) (*model.Role, error) {
	r := &model.Role{}
	err := row.Scan(
		&r.ID, &r.AllianceID, &r.Name, &r.DiscordRoleID, &r.SyncState, &r.LastError,
		&r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func (r *roleRepo) Create(ctx context.Context, role *model.Role) error {
	if role.ID == "" {
		role.ID = uuid.New().String()
	}
	if role.SyncState == "" {
		role.SyncState = model.RoleRequested
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO roles (id, alliance_id, name, discord_role_id, sync_state)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		role.ID, role.AllianceID, role.Name, role.DiscordRoleID, role.SyncState,
	).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: роль с таким именем уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания роли: %w", err)
	}
	return nil
}

func (r *roleRepo) GetByID(ctx context.Context, allianceID int64, roleID string) (*model.Role, error) {
	query := fmt.Sprintf(`SELECT %s FROM roles WHERE alliance_id = $1 AND id = $2`, roleColumns)
	return r.get(ctx, query, allianceID, roleID)
}

func (r *roleRepo) GetByDiscordRoleID(ctx context.Context, allianceID int64, discordRoleID string) (*model.Role, error) {
	query := fmt.Sprintf(`SELECT %s FROM roles WHERE alliance_id = $1 AND discord_role_id = $2`, roleColumns)
	return r.get(ctx, query, allianceID, discordRoleID)
}

func (r *roleRepo) get(ctx context.Context, query string, args ...any) (*model.Role, error) {
	role, err := scanRole(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения роли: %w", err)
	}
	return role, nil
}

func (r *roleRepo) ListByAlliance(ctx context.Context, allianceID int64) ([]*model.Role, error) {
	query := fmt.Sprintf(`SELECT %s FROM roles WHERE alliance_id = $1 ORDER BY name`, roleColumns)
	rows, err := r.db.Query(ctx, query, allianceID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка ролей: %w", err)
	}
	defer rows.Close()

	var result []*model.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования роли: %w", err)
		}
		result = append(result, role)
	}
	return result, rows.Err()
}

func (r *roleRepo) LinkIfUnlinked(ctx context.Context, roleID, discordRoleID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE roles SET discord_role_id = $2, sync_state = 'linked', last_error = NULL
		WHERE id = $1 AND discord_role_id IS NULL`, roleID, discordRoleID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: роль Discord уже связана с другой ролью", ErrConflict)
		}
		return false, fmt.Errorf("ошибка связывания роли: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *roleRepo) SetLink(ctx context.Context, allianceID int64, roleID, discordRoleID string) (*model.Role, error) {
	query := fmt.Sprintf(`
		UPDATE roles SET discord_role_id = $3, sync_state = 'linked', last_error = NULL
		WHERE alliance_id = $1 AND id = $2
		RETURNING %s`, roleColumns)
	role, err := scanRole(r.db.QueryRow(ctx, query, allianceID, roleID, discordRoleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: роль Discord уже связана с другой ролью", ErrConflict)
		}
		return nil, fmt.Errorf("ошибка связывания роли: %w", err)
	}
	return role, nil
}

func (r *roleRepo) MarkFailed(ctx context.Context, roleID, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE roles SET sync_state = 'failed', last_error = $2
		WHERE id = $1 AND discord_role_id IS NULL`, roleID, reason)
	if err != nil {
		return fmt.Errorf("ошибка обновления состояния роли: %w", err)
	}
	return nil
}

func (r *roleRepo) AddMember(ctx context.Context, roleID, userID, source string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO role_members (role_id, user_id, source)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, user_id) DO NOTHING`, roleID, userID, source)
	if err != nil {
		return false, fmt.Errorf("ошибка добавления в роль: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *roleRepo) RemoveMember(ctx context.Context, roleID, userID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM role_members WHERE role_id = $1 AND user_id = $2`, roleID, userID)
	if err != nil {
		return false, fmt.Errorf("ошибка удаления из роли: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *roleRepo) IsMember(ctx context.Context, roleID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM role_members WHERE role_id = $1 AND user_id = $2)`,
		roleID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки членства: %w", err)
	}
	return exists, nil
}

func (r *roleRepo) ListMembers(ctx context.Context, roleID string) ([]*model.RoleMember, error) {
	rows, err := r.db.Query(ctx, `
		SELECT role_id, user_id, source FROM role_members
		WHERE role_id = $1 ORDER BY user_id`, roleID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения членов роли: %w", err)
	}
	defer rows.Close()

	var result []*model.RoleMember
	for rows.Next() {
		m := &model.RoleMember{}
		if err := rows.Scan(&m.RoleID, &m.UserID, &m.Source); err != nil {
			return nil, fmt.Errorf("ошибка сканирования члена роли: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (r *roleRepo) AddRevocation(ctx context.Context, rev *model.RoleRevocation) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO role_revocations (role_id, discord_user_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, discord_user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING created_at`,
		rev.RoleID, rev.DiscordUserID, rev.UserID,
	).Scan(&rev.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения снятия роли: %w", err)
	}
	return nil
}

func (r *roleRepo) ListRevocations(ctx context.Context, roleID string) ([]*model.RoleRevocation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT role_id, user_id, discord_user_id, created_at FROM role_revocations
		WHERE role_id = $1 ORDER BY created_at, discord_user_id`, roleID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения снятий роли: %w", err)
	}
	defer rows.Close()

	var result []*model.RoleRevocation
	for rows.Next() {
		rev := &model.RoleRevocation{}
		if err := rows.Scan(&rev.RoleID, &rev.UserID, &rev.DiscordUserID, &rev.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования снятия роли: %w", err)
		}
		result = append(result, rev)
	}
	return result, rows.Err()
}

func (r *roleRepo) DeleteRevocation(ctx context.Context, roleID, discordUserID string) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM role_revocations WHERE role_id = $1 AND discord_user_id = $2`, roleID, discordUserID)
	if err != nil {
		return fmt.Errorf("ошибка удаления снятия роли: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

// AllianceRepository — чтение таблицы alliances.
type AllianceRepository interface {
	// GetByID возвращает альянс по ID.
	GetByID(ctx context.Context, id int64) (*model.Alliance, error)
	// ListPollable возвращает альянсы, у которых есть хотя бы один
	// активный канал категории category.
	ListPollable(ctx context.Context, category string) ([]*model.Alliance, error)
	// ListAll возвращает все альянсы (для reconcile).
	ListAll(ctx context.Context) ([]*model.Alliance, error)
}

type allianceRepo struct {
	db DBTX
}

// NewAllianceRepository создаёт репозиторий альянсов.
func NewAllianceRepository(db DBTX) AllianceRepository {
	return &allianceRepo{db: db}
}

const allianceColumns = `a.id, a.name, a.discord_guild_id, a.created_at, a.updated_at`

func scanAlliance(row pgx.Row) (*model.Alliance, error) {
	a := &model.Alliance{}
	err := row.Scan(&a.ID, &a.Name, &a.DiscordGuildID, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (r *allianceRepo) GetByID(ctx context.Context, id int64) (*model.Alliance, error) {
	query := fmt.Sprintf(`SELECT %s FROM alliances a WHERE a.id = $1`, allianceColumns)
	a, err := scanAlliance(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения альянса: %w", err)
	}
	return a, nil
}

func (r *allianceRepo) ListPollable(ctx context.Context, category string) ([]*model.Alliance, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM alliances a
		WHERE EXISTS (
			SELECT 1 FROM channel_configs c
			WHERE c.alliance_id = a.id AND c.is_active AND c.category = $1
		)
		ORDER BY a.id`, allianceColumns)
	return r.list(ctx, query, category)
}

func (r *allianceRepo) ListAll(ctx context.Context) ([]*model.Alliance, error) {
	query := fmt.Sprintf(`SELECT %s FROM alliances a ORDER BY a.id`, allianceColumns)
	return r.list(ctx, query)
}

func (r *allianceRepo) list(ctx context.Context, query string, args ...any) ([]*model.Alliance, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка альянсов: %w", err)
	}
	defer rows.Close()

	var result []*model.Alliance
	for rows.Next() {
		a, err := scanAlliance(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования альянса: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

// CursorRepository — таблица war_cursors.
type CursorRepository interface {
	// Get возвращает курсор альянса или ErrNotFound, если альянс ещё не опрашивался.
	Get(ctx context.Context, allianceID int64) (*model.Cursor, error)
	// Advance сдвигает курсор на warID, только если warID больше сохранённого.
	// Возвращает true, если курсор сдвинулся.
	Advance(ctx context.Context, allianceID, warID int64, warAt time.Time) (bool, error)
}

type cursorRepo struct {
	db DBTX
}

// NewCursorRepository создаёт репозиторий курсоров дедупликации.
func NewCursorRepository(db DBTX) CursorRepository {
	return &cursorRepo{db: db}
}

func (r *cursorRepo) Get(ctx context.Context, allianceID int64) (*model.Cursor, error) {
	c := &model.Cursor{}
	err := r.db.QueryRow(ctx, `
		SELECT alliance_id, last_war_id, last_war_at, updated_at
		FROM war_cursors WHERE alliance_id = $1`, allianceID,
	).Scan(&c.AllianceID, &c.LastWarID, &c.LastWarAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения курсора: %w", err)
	}
	return c, nil
}

func (r *cursorRepo) Advance(ctx context.Context, allianceID, warID int64, warAt time.Time) (bool, error) {
	// Атомарный compare-and-advance: перекрывающиеся циклы не сдвинут курсор назад.
	var at *time.Time
	if !warAt.IsZero() {
		at = &warAt
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO war_cursors (alliance_id, last_war_id, last_war_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (alliance_id) DO UPDATE
		SET last_war_id = EXCLUDED.last_war_id, last_war_at = EXCLUDED.last_war_at
		WHERE war_cursors.last_war_id < EXCLUDED.last_war_id`,
		allianceID, warID, at)
	if err != nil {
		return false, fmt.Errorf("ошибка сдвига курсора: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

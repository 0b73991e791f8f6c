package model

import "time"

// CategoryWar — категория событий «война» в настройках каналов.
const CategoryWar = "war"

// Side — сторона альянса в войне.
type Side string

const (
	SideOffensive Side = "offensive"
	SideDefensive Side = "defensive"
)

// Participant — участник войны.
type Participant struct {
	// ID — идентификатор участника в игре
	ID int64
	// Name — имя участника
	Name string
	// AllianceID — альянс участника (nil, если не состоит в альянсе)
	AllianceID *int64
}

// War — событие объявления войны из игрового API. Неизменяемо.
type War struct {
	// ID — монотонный идентификатор войны
	ID int64
	// DeclaredAt — время объявления
	DeclaredAt time.Time
	// Reason — причина (свободный текст из игры)
	Reason string
	// Type — тип войны (ordinary, attrition, raid, ...)
	Type string
	// Offensive — атакующая сторона
	Offensive Participant
	// Defensive — защищающаяся сторона
	Defensive Participant
}

// Category возвращает категорию события для маршрутизации.
func (w War) Category() string {
	return CategoryWar
}

// SidesFor возвращает стороны, на которых участвует альянс.
// Для войны внутри одного альянса — обе стороны.
func (w War) SidesFor(allianceID int64) []Side {
	var sides []Side
	if w.Offensive.AllianceID != nil && *w.Offensive.AllianceID == allianceID {
		sides = append(sides, SideOffensive)
	}
	if w.Defensive.AllianceID != nil && *w.Defensive.AllianceID == allianceID {
		sides = append(sides, SideDefensive)
	}
	return sides
}

// Before задаёт порядок обработки: по времени, при равенстве — по ID.
func (w War) Before(o War) bool {
	if !w.DeclaredAt.Equal(o.DeclaredAt) {
		return w.DeclaredAt.Before(o.DeclaredAt)
	}
	return w.ID < o.ID
}

// Cursor — курсор дедупликации альянса.
// Хранится в таблице war_cursors; никогда не сдвигается назад.
type Cursor struct {
	// AllianceID — альянс
	AllianceID int64
	// LastWarID — ID последней обработанной войны
	LastWarID int64
	// LastWarAt — время последней обработанной войны
	LastWarAt *time.Time
	// UpdatedAt — время последнего сдвига
	UpdatedAt time.Time
}

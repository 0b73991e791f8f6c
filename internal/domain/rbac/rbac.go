// Пакет rbac — роли операторов Alliance Sync.
// Роль определяется по группам IdP: operator > viewer.
// Сервисные клиенты (поток событий Discord, онбординг) авторизуются по scopes.
package rbac

// Роли в порядке возрастания привилегий.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// Scopes сервисных клиентов.
const (
	// ScopeIdentityWrite — создание привязок (онбординг через Discord OAuth)
	ScopeIdentityWrite = "identity:write"
	// ScopeRolesObserve — передача наблюдений за ролями Discord
	ScopeRolesObserve = "roles:observe"
)

var roleWeight = map[string]int{
	RoleViewer:   1,
	RoleOperator: 2,
}

// maxRole возвращает роль с максимальными привилегиями из двух.
func maxRole(a, b string) string {
	if roleWeight[a] >= roleWeight[b] {
		return a
	}
	return b
}

// HighestRole возвращает максимальную роль из набора.
// Если набор пуст — возвращает пустую строку.
func HighestRole(roles []string) string {
	if len(roles) == 0 {
		return ""
	}
	highest := roles[0]
	for _, r := range roles[1:] {
		highest = maxRole(highest, r)
	}
	return highest
}

// MapGroupsToRole определяет роль по группам IdP.
// Если ни одна группа не совпала — возвращает пустую строку.
func MapGroupsToRole(groups []string, operatorGroups, viewerGroups []string) string {
	operatorSet := toSet(operatorGroups)
	viewerSet := toSet(viewerGroups)

	var roles []string
	for _, g := range groups {
		if operatorSet[g] {
			roles = append(roles, RoleOperator)
		}
		if viewerSet[g] {
			roles = append(roles, RoleViewer)
		}
	}

	return HighestRole(roles)
}

// Allows сообщает, покрывает ли роль have требуемую роль need.
func Allows(have, need string) bool {
	w, ok := roleWeight[have]
	if !ok {
		return false
	}
	return w >= roleWeight[need]
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}

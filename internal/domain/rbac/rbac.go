// Пакет rbac — глобальные роли пользователей чата.
// Роль складывается из двух источников: роль, сохранённая в users,
// и роль, выведенная из групп IdP. Итоговая роль = max из двух.
// Группы IdP могут только повысить роль, не понизить.
package rbac

// Роли в порядке возрастания привилегий.
const (
	RoleUser      = "user"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// roleWeight — вес роли для сравнения.
// Чем выше вес, тем больше привилегий.
var roleWeight = map[string]int{
	RoleUser:      1,
	RoleModerator: 2,
	RoleAdmin:     3,
}

// EffectiveRole вычисляет итоговую роль = max(storedRole, idpRole).
// Пустая idpRole не меняет сохранённую роль.
func EffectiveRole(storedRole, idpRole string) string {
	if idpRole == "" {
		return storedRole
	}
	return maxRole(storedRole, idpRole)
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

// MapGroupsToRole определяет роль пользователя на основе его групп IdP.
// Возвращает максимальную роль из всех совпадений или пустую строку.
func MapGroupsToRole(groups []string, adminGroups, moderatorGroups []string) string {
	adminSet := toSet(adminGroups)
	moderatorSet := toSet(moderatorGroups)

	var roles []string
	for _, g := range groups {
		if adminSet[g] {
			roles = append(roles, RoleAdmin)
		}
		if moderatorSet[g] {
			roles = append(roles, RoleModerator)
		}
	}

	return HighestRole(roles)
}

// AtLeast проверяет, что role не ниже required.
// Неизвестная роль не удовлетворяет никакому требованию.
func AtLeast(role, required string) bool {
	w, ok := roleWeight[role]
	if !ok {
		return false
	}
	return w >= roleWeight[required]
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

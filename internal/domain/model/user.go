// Пакет model — доменные модели roomguard.
package model

import "time"

// Глобальные роли пользователя.
const (
	UserRoleAdmin     = "admin"
	UserRoleModerator = "moderator"
	UserRoleUser      = "user"
)

// Роли внутри комнаты.
const (
	RoomRoleAdmin  = "admin"
	RoomRoleMember = "member"
)

// User — пользователь чата.
// Хранится в таблице users, физически не удаляется.
type User struct {
	// ID — UUID пользователя (совпадает с sub в JWT)
	ID string
	// Handle — уникальное имя
	Handle string
	// Role — глобальная роль (admin, moderator, user)
	Role string
	// Verified — подтверждён ли аккаунт
	Verified  bool
	CreatedAt time.Time
	// DeletedAt — мягкое удаление; nil для активного пользователя
	DeletedAt *time.Time
}

// IsDeleted возвращает true для мягко удалённого пользователя.
func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}

// Room — комната чата.
type Room struct {
	ID        string
	Slug      string
	IsPublic  bool
	CreatorID string
	CreatedAt time.Time
	// ArchivedAt — время архивации по расписанию retention
	ArchivedAt *time.Time
	// PurgedAt — время очистки; сообщения и участники удалены
	PurgedAt *time.Time
}

// RoomMembership — участие пользователя в комнате.
// Пара (RoomID, UserID) уникальна.
type RoomMembership struct {
	RoomID   string
	UserID   string
	Role     string
	JoinedAt time.Time
}

// IsRoomAdmin возвращает true, если участник — администратор комнаты.
func (m *RoomMembership) IsRoomAdmin() bool {
	return m != nil && m.Role == RoomRoleAdmin
}

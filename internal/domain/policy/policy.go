// Пакет policy — упорядоченный вычислитель политики доступа.
//
// Evaluate — чистая функция: (актор, ресурс, действие, снимок фактов)
// → решение. Все факты о членстве, комнате и сообщении загружаются
// вызывающим один раз до вычисления, вычислитель не ходит в хранилище.
// Правила применяются в фиксированном порядке, отсутствие явного
// разрешения означает отказ.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/roomguard/internal/domain/capability"
	"github.com/bigkaa/roomguard/internal/domain/model"
)

// Action — действие над ресурсом.
type Action string

const (
	ActionSelect Action = "select"
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Kind — тип ресурса.
type Kind string

const (
	KindRoom       Kind = "room"
	KindMessage    Kind = "message"
	KindMembership Kind = "membership"
	// KindAuditEntry — запись журнала аудита (неизменяемая таблица)
	KindAuditEntry Kind = "audit_entry"
	// Служебные записи, доступные только системным задачам и админам
	KindRetentionEntry Kind = "retention_entry"
	KindLegalHold      Kind = "legal_hold"
	KindHealingEntry   Kind = "healing_entry"
)

// ParseAction преобразует строку в Action.
func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionSelect, ActionInsert, ActionUpdate, ActionDelete:
		return a, true
	}
	return "", false
}

// ParseKind преобразует строку в Kind.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindRoom, KindMessage, KindMembership, KindAuditEntry,
		KindRetentionEntry, KindLegalHold, KindHealingEntry:
		return k, true
	}
	return "", false
}

// RoomScoped возвращает true для ресурсов, привязанных к комнате.
func (k Kind) RoomScoped() bool {
	return k == KindRoom || k == KindMessage || k == KindMembership
}

// ServiceOnly возвращает true для служебных записей.
func (k Kind) ServiceOnly() bool {
	return k == KindAuditEntry || k == KindRetentionEntry || k == KindLegalHold || k == KindHealingEntry
}

// Actor — явный субъект запроса. Глобального «текущего пользователя» нет:
// актор передаётся в каждый вызов.
type Actor struct {
	// UserID — UUID пользователя; пустой для системного актора
	UserID string
	// Role — эффективная глобальная роль
	Role    string
	service *capability.Service
}

// UserActor создаёт актора-пользователя.
func UserActor(userID, role string) Actor {
	return Actor{UserID: userID, Role: role}
}

// ServiceActor создаёт системного актора по capability.
// Недействительная capability даёт актора без привилегий.
func ServiceActor(c *capability.Service) Actor {
	return Actor{service: c}
}

// IsService возвращает true для системного актора с действительной capability.
func (a Actor) IsService() bool {
	return a.service.Valid()
}

// Resource — типизированная ссылка на ресурс.
type Resource struct {
	Kind Kind
	// ID — идентификатор ресурса; для insert сообщения может быть пустым
	ID string
	// RoomID — комната для room-scoped ресурсов; для KindRoom совпадает с ID
	RoomID string
	// SubjectID — пользователь, к которому относится ресурс:
	// участник для membership, создатель для insert комнаты
	SubjectID string
}

// RoomFacts — факты о комнате, загруженные до вычисления.
type RoomFacts struct {
	ID        string
	IsPublic  bool
	CreatorID string
	Purged    bool
}

// MessageFacts — факты о сообщении, загруженные до вычисления.
type MessageFacts struct {
	ID        string
	RoomID    string
	SenderID  string
	CreatedAt time.Time
	Deleted   bool
}

// Snapshot — материализованный снимок фактов для одного запроса.
type Snapshot struct {
	Now time.Time
	// ActorActive — пользователь существует и не удалён
	ActorActive bool
	// Room — nil, если комната не найдена или ресурс не room-scoped
	Room *RoomFacts
	// Membership — членство актора в комнате; nil, если его нет
	Membership *model.RoomMembership
	// Message — nil, если ресурс не сообщение или сообщение не найдено
	Message *MessageFacts
	// Held — на ресурс (или его комнату) действует legal hold
	Held bool
}

// Decision — результат вычисления.
type Decision struct {
	Allowed bool
	Reason  string
}

// Причины решений.
const (
	ReasonMalformed         = "malformed"
	ReasonImmutable         = "immutable"
	ReasonServiceCapability = "service_capability"
	ReasonInactiveActor     = "inactive_actor"
	ReasonLegalHold         = "legal_hold"
	ReasonGlobalAdmin       = "global_admin"
	ReasonServiceOnly       = "service_only"
	ReasonNotFound          = "not_found"
	ReasonPublicRoom        = "public_room"
	ReasonRoomCreator       = "room_creator"
	ReasonNotMember         = "not_member"
	ReasonMember            = "member"
	ReasonRoomAdmin         = "room_admin"
	ReasonModerator         = "moderator"
	ReasonOwnMessage        = "own_message"
	ReasonWindowExpired     = "self_delete_window_expired"
	ReasonSelfJoin          = "self_join"
	ReasonLeave             = "leave"
	ReasonDefaultDeny       = "default_deny"
)

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// ErrMalformed — запрос не может быть вычислен: неизвестный тип,
// действие или некорректные идентификаторы.
var ErrMalformed = errors.New("некорректный запрос авторизации")

// Validate проверяет структуру запроса. Возвращает ошибку, обёрнутую
// в ErrMalformed, с описанием первой найденной проблемы.
func Validate(actor Actor, res Resource, action Action) error {
	if _, ok := ParseAction(string(action)); !ok {
		return fmt.Errorf("%w: неизвестное действие %q", ErrMalformed, action)
	}
	if _, ok := ParseKind(string(res.Kind)); !ok {
		return fmt.Errorf("%w: неизвестный тип ресурса %q", ErrMalformed, res.Kind)
	}
	if !actor.IsService() && !isUUID(actor.UserID) {
		return fmt.Errorf("%w: некорректный идентификатор актора %q", ErrMalformed, actor.UserID)
	}
	ids := []struct{ name, value string }{
		{"id", res.ID}, {"room_id", res.RoomID}, {"subject_id", res.SubjectID},
	}
	for _, id := range ids {
		if id.value != "" && !isUUID(id.value) {
			return fmt.Errorf("%w: некорректный %s %q", ErrMalformed, id.name, id.value)
		}
	}

	switch res.Kind {
	case KindRoom:
		if res.ID == "" {
			return fmt.Errorf("%w: не указан id комнаты", ErrMalformed)
		}
		if res.RoomID != "" && res.RoomID != res.ID {
			return fmt.Errorf("%w: room_id не совпадает с id комнаты", ErrMalformed)
		}
		if action == ActionInsert && res.SubjectID == "" {
			return fmt.Errorf("%w: не указан создатель комнаты", ErrMalformed)
		}
	case KindMessage:
		if res.RoomID == "" {
			return fmt.Errorf("%w: не указана комната сообщения", ErrMalformed)
		}
		if res.ID == "" && action != ActionInsert {
			return fmt.Errorf("%w: не указан id сообщения", ErrMalformed)
		}
	case KindMembership:
		if res.RoomID == "" || res.SubjectID == "" {
			return fmt.Errorf("%w: для членства нужны room_id и subject_id", ErrMalformed)
		}
	}
	return nil
}

// RoomOf возвращает комнату room-scoped ресурса.
func (r Resource) RoomOf() string {
	if r.Kind == KindRoom && r.RoomID == "" {
		return r.ID
	}
	return r.RoomID
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

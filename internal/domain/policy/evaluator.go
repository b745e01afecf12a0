package policy

import (
	"time"

	"github.com/bigkaa/roomguard/internal/domain/rbac"
)

// Evaluator — упорядоченный набор правил доступа.
type Evaluator struct {
	// selfDeleteWindow — сколько времени после отправки автор может
	// удалить своё сообщение. 0 запрещает самоудаление.
	selfDeleteWindow time.Duration
}

// NewEvaluator создаёт вычислитель с окном самоудаления window.
func NewEvaluator(window time.Duration) *Evaluator {
	return &Evaluator{selfDeleteWindow: window}
}

// SelfDeleteWindow возвращает окно самоудаления сообщений.
func (e *Evaluator) SelfDeleteWindow() time.Duration {
	return e.selfDeleteWindow
}

// Evaluate вычисляет решение. Порядок правил:
//
//  0. некорректный запрос — отказ;
//  1. неизменяемые таблицы: update/delete записей аудита запрещены всем,
//     insert разрешён только системному актору;
//  2. системный актор — разрешено всё остальное;
//  3. удалённый или неизвестный пользователь — отказ;
//  4. legal hold запрещает удаление удерживаемого ресурса;
//  5. глобальный admin — разрешено всё остальное;
//  6. служебные записи — отказ;
//  7. правила комнаты (публичность, членство, роли, авторство);
//  8. по умолчанию — отказ.
func (e *Evaluator) Evaluate(actor Actor, res Resource, action Action, snap Snapshot) Decision {
	if err := Validate(actor, res, action); err != nil {
		return deny(ReasonMalformed)
	}

	if res.Kind == KindAuditEntry {
		switch action {
		case ActionUpdate, ActionDelete:
			return deny(ReasonImmutable)
		case ActionInsert:
			if actor.IsService() {
				return allow(ReasonServiceCapability)
			}
			return deny(ReasonServiceOnly)
		}
	}

	if actor.IsService() {
		return allow(ReasonServiceCapability)
	}

	if !snap.ActorActive {
		return deny(ReasonInactiveActor)
	}

	if snap.Held && action == ActionDelete && (res.Kind == KindMessage || res.Kind == KindRoom) {
		return deny(ReasonLegalHold)
	}

	if actor.Role == rbac.RoleAdmin {
		return allow(ReasonGlobalAdmin)
	}

	if res.Kind.ServiceOnly() {
		return deny(ReasonServiceOnly)
	}

	switch res.Kind {
	case KindRoom:
		return e.evaluateRoom(actor, res, action, snap)
	case KindMessage:
		return e.evaluateMessage(actor, res, action, snap)
	case KindMembership:
		return e.evaluateMembership(actor, res, action, snap)
	}
	return deny(ReasonDefaultDeny)
}

// membershipOf возвращает членство актора в комнате из снимка.
// Членство другого пользователя или другой комнаты не учитывается.
func membershipOf(actor Actor, roomID string, snap Snapshot) (member, roomAdmin bool) {
	m := snap.Membership
	if m == nil || m.UserID != actor.UserID || m.RoomID != roomID {
		return false, false
	}
	return true, m.IsRoomAdmin()
}

func (e *Evaluator) evaluateRoom(actor Actor, res Resource, action Action, snap Snapshot) Decision {
	roomID := res.RoomOf()

	// Создание: комнаты ещё нет, разрешено только от своего имени.
	if action == ActionInsert {
		if res.SubjectID == actor.UserID {
			return allow(ReasonRoomCreator)
		}
		return deny(ReasonDefaultDeny)
	}

	room := snap.Room
	if room == nil || room.ID != roomID {
		return deny(ReasonNotFound)
	}

	if action == ActionSelect && room.IsPublic {
		return allow(ReasonPublicRoom)
	}

	member, roomAdmin := membershipOf(actor, roomID, snap)

	switch action {
	case ActionSelect:
		if member {
			return allow(ReasonMember)
		}
	case ActionUpdate:
		if roomAdmin {
			return allow(ReasonRoomAdmin)
		}
		if member && room.CreatorID == actor.UserID {
			return allow(ReasonRoomCreator)
		}
	case ActionDelete:
		if roomAdmin {
			return allow(ReasonRoomAdmin)
		}
	}

	if !member {
		return deny(ReasonNotMember)
	}
	return deny(ReasonDefaultDeny)
}

func (e *Evaluator) evaluateMessage(actor Actor, res Resource, action Action, snap Snapshot) Decision {
	roomID := res.RoomID

	room := snap.Room
	if room == nil || room.ID != roomID {
		return deny(ReasonNotFound)
	}

	msg := snap.Message
	if action != ActionInsert {
		if msg == nil || msg.ID != res.ID || msg.RoomID != roomID {
			return deny(ReasonNotFound)
		}
	}

	if action == ActionSelect && room.IsPublic && !msg.Deleted {
		return allow(ReasonPublicRoom)
	}

	member, roomAdmin := membershipOf(actor, roomID, snap)
	if !member {
		return deny(ReasonNotMember)
	}

	moderator := roomAdmin || actor.Role == rbac.RoleModerator

	switch action {
	case ActionSelect:
		if !msg.Deleted || moderator {
			return allow(ReasonMember)
		}
	case ActionInsert:
		if room.Purged {
			return deny(ReasonDefaultDeny)
		}
		return allow(ReasonMember)
	case ActionUpdate:
		if roomAdmin {
			return allow(ReasonRoomAdmin)
		}
		if moderator {
			return allow(ReasonModerator)
		}
	case ActionDelete:
		if roomAdmin {
			return allow(ReasonRoomAdmin)
		}
		if moderator {
			return allow(ReasonModerator)
		}
		if msg.SenderID == actor.UserID {
			if e.withinSelfDeleteWindow(msg.CreatedAt, snap.Now) {
				return allow(ReasonOwnMessage)
			}
			return deny(ReasonWindowExpired)
		}
	}
	return deny(ReasonDefaultDeny)
}

// withinSelfDeleteWindow проверяет, что с момента отправки прошло
// не больше окна самоудаления. Нулевые времена не проходят проверку.
func (e *Evaluator) withinSelfDeleteWindow(createdAt, now time.Time) bool {
	if e.selfDeleteWindow <= 0 || createdAt.IsZero() || now.IsZero() {
		return false
	}
	age := now.Sub(createdAt)
	return age >= 0 && age <= e.selfDeleteWindow
}

func (e *Evaluator) evaluateMembership(actor Actor, res Resource, action Action, snap Snapshot) Decision {
	roomID := res.RoomID

	room := snap.Room
	if room == nil || room.ID != roomID {
		return deny(ReasonNotFound)
	}

	member, roomAdmin := membershipOf(actor, roomID, snap)
	self := res.SubjectID == actor.UserID

	switch action {
	case ActionSelect:
		if member {
			return allow(ReasonMember)
		}
	case ActionInsert:
		if room.Purged {
			return deny(ReasonDefaultDeny)
		}
		if roomAdmin {
			return allow(ReasonRoomAdmin)
		}
		if self && room.IsPublic {
			return allow(ReasonSelfJoin)
		}
	case ActionUpdate:
		if roomAdmin {
			return allow(ReasonRoomAdmin)
		}
	case ActionDelete:
		if roomAdmin {
			return allow(ReasonRoomAdmin)
		}
		if self && member {
			return allow(ReasonLeave)
		}
	}

	if !member {
		return deny(ReasonNotMember)
	}
	return deny(ReasonDefaultDeny)
}

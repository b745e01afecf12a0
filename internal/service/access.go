// access.go — проверка доступа: загрузка снимка фактов и вызов вычислителя политики.
//
// Снимок собирается явными запросами (пользователь, комната, членство,
// сообщение, legal hold), каждый с таймаутом RG_STORE_TIMEOUT. Вычислитель
// в хранилище не ходит. Некорректные запросы отклоняются и пишутся
// в журнал восстановления с типом malformed_request.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/roomguard/internal/domain/model"
	"github.com/bigkaa/roomguard/internal/domain/policy"
	"github.com/bigkaa/roomguard/internal/domain/rbac"
	"github.com/bigkaa/roomguard/internal/repository"
)

var accessDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "roomguard_access_decisions_total",
	Help: "Решения политики доступа",
}, []string{"kind", "action", "allowed", "reason"})

// AccessService — точка входа проверки доступа.
type AccessService struct {
	identity  repository.IdentityRepository
	messages  repository.MessageRepository
	holds     repository.LegalHoldRepository
	evaluator *policy.Evaluator
	rooms     *RoomCache
	healing   *HealingLog
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewAccessService создаёт сервис проверки доступа. rooms может быть nil.
func NewAccessService(
	identity repository.IdentityRepository,
	messages repository.MessageRepository,
	holds repository.LegalHoldRepository,
	evaluator *policy.Evaluator,
	rooms *RoomCache,
	healing *HealingLog,
	timeout time.Duration,
	logger *slog.Logger,
) *AccessService {
	return &AccessService{
		identity:  identity,
		messages:  messages,
		holds:     holds,
		evaluator: evaluator,
		rooms:     rooms,
		healing:   healing,
		timeout:   timeout,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "access")),
	}
}

// InvalidateRoom сбрасывает закэшированные факты о комнате.
func (s *AccessService) InvalidateRoom(roomID string) {
	s.rooms.Invalidate(roomID)
}

// Check вычисляет решение для актора. Role актора — роль из IdP,
// итоговая глобальная роль не ниже сохранённой в базе.
//
// Для корректного запроса ошибка возвращается только при сбое хранилища
// (ErrTransientStore при таймауте). Отказ — это Decision, а не ошибка.
func (s *AccessService) Check(ctx context.Context, actor policy.Actor, res policy.Resource, action policy.Action) (policy.Decision, error) {
	if err := policy.Validate(actor, res, action); err != nil {
		s.healing.Record(ctx, model.HealingMalformedRequest, err.Error(), "", map[string]any{
			"actor_id":    actor.UserID,
			"service":     actor.IsService(),
			"kind":        string(res.Kind),
			"resource_id": res.ID,
			"room_id":     res.RoomID,
			"action":      string(action),
		})
		decision := s.evaluator.Evaluate(actor, res, action, policy.Snapshot{})
		s.observe(res, action, decision)
		return decision, nil
	}

	snap := policy.Snapshot{Now: s.now()}
	if !actor.IsService() {
		effective, err := s.loadActor(ctx, actor, &snap)
		if err != nil {
			return policy.Decision{}, err
		}
		actor = effective
		if err := s.loadResource(ctx, actor.UserID, res, action, &snap); err != nil {
			return policy.Decision{}, err
		}
	}

	decision := s.evaluator.Evaluate(actor, res, action, snap)
	s.observe(res, action, decision)

	s.logger.Debug("Решение политики",
		slog.String("actor_id", actor.UserID),
		slog.String("kind", string(res.Kind)),
		slog.String("resource_id", res.ID),
		slog.String("action", string(action)),
		slog.Bool("allowed", decision.Allowed),
		slog.String("reason", decision.Reason),
	)
	return decision, nil
}

// Authorize — Check, превращающий отказ в ErrAuthorizationDenied.
func (s *AccessService) Authorize(ctx context.Context, actor policy.Actor, res policy.Resource, action policy.Action) error {
	decision, err := s.Check(ctx, actor, res, action)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return ErrAuthorizationDenied
	}
	return nil
}

func (s *AccessService) observe(res policy.Resource, action policy.Action, d policy.Decision) {
	accessDecisionsTotal.WithLabelValues(
		string(res.Kind), string(action), fmt.Sprintf("%t", d.Allowed), d.Reason,
	).Inc()
}

// StoredRole возвращает сохранённую глобальную роль пользователя.
// Неизвестный пользователь даёт пустую роль без ошибки.
func (s *AccessService) StoredRole(ctx context.Context, userID string) (string, bool, error) {
	if !isUUID(userID) {
		return "", false, nil
	}
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	user, err := s.identity.GetUser(lctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", false, nil
		}
		return "", false, storeErr("загрузка роли пользователя", err)
	}
	if user.IsDeleted() {
		return "", true, nil
	}
	return user.Role, false, nil
}

// loadActor загружает пользователя и вычисляет эффективную роль.
func (s *AccessService) loadActor(ctx context.Context, actor policy.Actor, snap *policy.Snapshot) (policy.Actor, error) {
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	user, err := s.identity.GetUser(lctx, actor.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return actor, nil
		}
		return actor, storeErr("загрузка пользователя", err)
	}
	snap.ActorActive = !user.IsDeleted()
	return policy.UserActor(user.ID, rbac.EffectiveRole(user.Role, actor.Role)), nil
}

// loadResource загружает факты о комнате, членстве, сообщении и блокировке.
func (s *AccessService) loadResource(ctx context.Context, actorID string, res policy.Resource, action policy.Action, snap *policy.Snapshot) error {
	if !res.Kind.RoomScoped() {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	roomID := res.RoomOf()
	// Для создания комнаты факты не нужны: её ещё нет.
	if res.Kind == policy.KindRoom && action == policy.ActionInsert {
		return nil
	}

	room, cached, err := s.roomFacts(lctx, roomID)
	if err != nil {
		return err
	}
	snap.Room = room
	if room == nil {
		return nil
	}

	if !snap.ActorActive {
		return nil
	}

	m, err := s.identity.GetMembership(lctx, roomID, actorID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return storeErr("загрузка членства", err)
	default:
		snap.Membership = m
	}

	// Публичность из кэша могла устареть, а для не участника только она
	// и даёт доступ: перечитываем комнату из хранилища.
	if cached && room.IsPublic && snap.Membership == nil {
		s.rooms.Invalidate(roomID)
		fresh, _, err := s.roomFacts(lctx, roomID)
		if err != nil {
			return err
		}
		snap.Room = fresh
		if fresh == nil {
			return nil
		}
	}

	if res.Kind == policy.KindMessage && res.ID != "" {
		msg, err := s.messages.Get(lctx, res.ID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return storeErr("загрузка сообщения", err)
		default:
			snap.Message = &policy.MessageFacts{
				ID:        msg.ID,
				RoomID:    msg.RoomID,
				SenderID:  msg.SenderID,
				CreatedAt: msg.CreatedAt,
				Deleted:   msg.DeletedAt != nil,
			}
		}
	}

	if action == policy.ActionDelete && (res.Kind == policy.KindMessage || res.Kind == policy.KindRoom) {
		resourceType := model.ResourceRoom
		if res.Kind == policy.KindMessage {
			resourceType = model.ResourceMessage
		}
		held, err := s.holds.IsHeld(lctx, resourceType, res.ID, snap.Now)
		if err != nil {
			return storeErr("проверка legal hold", err)
		}
		snap.Held = held
	}
	return nil
}

// roomFacts возвращает факты о комнате и признак попадания в кэш.
func (s *AccessService) roomFacts(ctx context.Context, roomID string) (*policy.RoomFacts, bool, error) {
	if facts, ok := s.rooms.Get(roomID); ok {
		return &facts, true, nil
	}
	room, err := s.identity.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, storeErr("загрузка комнаты", err)
	}
	facts := policy.RoomFacts{
		ID:        room.ID,
		IsPublic:  room.IsPublic,
		CreatorID: room.CreatorID,
		Purged:    room.PurgedAt != nil,
	}
	s.rooms.Set(facts)
	return &facts, false, nil
}

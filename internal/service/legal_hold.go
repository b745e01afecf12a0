// legal_hold.go — юридические блокировки ресурсов.
// Блокировка запрещает удаление (пользователем, админом, retention)
// до её снятия или истечения hold_until. Блокировка комнаты
// распространяется на все её сообщения.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/roomguard/internal/domain/model"
	"github.com/bigkaa/roomguard/internal/repository"
)

// LegalHoldGuard — проверка и администрирование блокировок.
type LegalHoldGuard struct {
	repo    repository.LegalHoldRepository
	audit   *AuditWriter
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewLegalHoldGuard создаёт сервис блокировок.
func NewLegalHoldGuard(repo repository.LegalHoldRepository, audit *AuditWriter, timeout time.Duration, logger *slog.Logger) *LegalHoldGuard {
	return &LegalHoldGuard{
		repo:    repo,
		audit:   audit,
		timeout: timeout,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "legal_hold")),
	}
}

// IsHeld проверяет, действует ли на ресурс блокировка в текущий момент.
func (g *LegalHoldGuard) IsHeld(ctx context.Context, resourceType, resourceID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	held, err := g.repo.IsHeld(ctx, resourceType, resourceID, g.now())
	if err != nil {
		return false, storeErr("проверка legal hold", err)
	}
	return held, nil
}

// PlaceParams — параметры новой блокировки.
type PlaceParams struct {
	ResourceType string
	ResourceID   string
	HoldUntil    *time.Time
	Reason       string
}

// Place ставит блокировку от имени администратора actorID и пишет событие в аудит.
func (g *LegalHoldGuard) Place(ctx context.Context, actorID string, p PlaceParams) (*model.LegalHold, error) {
	if !isUUID(actorID) {
		return nil, fmt.Errorf("%w: некорректный идентификатор администратора", ErrValidation)
	}
	if p.ResourceType != model.ResourceMessage && p.ResourceType != model.ResourceRoom {
		return nil, fmt.Errorf("%w: resource_type должен быть message или room", ErrValidation)
	}
	if _, err := uuid.Parse(p.ResourceID); err != nil {
		return nil, fmt.Errorf("%w: некорректный resource_id", ErrValidation)
	}
	if p.HoldUntil != nil && !p.HoldUntil.After(g.now()) {
		return nil, fmt.Errorf("%w: hold_until должен быть в будущем", ErrValidation)
	}

	h := &model.LegalHold{
		ResourceType: p.ResourceType,
		ResourceID:   p.ResourceID,
		HoldUntil:    p.HoldUntil,
		Reason:       p.Reason,
		CreatedBy:    actorID,
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	err := g.repo.Create(cctx, h)
	cancel()
	if err != nil {
		return nil, storeErr("создание legal hold", err)
	}

	g.logger.Info("Legal hold установлен",
		slog.String("hold_id", h.ID),
		slog.String("resource_type", h.ResourceType),
		slog.String("resource_id", h.ResourceID),
		slog.String("actor_id", actorID),
	)

	if err := g.record(ctx, model.AuditLegalHoldPlaced, actorID, h); err != nil {
		return h, err
	}
	return h, nil
}

// Release снимает блокировку.
// ErrNotFound — блокировки нет, ErrConflict — уже снята.
func (g *LegalHoldGuard) Release(ctx context.Context, actorID, id string) (*model.LegalHold, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: некорректный id", ErrValidation)
	}
	if !isUUID(actorID) {
		return nil, fmt.Errorf("%w: некорректный идентификатор администратора", ErrValidation)
	}

	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	h, err := g.repo.Release(rctx, id)
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("legal hold %s: %w", id, ErrConflict)
		}
		return nil, storeErr("снятие legal hold", err)
	}

	g.logger.Info("Legal hold снят",
		slog.String("hold_id", h.ID),
		slog.String("actor_id", actorID),
	)

	if err := g.record(ctx, model.AuditLegalHoldReleased, actorID, h); err != nil {
		return h, err
	}
	return h, nil
}

// List возвращает блокировки, новые первыми.
func (g *LegalHoldGuard) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*model.LegalHold, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	holds, err := g.repo.List(ctx, activeOnly, limit, offset)
	if err != nil {
		return nil, storeErr("получение legal holds", err)
	}
	return holds, nil
}

func (g *LegalHoldGuard) record(ctx context.Context, eventType, actorID string, h *model.LegalHold) error {
	data := map[string]any{
		"hold_id":       h.ID,
		"resource_type": h.ResourceType,
		"resource_id":   h.ResourceID,
		"reason":        h.Reason,
	}
	if h.HoldUntil != nil {
		data["hold_until"] = h.HoldUntil.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("сериализация события legal hold: %w", err)
	}

	ev := model.AuditEvent{EventType: eventType, ActorID: actorID, Payload: payload}
	if h.ResourceType == model.ResourceRoom {
		ev.RoomID = h.ResourceID
	}
	if _, err := g.audit.Append(ctx, ev); err != nil {
		g.logger.Error("Не удалось записать событие legal hold в аудит",
			slog.String("hold_id", h.ID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("аудит legal hold: %w", err)
	}
	return nil
}

// batch_fetch.go — выборка последних сообщений сразу по нескольким комнатам.
// Один SQL-запрос (unnest + LATERAL), не больше 50 сообщений на комнату.
// Проверка доступа к комнатам — ответственность вызывающего.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/roomguard/internal/domain/model"
	"github.com/bigkaa/roomguard/internal/repository"
)

// BatchFetcher — пакетная выборка сообщений.
type BatchFetcher struct {
	messages repository.MessageRepository
	maxRooms int
	timeout  time.Duration
	logger   *slog.Logger
}

// NewBatchFetcher создаёт сервис пакетной выборки.
func NewBatchFetcher(messages repository.MessageRepository, maxRooms int, timeout time.Duration, logger *slog.Logger) *BatchFetcher {
	return &BatchFetcher{
		messages: messages,
		maxRooms: maxRooms,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "batch_fetch")),
	}
}

// Fetch возвращает не более repository.MessagesPerRoom последних
// неудалённых сообщений каждой комнаты, созданных не раньше since.
// Результат упорядочен по created_at DESC, id DESC.
func (f *BatchFetcher) Fetch(ctx context.Context, roomIDs []string, since *time.Time) ([]*model.Message, error) {
	if len(roomIDs) == 0 {
		return nil, fmt.Errorf("%w: список комнат пуст", ErrValidation)
	}

	seen := make(map[uuid.UUID]struct{}, len(roomIDs))
	rooms := make([]uuid.UUID, 0, len(roomIDs))
	for _, id := range roomIDs {
		u, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("%w: некорректный room_id %q", ErrValidation, id)
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		rooms = append(rooms, u)
	}
	if len(rooms) > f.maxRooms {
		return nil, fmt.Errorf("%w: не больше %d комнат в запросе", ErrValidation, f.maxRooms)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	msgs, err := f.messages.FetchRecent(ctx, rooms, since, repository.MessagesPerRoom)
	if err != nil {
		return nil, storeErr("пакетная выборка сообщений", err)
	}

	f.logger.Debug("Пакетная выборка сообщений",
		slog.Int("rooms", len(rooms)),
		slog.Int("messages", len(msgs)),
	)
	return msgs, nil
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// healing.go — журнал восстановления (healing log).
//
// Запись выполняется по принципу best effort: ошибка записи не должна
// прерывать диагностируемую операцию. При сбое запись уходит в slog
// и проглатывается. У каждой записи собственный таймаут, не зависящий
// от отмены контекста вызывающего.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/roomguard/internal/domain/model"
	"github.com/bigkaa/roomguard/internal/repository"
)

var healingRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "roomguard_healing_records_total",
	Help: "Количество записей журнала восстановления",
}, []string{"type", "result"}) // result: stored, fallback

// HealingLog — append-only журнал сбоев и аномалий.
type HealingLog struct {
	repo    repository.HealingLogRepository
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealingLog создаёт журнал восстановления.
func NewHealingLog(repo repository.HealingLogRepository, timeout time.Duration, logger *slog.Logger) *HealingLog {
	return &HealingLog{
		repo:    repo,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "healing_log")),
	}
}

// Record добавляет запись. Никогда не возвращает ошибку.
func (h *HealingLog) Record(ctx context.Context, entryType, details, roomID string, metadata map[string]any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()

	entry := &model.HealingEntry{
		Type:     entryType,
		RoomID:   roomID,
		Details:  details,
		Metadata: metadata,
	}
	if err := h.repo.Insert(ctx, entry); err != nil {
		healingRecordsTotal.WithLabelValues(entryType, "fallback").Inc()
		h.logger.Error("Не удалось записать в журнал восстановления",
			slog.String("type", entryType),
			slog.String("room_id", roomID),
			slog.String("details", details),
			slog.Any("metadata", metadata),
			slog.String("error", err.Error()),
		)
		return
	}
	healingRecordsTotal.WithLabelValues(entryType, "stored").Inc()
}

// List возвращает записи журнала, новые первыми. Пустой entryType — все типы.
func (h *HealingLog) List(ctx context.Context, entryType string, limit, offset int) ([]*model.HealingEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	entries, err := h.repo.List(ctx, entryType, limit, offset)
	if err != nil {
		return nil, storeErr(fmt.Sprintf("получение журнала восстановления (type=%q)", entryType), err)
	}
	return entries, nil
}

// retention.go — планировщик retention: архивация и очистка по расписанию.
//
// RetentionScheduler запускает фоновую горутину с ticker (RG_RETENTION_INTERVAL).
// Один цикл (RunOnce):
//  1. Проверка новых записей цепочки аудита — разрыв останавливает цикл
//  2. Возврат зависших in_progress в pending (RG_RETENTION_STALE_AFTER)
//  3. blocked → pending для ресурсов, с которых снят legal hold
//  4. failed → pending для записей с оставшимися попытками (RG_RETENTION_RETRY_DELAY)
//  5. Захват пачки pending (FOR UPDATE SKIP LOCKED), выполнение по одной:
//     удерживаемый ресурс → blocked, успех → completed, ошибка → failed
//
// Ошибка одной записи не останавливает пачку. При отмене контекста
// захваченные, но не выполненные записи возвращаются в pending.
//
// Prometheus-метрики:
//   - roomguard_retention_transitions_total — переходы статуса
//   - roomguard_retention_cycle_duration_seconds — длительность цикла
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/roomguard/internal/domain/capability"
	"github.com/bigkaa/roomguard/internal/domain/lifecycle"
	"github.com/bigkaa/roomguard/internal/domain/model"
	"github.com/bigkaa/roomguard/internal/repository"
)

var (
	retentionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomguard_retention_transitions_total",
		Help: "Переходы статуса записей расписания retention",
	}, []string{"from", "to"})

	retentionCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomguard_retention_cycle_duration_seconds",
		Help:    "Длительность цикла retention",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms … ~20s
	})
)

// RetentionOptions — параметры планировщика.
type RetentionOptions struct {
	// Worker — идентификатор экземпляра в claimed_by
	Worker      string
	Interval    time.Duration
	BatchSize   int
	StaleAfter  time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// RetentionScheduler — единственный владелец переходов статуса записей расписания.
type RetentionScheduler struct {
	repo     repository.RetentionRepository
	identity repository.IdentityRepository
	messages repository.MessageRepository
	guard    *LegalHoldGuard
	audit    *AuditWriter
	healing  *HealingLog
	holder   string
	opts     RetentionOptions
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	// onRoomChanged вызывается после архивации или очистки комнаты
	onRoomChanged func(roomID string)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetentionScheduler создаёт планировщик. Без действительной сервисной
// capability планировщик не создаётся.
func NewRetentionScheduler(
	repo repository.RetentionRepository,
	identity repository.IdentityRepository,
	messages repository.MessageRepository,
	guard *LegalHoldGuard,
	audit *AuditWriter,
	healing *HealingLog,
	svc *capability.Service,
	opts RetentionOptions,
	timeout time.Duration,
	logger *slog.Logger,
) (*RetentionScheduler, error) {
	if !svc.Valid() {
		return nil, fmt.Errorf("%w: планировщику retention нужна сервисная capability", ErrConfiguration)
	}
	if opts.Worker == "" || opts.BatchSize < 1 || opts.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: worker, batch size и max attempts обязательны", ErrConfiguration)
	}
	return &RetentionScheduler{
		repo:     repo,
		identity: identity,
		messages: messages,
		guard:    guard,
		audit:    audit,
		healing:  healing,
		holder:   svc.Name(),
		opts:     opts,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "retention")),
	}, nil
}

// SetRoomInvalidator устанавливает обработчик изменения комнаты
// (сброс кэша AccessService). Вызывается после создания обоих сервисов.
func (s *RetentionScheduler) SetRoomInvalidator(fn func(roomID string)) {
	s.onRoomChanged = fn
}

// Start запускает фоновую горутину с периодическим циклом retention.
func (s *RetentionScheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Цикл retention запущен",
			slog.String("interval", s.opts.Interval.String()),
			slog.Int("batch_size", s.opts.BatchSize),
			slog.String("worker", s.opts.Worker),
		)

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Цикл retention остановлен")
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					if ctx.Err() != nil {
						continue
					}
					s.logger.Error("Ошибка цикла retention", slog.String("error", err.Error()))
					s.healing.Record(ctx, model.HealingLoopFailure, err.Error(), "", map[string]any{
						"worker": s.opts.Worker,
					})
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *RetentionScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// RunOnce выполняет один цикл retention.
// ErrIntegrityViolation — цепочка аудита повреждена, цикл не выполнялся.
func (s *RetentionScheduler) RunOnce(ctx context.Context) (*model.RetentionCycleResult, error) {
	result := &model.RetentionCycleResult{StartedAt: s.now().UTC()}
	defer func() {
		result.Duration = time.Since(result.StartedAt)
		retentionCycleDuration.Observe(result.Duration.Seconds())
	}()

	if _, err := s.audit.VerifyNew(ctx); err != nil {
		return result, fmt.Errorf("проверка цепочки аудита: %w", err)
	}

	if err := s.requeueStale(ctx, result); err != nil {
		return result, err
	}
	if err := s.releaseBlocked(ctx, result); err != nil {
		return result, err
	}
	if err := s.retryFailed(ctx, result); err != nil {
		return result, err
	}

	entries, err := s.claim(ctx, s.opts.BatchSize)
	if err != nil {
		return result, err
	}
	result.Claimed = len(entries)

	for i, e := range entries {
		if ctx.Err() != nil {
			result.Reverted = s.revert(ctx, entries[i:])
			return result, ctx.Err()
		}
		switch s.execute(ctx, e) {
		case lifecycle.StatusCompleted:
			result.Completed++
		case lifecycle.StatusBlocked:
			result.Blocked++
		case lifecycle.StatusFailed:
			result.Failed++
		}
	}

	if result.Claimed > 0 || result.Requeued > 0 || result.Released > 0 || result.Retried > 0 {
		s.logger.Info("Цикл retention завершён",
			slog.Int("claimed", result.Claimed),
			slog.Int("completed", result.Completed),
			slog.Int("blocked", result.Blocked),
			slog.Int("failed", result.Failed),
			slog.Int("requeued", result.Requeued),
			slog.Int("released", result.Released),
			slog.Int("retried", result.Retried),
		)
	}
	return result, nil
}

// Schedule ставит ресурс в расписание.
// ErrConflict — для ресурса уже есть активная запись с тем же действием.
func (s *RetentionScheduler) Schedule(ctx context.Context, resourceType, resourceID, action string, at time.Time) (*model.RetentionEntry, error) {
	if resourceType != model.ResourceMessage && resourceType != model.ResourceRoom {
		return nil, fmt.Errorf("%w: resource_type должен быть message или room", ErrValidation)
	}
	if action != model.RetentionArchive && action != model.RetentionPurge {
		return nil, fmt.Errorf("%w: action должен быть archive или purge", ErrValidation)
	}
	if !isUUID(resourceID) {
		return nil, fmt.Errorf("%w: некорректный resource_id", ErrValidation)
	}
	if at.IsZero() {
		at = s.now()
	}

	e := &model.RetentionEntry{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       action,
		ScheduledFor: at,
		MaxAttempts:  s.opts.MaxAttempts,
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.repo.Schedule(ctx, e); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%s %s уже в расписании (%s): %w", resourceType, resourceID, action, ErrConflict)
		}
		return nil, storeErr("планирование retention", err)
	}

	s.logger.Info("Ресурс поставлен в расписание retention",
		slog.String("entry_id", e.ID),
		slog.String("resource_type", resourceType),
		slog.String("resource_id", resourceID),
		slog.String("action", action),
		slog.Time("scheduled_for", e.ScheduledFor),
	)
	return e, nil
}

// Get возвращает запись расписания.
func (s *RetentionScheduler) Get(ctx context.Context, id string) (*model.RetentionEntry, error) {
	if !isUUID(id) {
		return nil, fmt.Errorf("%w: некорректный id", ErrValidation)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, storeErr("получение записи retention", err)
	}
	return e, nil
}

// Claim захватывает пачку записей для внешнего исполнителя.
// batchSize <= 0 — размер по умолчанию.
func (s *RetentionScheduler) Claim(ctx context.Context, batchSize int) ([]*model.RetentionEntry, error) {
	if batchSize <= 0 {
		batchSize = s.opts.BatchSize
	}
	if batchSize > maxClaimBatch {
		return nil, fmt.Errorf("%w: batch_size не больше %d", ErrValidation, maxClaimBatch)
	}
	return s.claim(ctx, batchSize)
}

const maxClaimBatch = 1000

// Complete фиксирует исход выполнения записи внешним исполнителем.
//
// Повторный вызов с тем же исходом — no-op без новой записи в журнале
// восстановления. Исход completed для удерживаемого ресурса превращается
// в blocked. ErrLifecycleConflict — переход из текущего статуса невозможен.
func (s *RetentionScheduler) Complete(ctx context.Context, id string, outcome lifecycle.Outcome, reason string) (*model.RetentionEntry, error) {
	if _, ok := lifecycle.ParseOutcome(string(outcome)); !ok {
		return nil, fmt.Errorf("%w: неизвестный исход %q", ErrValidation, outcome)
	}
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	current := lifecycle.Status(e.Status)
	target := outcome.Status()
	if current == target {
		return e, nil
	}
	if outcome == lifecycle.OutcomeCompleted {
		held, err := s.guard.IsHeld(ctx, e.ResourceType, e.ResourceID)
		if err != nil {
			return nil, err
		}
		if held {
			target = lifecycle.StatusBlocked
		}
	}

	if current == target {
		return e, nil
	}
	if err := lifecycle.Check(current, target, e.Attempts, e.MaxAttempts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLifecycleConflict, err)
	}

	upd := repository.TransitionUpdate{}
	if target == lifecycle.StatusFailed {
		if reason == "" {
			reason = "исполнитель сообщил об ошибке"
		}
		upd.IncrementAttempts = true
		upd.LastError = &reason
	}

	updated, err := s.transition(ctx, e, target, upd)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// Конкурентный вызов успел раньше
			fresh, getErr := s.Get(ctx, id)
			if getErr == nil && lifecycle.Status(fresh.Status) == target {
				return fresh, nil
			}
			return nil, fmt.Errorf("%w: запись %s изменена конкурентно", ErrLifecycleConflict, id)
		}
		return nil, err
	}

	switch target {
	case lifecycle.StatusFailed:
		s.recordFailure(ctx, updated, reason)
	case lifecycle.StatusCompleted:
		// Аудит пишет только вызов, выигравший переход
		if e.ResourceType == model.ResourceRoom && s.onRoomChanged != nil {
			s.onRoomChanged(e.ResourceID)
		}
		if err := s.recordAction(ctx, updated); err != nil {
			s.logger.Error("Выполненное действие retention не записано в аудит",
				slog.String("entry_id", updated.ID),
				slog.String("error", err.Error()),
			)
			s.healing.Record(ctx, model.HealingLoopFailure, err.Error(), roomOf(updated), map[string]any{
				"entry_id": updated.ID,
				"action":   updated.Action,
				"audited":  false,
			})
			return nil, err
		}
	}
	return updated, nil
}

func roomOf(e *model.RetentionEntry) string {
	if e.ResourceType == model.ResourceRoom {
		return e.ResourceID
	}
	return ""
}

func (s *RetentionScheduler) claim(ctx context.Context, limit int) ([]*model.RetentionEntry, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entries, err := s.repo.Claim(cctx, s.opts.Worker, s.now(), limit)
	if err != nil {
		return nil, storeErr("захват записей retention", err)
	}
	if len(entries) > 0 {
		retentionTransitionsTotal.WithLabelValues(string(lifecycle.StatusPending), string(lifecycle.StatusInProgress)).
			Add(float64(len(entries)))
	}
	return entries, nil
}

func (s *RetentionScheduler) requeueStale(ctx context.Context, result *model.RetentionCycleResult) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ids, err := s.repo.RequeueStale(cctx, s.now().Add(-s.opts.StaleAfter))
	if err != nil {
		return storeErr("возврат зависших записей", err)
	}
	result.Requeued = len(ids)
	if len(ids) > 0 {
		retentionTransitionsTotal.WithLabelValues(string(lifecycle.StatusInProgress), string(lifecycle.StatusPending)).
			Add(float64(len(ids)))
		s.logger.Warn("Зависшие записи retention возвращены в очередь", slog.Int("count", len(ids)))
		s.healing.Record(ctx, model.HealingStaleRequeue, "зависшие записи retention возвращены в pending", "",
			map[string]any{"entry_ids": ids, "stale_after": s.opts.StaleAfter.String()})
	}
	return nil
}

// releaseBlocked перебирает все blocked-записи страницами по BatchSize.
// Записи, ресурс которых ещё удерживается, не меняют updated_at, поэтому
// без курсора они навсегда заслоняли бы записи за ними.
func (s *RetentionScheduler) releaseBlocked(ctx context.Context, result *model.RetentionCycleResult) error {
	var after *repository.ListCursor
	for {
		lctx, cancel := context.WithTimeout(ctx, s.timeout)
		blocked, err := s.repo.ListByStatus(lctx, lifecycle.StatusBlocked, after, s.opts.BatchSize)
		cancel()
		if err != nil {
			return storeErr("получение заблокированных записей", err)
		}

		for _, e := range blocked {
			held, err := s.guard.IsHeld(ctx, e.ResourceType, e.ResourceID)
			if err != nil {
				return err
			}
			if held {
				continue
			}
			if _, err := s.transition(ctx, e, lifecycle.StatusPending, repository.TransitionUpdate{}); err != nil {
				if errors.Is(err, ErrConflict) {
					continue
				}
				return err
			}
			result.Released++
		}

		if len(blocked) < s.opts.BatchSize || ctx.Err() != nil {
			return ctx.Err()
		}
		after = repository.CursorAfter(blocked[len(blocked)-1])
	}
}

func (s *RetentionScheduler) retryFailed(ctx context.Context, result *model.RetentionCycleResult) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ids, err := s.repo.RetryFailed(cctx, s.now().Add(-s.opts.RetryDelay), s.opts.BatchSize)
	if err != nil {
		return storeErr("повтор неудачных записей", err)
	}
	result.Retried = len(ids)
	if len(ids) > 0 {
		retentionTransitionsTotal.WithLabelValues(string(lifecycle.StatusFailed), string(lifecycle.StatusPending)).
			Add(float64(len(ids)))
	}
	return nil
}

// execute выполняет одну захваченную запись и возвращает итоговый статус.
// Пустой статус — переход не удался (запись перехвачена другим экземпляром).
func (s *RetentionScheduler) execute(ctx context.Context, e *model.RetentionEntry) lifecycle.Status {
	log := s.logger.With(
		slog.String("entry_id", e.ID),
		slog.String("resource_type", e.ResourceType),
		slog.String("resource_id", e.ResourceID),
		slog.String("action", e.Action),
	)

	held, err := s.guard.IsHeld(ctx, e.ResourceType, e.ResourceID)
	if err != nil {
		return s.fail(ctx, e, fmt.Errorf("проверка legal hold: %w", err))
	}
	if held {
		if _, err := s.transition(ctx, e, lifecycle.StatusBlocked, repository.TransitionUpdate{}); err != nil {
			log.Warn("Не удалось перевести запись в blocked", slog.String("error", err.Error()))
			return ""
		}
		log.Info("Ресурс удерживается legal hold, запись заблокирована")
		return lifecycle.StatusBlocked
	}

	if err := s.perform(ctx, e); err != nil {
		return s.fail(ctx, e, err)
	}
	if err := s.recordAction(ctx, e); err != nil {
		return s.fail(ctx, e, err)
	}
	if _, err := s.transition(ctx, e, lifecycle.StatusCompleted, repository.TransitionUpdate{}); err != nil {
		log.Warn("Не удалось перевести запись в completed", slog.String("error", err.Error()))
		return ""
	}
	return lifecycle.StatusCompleted
}

// perform применяет archive или purge. Повторное применение не ошибка.
func (s *RetentionScheduler) perform(ctx context.Context, e *model.RetentionEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		changed bool
		err     error
	)
	switch {
	case e.ResourceType == model.ResourceMessage && e.Action == model.RetentionArchive:
		changed, err = s.messages.Archive(ctx, e.ResourceID)
	case e.ResourceType == model.ResourceMessage && e.Action == model.RetentionPurge:
		changed, err = s.messages.Purge(ctx, e.ResourceID)
	case e.ResourceType == model.ResourceRoom && e.Action == model.RetentionArchive:
		changed, err = s.identity.ArchiveRoom(ctx, e.ResourceID)
	case e.ResourceType == model.ResourceRoom && e.Action == model.RetentionPurge:
		changed, err = s.identity.PurgeRoom(ctx, e.ResourceID)
	default:
		return fmt.Errorf("неизвестная комбинация %s/%s", e.ResourceType, e.Action)
	}
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", e.Action, e.ResourceType, e.ResourceID, err)
	}

	if !changed {
		s.logger.Info("Действие retention уже применено ранее",
			slog.String("entry_id", e.ID),
			slog.String("resource_type", e.ResourceType),
			slog.String("resource_id", e.ResourceID),
			slog.String("action", e.Action),
		)
	}
	if e.ResourceType == model.ResourceRoom && s.onRoomChanged != nil {
		s.onRoomChanged(e.ResourceID)
	}
	return nil
}

// recordAction пишет выполненное действие в журнал аудита.
func (s *RetentionScheduler) recordAction(ctx context.Context, e *model.RetentionEntry) error {
	eventType := model.AuditRetentionArchived
	if e.Action == model.RetentionPurge {
		eventType = model.AuditRetentionPurged
	}

	payload, err := json.Marshal(map[string]any{
		"entry_id":      e.ID,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"action":        e.Action,
		"worker":        s.opts.Worker,
	})
	if err != nil {
		return fmt.Errorf("сериализация события retention: %w", err)
	}

	ev := model.AuditEvent{EventType: eventType, Payload: payload}
	if e.ResourceType == model.ResourceRoom {
		ev.RoomID = e.ResourceID
	}
	if _, err := s.audit.Append(ctx, ev); err != nil {
		return fmt.Errorf("аудит действия retention: %w", err)
	}
	return nil
}

// fail переводит запись в failed и пишет loop_failure в журнал восстановления.
func (s *RetentionScheduler) fail(ctx context.Context, e *model.RetentionEntry, cause error) lifecycle.Status {
	msg := cause.Error()
	updated, err := s.transition(ctx, e, lifecycle.StatusFailed, repository.TransitionUpdate{
		IncrementAttempts: true,
		LastError:         &msg,
	})
	if err != nil {
		s.logger.Error("Не удалось перевести запись в failed",
			slog.String("entry_id", e.ID),
			slog.String("cause", msg),
			slog.String("error", err.Error()),
		)
		return ""
	}
	s.recordFailure(ctx, updated, msg)
	return lifecycle.StatusFailed
}

func (s *RetentionScheduler) recordFailure(ctx context.Context, e *model.RetentionEntry, reason string) {
	s.logger.Warn("Запись retention завершилась ошибкой",
		slog.String("entry_id", e.ID),
		slog.Int("attempts", e.Attempts),
		slog.Int("max_attempts", e.MaxAttempts),
		slog.String("error", reason),
	)
	s.healing.Record(ctx, model.HealingLoopFailure, reason, roomOf(e), map[string]any{
		"entry_id":      e.ID,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"action":        e.Action,
		"attempts":      e.Attempts,
		"max_attempts":  e.MaxAttempts,
		"exhausted":     lifecycle.IsTerminal(lifecycle.StatusFailed, e.Attempts, e.MaxAttempts),
	})
}

// transition выполняет условный переход из текущего статуса записи.
// ErrConflict — запись уже не в исходном статусе.
func (s *RetentionScheduler) transition(ctx context.Context, e *model.RetentionEntry, to lifecycle.Status, upd repository.TransitionUpdate) (*model.RetentionEntry, error) {
	from := lifecycle.Status(e.Status)
	if err := lifecycle.Check(from, to, e.Attempts, e.MaxAttempts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLifecycleConflict, err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	updated, err := s.repo.Transition(ctx, e.ID, from, to, upd)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("переход %s → %s записи %s: %w", from, to, e.ID, ErrConflict)
		}
		return nil, storeErr("переход статуса retention", err)
	}
	retentionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	return updated, nil
}

// revert возвращает в pending захваченные, но не выполненные записи.
func (s *RetentionScheduler) revert(ctx context.Context, entries []*model.RetentionEntry) int {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	n, err := s.repo.ReleaseClaims(rctx, s.opts.Worker, ids)
	if err != nil {
		s.logger.Error("Не удалось вернуть захваченные записи",
			slog.Int("count", len(ids)),
			slog.String("error", err.Error()),
		)
		return 0
	}
	retentionTransitionsTotal.WithLabelValues(string(lifecycle.StatusInProgress), string(lifecycle.StatusPending)).
		Add(float64(n))
	s.logger.Info("Захваченные записи возвращены в pending", slog.Int64("count", n))
	return int(n)
}

// audit.go — запись и проверка глобальной хэш-цепочки журнала аудита.
//
// Append читает хвост цепочки (seq, hash), вычисляет хэш новой записи и
// вставляет её. Уникальность seq и prev_hash в БД работает как
// compare-and-append: конкурентный писатель, построивший запись на том же
// хвосте, получает конфликт, перечитывает хвост и повторяет попытку
// с экспоненциальной задержкой.
//
// Пути изменения или удаления записей нет; триггеры БД отвергают
// UPDATE/DELETE/TRUNCATE.
//
// Prometheus-метрики:
//   - roomguard_audit_appends_total — записи по результату
//   - roomguard_audit_append_conflicts_total — конфликты хвоста
//   - roomguard_audit_integrity_alerts_total — обнаруженные разрывы цепочки
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/roomguard/internal/domain/capability"
	"github.com/bigkaa/roomguard/internal/domain/chain"
	"github.com/bigkaa/roomguard/internal/domain/model"
	"github.com/bigkaa/roomguard/internal/repository"
)

var (
	auditAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomguard_audit_appends_total",
		Help: "Количество попыток записи в журнал аудита",
	}, []string{"result"}) // result: ok, error

	auditAppendConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomguard_audit_append_conflicts_total",
		Help: "Конфликты конкурентной записи в хвост цепочки",
	})

	auditIntegrityAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomguard_audit_integrity_alerts_total",
		Help: "Обнаруженные нарушения целостности цепочки аудита",
	})
)

// AuditWriter — единственный писатель журнала аудита.
type AuditWriter struct {
	repo     repository.AuditLogRepository
	holder   string
	healing  *HealingLog
	attempts int
	pageSize int
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	// verified — последняя позиция, проверенная VerifyNew
	mu       sync.Mutex
	verified chain.Tail
}

// NewAuditWriter создаёт писателя журнала. Без действительной сервисной
// capability писатель не создаётся.
func NewAuditWriter(
	repo repository.AuditLogRepository,
	svc *capability.Service,
	healing *HealingLog,
	attempts int,
	pageSize int,
	timeout time.Duration,
	logger *slog.Logger,
) (*AuditWriter, error) {
	if !svc.Valid() {
		return nil, fmt.Errorf("%w: журналу аудита нужна сервисная capability", ErrConfiguration)
	}
	if attempts < 1 || pageSize < 1 {
		return nil, fmt.Errorf("%w: attempts и pageSize должны быть положительными", ErrConfiguration)
	}
	return &AuditWriter{
		repo:     repo,
		holder:   svc.Name(),
		healing:  healing,
		attempts: attempts,
		pageSize: pageSize,
		timeout:  timeout,
		now:      time.Now,
		verified: chain.Genesis(),
		logger:   logger.With(slog.String("component", "audit_writer")),
	}, nil
}

// Append добавляет событие в конец цепочки.
// ErrValidation — пустой тип события, нагрузка не JSON-объект или
// идентификаторы не UUID.
// ErrTransientStore — попытки исчерпаны из-за конкурентных писателей или таймаутов.
func (w *AuditWriter) Append(ctx context.Context, ev model.AuditEvent) (*model.AuditEntry, error) {
	if ev.EventType == "" {
		return nil, fmt.Errorf("%w: не указан тип события", ErrValidation)
	}
	if _, err := chain.Canonicalize(ev.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if ev.ActorID != "" && !isUUID(ev.ActorID) {
		return nil, fmt.Errorf("%w: некорректный actor_id %q", ErrValidation, ev.ActorID)
	}
	if ev.RoomID != "" && !isUUID(ev.RoomID) {
		return nil, fmt.Errorf("%w: некорректный room_id %q", ErrValidation, ev.RoomID)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.attempts-1)), ctx)

	var entry *model.AuditEntry
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		e, err := w.appendOnce(ctx, ev)
		if err == nil {
			entry = e
			return nil
		}
		if errors.Is(err, repository.ErrConflict) {
			auditAppendConflictsTotal.Inc()
			w.logger.Debug("Конфликт хвоста цепочки, повтор",
				slog.Int("attempt", attempt),
				slog.String("event_type", ev.EventType),
			)
			return err
		}
		if repository.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
	if err != nil {
		auditAppendsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, repository.ErrConflict) || repository.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("запись в журнал аудита после %d попыток: %w: %v", attempt, ErrTransientStore, err)
		}
		return nil, fmt.Errorf("запись в журнал аудита: %w", err)
	}

	auditAppendsTotal.WithLabelValues("ok").Inc()
	w.logger.Debug("Событие записано в журнал аудита",
		slog.String("event_type", entry.EventType),
		slog.Int64("seq", entry.Seq),
		slog.String("holder", w.holder),
	)
	return entry, nil
}

func (w *AuditWriter) appendOnce(ctx context.Context, ev model.AuditEvent) (*model.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	tail := chain.Genesis()
	seq, hash, err := w.repo.Tail(ctx)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		tail = chain.Tail{Seq: seq, Hash: hash}
	}

	entry, err := chain.Link(tail, ev, w.now())
	if err != nil {
		return nil, err
	}
	if err := w.repo.Insert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Verify пересчитывает хэши записей с seq в диапазоне [from, to].
// from <= 0 — с начала цепочки, to <= 0 — до текущего хвоста.
// Нарушение возвращается в результате (Valid=false), а не ошибкой.
func (w *AuditWriter) Verify(ctx context.Context, from, to int64) (*model.ChainVerification, error) {
	if from <= 0 {
		from = 1
	}
	if to > 0 && from > to {
		return nil, fmt.Errorf("%w: from (%d) больше to (%d)", ErrValidation, from, to)
	}

	last, err := w.tailSeq(ctx)
	if err != nil {
		return nil, err
	}
	if to <= 0 || to > last {
		to = last
	}

	anchor := chain.Genesis()
	if from > 1 && from <= to {
		prev, err := w.getBySeq(ctx, from-1)
		if errors.Is(err, ErrNotFound) {
			result := &model.ChainVerification{From: from, To: to, BrokenSeq: from - 1,
				Reason: fmt.Sprintf("отсутствует запись seq %d", from-1)}
			w.reportBreak(ctx, result)
			return result, nil
		}
		if err != nil {
			return nil, err
		}
		anchor = chain.Tail{Seq: prev.Seq, Hash: prev.Hash}
	}

	result, _, err := w.verifyRange(ctx, anchor, from, to)
	return result, err
}

// VerifyNew проверяет записи, добавленные после предыдущего успешного
// вызова. При разрыве возвращает ErrIntegrityViolation.
func (w *AuditWriter) VerifyNew(ctx context.Context) (*model.ChainVerification, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	last, err := w.tailSeq(ctx)
	if err != nil {
		return nil, err
	}
	result, tail, err := w.verifyRange(ctx, w.verified, w.verified.Seq+1, last)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return result, fmt.Errorf("%w: seq %d: %s", ErrIntegrityViolation, result.BrokenSeq, result.Reason)
	}
	w.verified = tail
	return result, nil
}

func (w *AuditWriter) verifyRange(ctx context.Context, anchor chain.Tail, from, to int64) (*model.ChainVerification, chain.Tail, error) {
	result := &model.ChainVerification{Valid: true, From: from, To: to}
	v := chain.NewVerifier(anchor)

	next := from
	for next <= to {
		if ctx.Err() != nil {
			return nil, anchor, ctx.Err()
		}
		page, err := w.rangePage(ctx, next, to)
		if err != nil {
			return nil, anchor, err
		}

		var brk *chain.Break
		if len(page) == 0 {
			brk = &chain.Break{Seq: next, Reason: fmt.Sprintf("отсутствует запись seq %d", next)}
		} else {
			brk = v.Feed(page)
		}
		if brk != nil {
			result.Valid = false
			result.BrokenEntryID = brk.EntryID
			result.BrokenSeq = brk.Seq
			result.Reason = brk.Reason
			result.Checked = v.Checked()
			w.reportBreak(ctx, result)
			return result, v.Tail(), nil
		}
		next = v.Tail().Seq + 1
	}

	result.Checked = v.Checked()
	return result, v.Tail(), nil
}

func (w *AuditWriter) reportBreak(ctx context.Context, r *model.ChainVerification) {
	auditIntegrityAlertsTotal.Inc()
	w.logger.Error("Нарушена целостность цепочки аудита",
		slog.Int64("seq", r.BrokenSeq),
		slog.String("entry_id", r.BrokenEntryID),
		slog.String("reason", r.Reason),
	)
	w.healing.Record(ctx, model.HealingIntegrityViolation, r.Reason, "", map[string]any{
		"seq":      r.BrokenSeq,
		"entry_id": r.BrokenEntryID,
		"from":     r.From,
		"to":       r.To,
	})
}

func (w *AuditWriter) tailSeq(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	seq, _, err := w.repo.Tail(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("чтение хвоста цепочки", err)
	}
	return seq, nil
}

func (w *AuditWriter) getBySeq(ctx context.Context, seq int64) (*model.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	e, err := w.repo.GetBySeq(ctx, seq)
	if err != nil {
		return nil, storeErr(fmt.Sprintf("чтение записи seq %d", seq), err)
	}
	return e, nil
}

func (w *AuditWriter) rangePage(ctx context.Context, from, to int64) ([]model.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	page, err := w.repo.Range(ctx, from, to, w.pageSize)
	if err != nil {
		return nil, storeErr("чтение диапазона журнала", err)
	}
	return page, nil
}

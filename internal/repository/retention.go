package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/roomguard/internal/domain/lifecycle"
	"github.com/bigkaa/roomguard/internal/domain/model"
)

// RetentionRepository — расписание retention.
// Все переходы статуса — условные UPDATE по текущему статусу, поэтому
// конкурентные экземпляры планировщика не могут перевести запись дважды.
type RetentionRepository interface {
	// Schedule добавляет запись в статусе pending.
	// ErrConflict — для ресурса уже есть активная запись с тем же действием.
	Schedule(ctx context.Context, e *model.RetentionEntry) error
	Get(ctx context.Context, id string) (*model.RetentionEntry, error)
	// Claim атомарно переводит до limit готовых записей pending → in_progress
	// для worker и возвращает только захваченные им записи.
	Claim(ctx context.Context, worker string, now time.Time, limit int) ([]*model.RetentionEntry, error)
	// Transition выполняет переход from → to. ErrConflict — запись уже не в from.
	Transition(ctx context.Context, id string, from, to lifecycle.Status, upd TransitionUpdate) (*model.RetentionEntry, error)
	// RequeueStale возвращает в pending записи in_progress, захваченные раньше before.
	RequeueStale(ctx context.Context, before time.Time) ([]string, error)
	// ReleaseClaims возвращает в pending незавершённые записи worker.
	ReleaseClaims(ctx context.Context, worker string, ids []string) (int64, error)
	// RetryFailed возвращает в pending неудачные записи с оставшимися
	// попытками, последний переход которых был не позже notAfter.
	RetryFailed(ctx context.Context, notAfter time.Time, limit int) ([]string, error)
	// ListByStatus возвращает страницу записей в статусе по возрастанию
	// (updated_at, id), строго после курсора after (nil — с начала).
	ListByStatus(ctx context.Context, status lifecycle.Status, after *ListCursor, limit int) ([]*model.RetentionEntry, error)
}

// ListCursor — позиция keyset-пагинации по (updated_at, id).
type ListCursor struct {
	UpdatedAt time.Time
	ID        string
}

// CursorAfter возвращает курсор, указывающий на запись e.
func CursorAfter(e *model.RetentionEntry) *ListCursor {
	return &ListCursor{UpdatedAt: e.UpdatedAt, ID: e.ID}
}

// TransitionUpdate — сопутствующие изменения при переходе статуса.
type TransitionUpdate struct {
	// IncrementAttempts увеличивает attempts на 1
	IncrementAttempts bool
	// LastError — текст ошибки; nil оставляет прежний
	LastError *string
}

type retentionRepo struct {
	db DBTX
}

// NewRetentionRepository создаёт репозиторий расписания retention.
func NewRetentionRepository(db DBTX) RetentionRepository {
	return &retentionRepo{db: db}
}

const retentionColumns = `id, resource_type, resource_id, action, scheduled_for, status,
	attempts, max_attempts, last_error, claimed_by, claimed_at, completed_at, created_at, updated_at`

func scanRetention(row pgx.Row) (*model.RetentionEntry, error) {
	e := &model.RetentionEntry{}
	err := row.Scan(
		&e.ID, &e.ResourceType, &e.ResourceID, &e.Action, &e.ScheduledFor, &e.Status,
		&e.Attempts, &e.MaxAttempts, &e.LastError, &e.ClaimedBy, &e.ClaimedAt,
		&e.CompletedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func collectRetention(rows pgx.Rows) ([]*model.RetentionEntry, error) {
	defer rows.Close()
	var result []*model.RetentionEntry
	for rows.Next() {
		e, err := scanRetention(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи retention: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *retentionRepo) Schedule(ctx context.Context, e *model.RetentionEntry) error {
	query := fmt.Sprintf(`
		INSERT INTO retention_schedule (resource_type, resource_id, action, scheduled_for, max_attempts)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING %s`, retentionColumns)

	created, err := scanRetention(r.db.QueryRow(ctx, query,
		e.ResourceType, e.ResourceID, e.Action, e.ScheduledFor, e.MaxAttempts,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка планирования retention: %w", err)
	}
	*e = *created
	return nil
}

func (r *retentionRepo) Get(ctx context.Context, id string) (*model.RetentionEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM retention_schedule WHERE id = $1`, retentionColumns)

	e, err := scanRetention(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи retention: %w", err)
	}
	return e, nil
}

func (r *retentionRepo) Claim(ctx context.Context, worker string, now time.Time, limit int) ([]*model.RetentionEntry, error) {
	// SKIP LOCKED отдаёт строки, заблокированные другим экземпляром,
	// следующему кандидату; повторная проверка статуса во внешнем
	// UPDATE исключает двойной захват.
	query := fmt.Sprintf(`
		UPDATE retention_schedule
		SET status = 'in_progress', claimed_by = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM retention_schedule
			WHERE status = 'pending' AND scheduled_for <= $2
			ORDER BY scheduled_for, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'pending'
		RETURNING %s`, retentionColumns)

	rows, err := r.db.Query(ctx, query, worker, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка захвата записей retention: %w", err)
	}
	entries, err := collectRetention(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING не гарантирует порядок
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ScheduledFor.Equal(entries[j].ScheduledFor) {
			return entries[i].ScheduledFor.Before(entries[j].ScheduledFor)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (r *retentionRepo) Transition(ctx context.Context, id string, from, to lifecycle.Status, upd TransitionUpdate) (*model.RetentionEntry, error) {
	query := fmt.Sprintf(`
		UPDATE retention_schedule
		SET status = $3,
			attempts = attempts + CASE WHEN $4 THEN 1 ELSE 0 END,
			last_error = COALESCE($5, last_error),
			claimed_by = CASE WHEN $3 = 'pending' THEN NULL ELSE claimed_by END,
			claimed_at = CASE WHEN $3 = 'pending' THEN NULL ELSE claimed_at END,
			completed_at = CASE WHEN $3 = 'completed' THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING %s`, retentionColumns)

	e, err := scanRetention(r.db.QueryRow(ctx, query,
		id, string(from), string(to), upd.IncrementAttempts, upd.LastError,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("ошибка перехода %s → %s: %w", from, to, err)
	}
	return e, nil
}

func (r *retentionRepo) RequeueStale(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE retention_schedule
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE status = 'in_progress' AND claimed_at < $1
		RETURNING id`, before)
	if err != nil {
		return nil, fmt.Errorf("ошибка возврата зависших записей: %w", err)
	}
	return collectIDs(rows)
}

func (r *retentionRepo) ReleaseClaims(ctx context.Context, worker string, ids []string) (int64, error) {
	uuids, err := toUUIDs(ids)
	if err != nil {
		return 0, err
	}
	if len(uuids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE retention_schedule
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = ANY($1::uuid[]) AND status = 'in_progress' AND claimed_by = $2`,
		uuids, worker)
	if err != nil {
		return 0, fmt.Errorf("ошибка возврата захваченных записей: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *retentionRepo) RetryFailed(ctx context.Context, notAfter time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE retention_schedule
		SET status = 'pending', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM retention_schedule
			WHERE status = 'failed' AND attempts < max_attempts AND updated_at <= $1
			ORDER BY updated_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'failed' AND attempts < max_attempts
		RETURNING id`, notAfter, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка повтора неудачных записей: %w", err)
	}
	return collectIDs(rows)
}

func (r *retentionRepo) ListByStatus(ctx context.Context, status lifecycle.Status, after *ListCursor, limit int) ([]*model.RetentionEntry, error) {
	var (
		afterAt *time.Time
		afterID *string
	)
	if after != nil {
		afterAt, afterID = &after.UpdatedAt, &after.ID
	}

	query := fmt.Sprintf(`
		SELECT %s FROM retention_schedule
		WHERE status = $1
		  AND ($2::timestamptz IS NULL OR (updated_at, id) > ($2, $3::uuid))
		ORDER BY updated_at, id
		LIMIT $4`, retentionColumns)

	rows, err := r.db.Query(ctx, query, string(status), afterAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения записей retention: %w", err)
	}
	return collectRetention(rows)
}

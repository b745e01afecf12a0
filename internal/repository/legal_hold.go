package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/roomguard/internal/domain/model"
)

// LegalHoldRepository — юридические блокировки ресурсов.
type LegalHoldRepository interface {
	Create(ctx context.Context, h *model.LegalHold) error
	Get(ctx context.Context, id string) (*model.LegalHold, error)
	// Release снимает блокировку. ErrConflict — уже снята.
	Release(ctx context.Context, id string) (*model.LegalHold, error)
	// List возвращает блокировки, новые первыми.
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*model.LegalHold, error)
	// IsHeld проверяет действующие на момент now блокировки ресурса.
	// Блокировка комнаты распространяется на все её сообщения,
	// блокировка сообщения удерживает и комнату целиком.
	IsHeld(ctx context.Context, resourceType, resourceID string, now time.Time) (bool, error)
}

type legalHoldRepo struct {
	db DBTX
}

// NewLegalHoldRepository создаёт репозиторий legal hold.
func NewLegalHoldRepository(db DBTX) LegalHoldRepository {
	return &legalHoldRepo{db: db}
}

const holdColumns = `id, resource_type, resource_id, hold_until, active, reason, created_by, created_at, released_at`

func scanHold(row pgx.Row) (*model.LegalHold, error) {
	h := &model.LegalHold{}
	var createdBy *string
	err := row.Scan(
		&h.ID, &h.ResourceType, &h.ResourceID, &h.HoldUntil, &h.Active,
		&h.Reason, &createdBy, &h.CreatedAt, &h.ReleasedAt,
	)
	if err != nil {
		return nil, err
	}
	h.CreatedBy = deref(createdBy)
	return h, nil
}

func (r *legalHoldRepo) Create(ctx context.Context, h *model.LegalHold) error {
	query := fmt.Sprintf(`
		INSERT INTO legal_holds (resource_type, resource_id, hold_until, reason, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING %s`, holdColumns)

	created, err := scanHold(r.db.QueryRow(ctx, query,
		h.ResourceType, h.ResourceID, h.HoldUntil, h.Reason, nullable(h.CreatedBy),
	))
	if err != nil {
		return fmt.Errorf("ошибка создания legal hold: %w", err)
	}
	*h = *created
	return nil
}

func (r *legalHoldRepo) Get(ctx context.Context, id string) (*model.LegalHold, error) {
	query := fmt.Sprintf(`SELECT %s FROM legal_holds WHERE id = $1`, holdColumns)

	h, err := scanHold(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения legal hold: %w", err)
	}
	return h, nil
}

func (r *legalHoldRepo) Release(ctx context.Context, id string) (*model.LegalHold, error) {
	query := fmt.Sprintf(`
		UPDATE legal_holds
		SET active = FALSE, released_at = NOW()
		WHERE id = $1 AND active
		RETURNING %s`, holdColumns)

	h, err := scanHold(r.db.QueryRow(ctx, query, id))
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка снятия legal hold: %w", err)
	}
	// Различаем «не найдена» и «уже снята»
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrConflict
}

func (r *legalHoldRepo) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*model.LegalHold, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM legal_holds
		WHERE NOT $1 OR active
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, holdColumns)

	rows, err := r.db.Query(ctx, query, activeOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка legal hold: %w", err)
	}
	defer rows.Close()

	var result []*model.LegalHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования legal hold: %w", err)
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func (r *legalHoldRepo) IsHeld(ctx context.Context, resourceType, resourceID string, now time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM legal_holds h
			WHERE h.active
			  AND (h.hold_until IS NULL OR h.hold_until > $3)
			  AND (
				(h.resource_type = $1 AND h.resource_id = $2)
				OR ($1 = 'message' AND h.resource_type = 'room'
					AND h.resource_id = (SELECT room_id FROM messages WHERE id = $2))
				OR ($1 = 'room' AND h.resource_type = 'message'
					AND h.resource_id IN (SELECT id FROM messages WHERE room_id = $2))
			  )
		)`

	var held bool
	if err := r.db.QueryRow(ctx, query, resourceType, resourceID, now).Scan(&held); err != nil {
		return false, fmt.Errorf("ошибка проверки legal hold: %w", err)
	}
	return held, nil
}

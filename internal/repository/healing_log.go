package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/roomguard/internal/domain/model"
)

// HealingLogRepository — журнал восстановления (только добавление).
type HealingLogRepository interface {
	Insert(ctx context.Context, e *model.HealingEntry) error
	// List возвращает записи, новые первыми; пустой entryType — все типы.
	List(ctx context.Context, entryType string, limit, offset int) ([]*model.HealingEntry, error)
}

type healingLogRepo struct {
	db DBTX
}

// NewHealingLogRepository создаёт репозиторий журнала восстановления.
func NewHealingLogRepository(db DBTX) HealingLogRepository {
	return &healingLogRepo{db: db}
}

func (r *healingLogRepo) Insert(ctx context.Context, e *model.HealingEntry) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("ошибка сериализации metadata: %w", err)
	}

	query := `
		INSERT INTO healing_log (type, room_id, details, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err = r.db.QueryRow(ctx, query, e.Type, nullable(e.RoomID), e.Details, raw).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка записи в healing log: %w", err)
	}
	return nil
}

func (r *healingLogRepo) List(ctx context.Context, entryType string, limit, offset int) ([]*model.HealingEntry, error) {
	query := `
		SELECT id, type, room_id, details, metadata, created_at
		FROM healing_log
		WHERE $1::text = '' OR type = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, entryType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения healing log: %w", err)
	}
	return collectHealing(rows)
}

func collectHealing(rows pgx.Rows) ([]*model.HealingEntry, error) {
	defer rows.Close()
	var result []*model.HealingEntry
	for rows.Next() {
		e := &model.HealingEntry{}
		var roomID *string
		var raw []byte
		if err := rows.Scan(&e.ID, &e.Type, &roomID, &e.Details, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования healing log: %w", err)
		}
		e.RoomID = deref(roomID)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Metadata); err != nil {
				return nil, fmt.Errorf("ошибка разбора metadata: %w", err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/roomguard/internal/domain/model"
)

// AuditLogRepository — журнал аудита. Только чтение и добавление:
// пути изменения или удаления записей нет, хранилище их отвергает.
type AuditLogRepository interface {
	// Tail возвращает последнюю запись цепочки или ErrNotFound для пустой.
	Tail(ctx context.Context) (seq int64, hash string, err error)
	// Insert добавляет запись. ErrConflict — seq или prev_hash уже заняты
	// конкурентной записью.
	Insert(ctx context.Context, e *model.AuditEntry) error
	// GetBySeq возвращает запись по номеру.
	GetBySeq(ctx context.Context, seq int64) (*model.AuditEntry, error)
	// Range возвращает записи с seq в [fromSeq, toSeq], не больше limit, по возрастанию seq.
	Range(ctx context.Context, fromSeq, toSeq int64, limit int) ([]model.AuditEntry, error)
}

type auditLogRepo struct {
	db DBTX
}

// NewAuditLogRepository создаёт репозиторий журнала аудита.
func NewAuditLogRepository(db DBTX) AuditLogRepository {
	return &auditLogRepo{db: db}
}

const auditColumns = `id, seq, prev_hash, hash, event_type, actor_id, room_id, payload, created_at`

func scanAudit(row pgx.Row) (*model.AuditEntry, error) {
	e := &model.AuditEntry{}
	var actorID, roomID *string
	var payload string
	err := row.Scan(&e.ID, &e.Seq, &e.PrevHash, &e.Hash, &e.EventType, &actorID, &roomID, &payload, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.ActorID = deref(actorID)
	e.RoomID = deref(roomID)
	e.Payload = []byte(payload)
	return e, nil
}

func (r *auditLogRepo) Tail(ctx context.Context) (int64, string, error) {
	var seq int64
	var hash string
	err := r.db.QueryRow(ctx,
		`SELECT seq, hash FROM audit_log ORDER BY seq DESC LIMIT 1`,
	).Scan(&seq, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, "", ErrNotFound
		}
		return 0, "", fmt.Errorf("ошибка чтения хвоста цепочки: %w", err)
	}
	return seq, hash, nil
}

func (r *auditLogRepo) Insert(ctx context.Context, e *model.AuditEntry) error {
	query := `
		INSERT INTO audit_log (seq, prev_hash, hash, event_type, actor_id, room_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		e.Seq, e.PrevHash, e.Hash, e.EventType,
		nullable(e.ActorID), nullable(e.RoomID), string(e.Payload), e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка добавления записи аудита: %w", err)
	}
	return nil
}

func (r *auditLogRepo) GetBySeq(ctx context.Context, seq int64) (*model.AuditEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_log WHERE seq = $1`, auditColumns)

	e, err := scanAudit(r.db.QueryRow(ctx, query, seq))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи аудита: %w", err)
	}
	return e, nil
}

func (r *auditLogRepo) Range(ctx context.Context, fromSeq, toSeq int64, limit int) ([]model.AuditEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM audit_log
		WHERE seq >= $1 AND seq <= $2
		ORDER BY seq
		LIMIT $3`, auditColumns)

	rows, err := r.db.Query(ctx, query, fromSeq, toSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения диапазона аудита: %w", err)
	}
	defer rows.Close()

	var result []model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи аудита: %w", err)
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

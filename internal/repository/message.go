package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/roomguard/internal/domain/model"
)

// MessagesPerRoom — максимум сообщений из одной комнаты в batch fetch.
const MessagesPerRoom = 50

// MessageRepository — сообщения комнат.
type MessageRepository interface {
	Create(ctx context.Context, m *model.Message) error
	Get(ctx context.Context, id string) (*model.Message, error)
	// FetchRecent возвращает до perRoom последних неудалённых сообщений
	// каждой комнаты (не раньше since, если задан), упорядоченных по
	// created_at DESC, id DESC по всем комнатам сразу.
	FetchRecent(ctx context.Context, roomIDs []uuid.UUID, since *time.Time, perRoom int) ([]*model.Message, error)
	// SoftDelete помечает сообщение удалённым. false — уже удалено.
	SoftDelete(ctx context.Context, id string) (bool, error)
	// Archive помечает сообщение архивным. false — уже архивировано или не найдено.
	Archive(ctx context.Context, id string) (bool, error)
	// Purge физически удаляет сообщение. false — уже удалено ранее.
	Purge(ctx context.Context, id string) (bool, error)
}

type messageRepo struct {
	db DBTX
}

// NewMessageRepository создаёт репозиторий сообщений.
func NewMessageRepository(db DBTX) MessageRepository {
	return &messageRepo{db: db}
}

const messageColumns = `id, room_id, sender_id, content_preview, content_hash, chain_hash,
	created_at, deleted_at, archived_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	err := row.Scan(
		&m.ID, &m.RoomID, &m.SenderID, &m.ContentPreview, &m.ContentHash, &m.ChainHash,
		&m.CreatedAt, &m.DeletedAt, &m.ArchivedAt,
	)
	return m, err
}

func (r *messageRepo) Create(ctx context.Context, m *model.Message) error {
	query := `
		INSERT INTO messages (id, room_id, sender_id, content_preview, content_hash, chain_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))
		RETURNING created_at`

	var createdAt *time.Time
	if !m.CreatedAt.IsZero() {
		createdAt = &m.CreatedAt
	}
	err := r.db.QueryRow(ctx, query,
		m.ID, m.RoomID, m.SenderID, m.ContentPreview, m.ContentHash, m.ChainHash, createdAt,
	).Scan(&m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания сообщения: %w", err)
	}
	return nil
}

func (r *messageRepo) Get(ctx context.Context, id string) (*model.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE id = $1`, messageColumns)

	m, err := scanMessage(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения сообщения: %w", err)
	}
	return m, nil
}

func (r *messageRepo) FetchRecent(ctx context.Context, roomIDs []uuid.UUID, since *time.Time, perRoom int) ([]*model.Message, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	if perRoom <= 0 || perRoom > MessagesPerRoom {
		perRoom = MessagesPerRoom
	}

	// Один запрос: LATERAL ограничивает выборку каждой комнаты,
	// внешний ORDER BY сливает результаты.
	query := `
		SELECT m.id, m.room_id, m.sender_id, m.content_preview, m.content_hash, m.chain_hash,
			m.created_at, m.deleted_at, m.archived_at
		FROM unnest($1::uuid[]) AS r(room_id)
		CROSS JOIN LATERAL (
			SELECT *
			FROM messages
			WHERE messages.room_id = r.room_id
			  AND messages.deleted_at IS NULL
			  AND ($2::timestamptz IS NULL OR messages.created_at >= $2)
			ORDER BY messages.created_at DESC, messages.id DESC
			LIMIT $3
		) AS m
		ORDER BY m.created_at DESC, m.id DESC`

	rows, err := r.db.Query(ctx, query, roomIDs, since, perRoom)
	if err != nil {
		return nil, fmt.Errorf("ошибка batch-выборки сообщений: %w", err)
	}
	defer rows.Close()

	var result []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования сообщения: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения сообщений: %w", err)
	}

	return result, nil
}

func (r *messageRepo) SoftDelete(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("ошибка удаления сообщения: %w", wrapWrite(err))
	}
	return tag.RowsAffected() > 0, nil
}

func (r *messageRepo) Archive(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET archived_at = NOW() WHERE id = $1 AND archived_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("ошибка архивации сообщения: %w", wrapWrite(err))
	}
	return tag.RowsAffected() > 0, nil
}

func (r *messageRepo) Purge(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("ошибка очистки сообщения: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

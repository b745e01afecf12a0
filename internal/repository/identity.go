package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/roomguard/internal/domain/model"
)

// IdentityRepository — пользователи, комнаты и членство.
// Проверка членства — один нерекурсивный запрос по первичному ключу.
type IdentityRepository interface {
	CreateUser(ctx context.Context, u *model.User) error
	// GetUser возвращает пользователя, в том числе мягко удалённого.
	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateRoom(ctx context.Context, room *model.Room) error
	GetRoom(ctx context.Context, id string) (*model.Room, error)
	// GetMembership возвращает членство пользователя в комнате или ErrNotFound.
	GetMembership(ctx context.Context, roomID, userID string) (*model.RoomMembership, error)
	// IsMember — проверка существования членства.
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	AddMembership(ctx context.Context, m *model.RoomMembership) error
	RemoveMembership(ctx context.Context, roomID, userID string) error
	// ArchiveRoom помечает комнату архивной. false — уже архивирована или не найдена.
	ArchiveRoom(ctx context.Context, id string) (bool, error)
	// PurgeRoom удаляет сообщения и участников комнаты и помечает её очищенной.
	// false — комната уже очищена или не найдена.
	PurgeRoom(ctx context.Context, id string) (bool, error)
}

type identityRepo struct {
	db DBTX
}

// NewIdentityRepository создаёт репозиторий пользователей и комнат.
func NewIdentityRepository(db DBTX) IdentityRepository {
	return &identityRepo{db: db}
}

func (r *identityRepo) CreateUser(ctx context.Context, u *model.User) error {
	query := `
		INSERT INTO users (id, handle, role, verified)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query, u.ID, u.Handle, u.Role, u.Verified).Scan(&u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания пользователя: %w", err)
	}
	return nil
}

func (r *identityRepo) GetUser(ctx context.Context, id string) (*model.User, error) {
	query := `
		SELECT id, handle, role, verified, created_at, deleted_at
		FROM users WHERE id = $1`

	u := &model.User{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Handle, &u.Role, &u.Verified, &u.CreatedAt, &u.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	return u, nil
}

func (r *identityRepo) CreateRoom(ctx context.Context, room *model.Room) error {
	query := `
		INSERT INTO rooms (id, slug, is_public, creator_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query, room.ID, room.Slug, room.IsPublic, room.CreatorID).Scan(&room.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания комнаты: %w", err)
	}
	return nil
}

func (r *identityRepo) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	query := `
		SELECT id, slug, is_public, creator_id, created_at, archived_at, purged_at
		FROM rooms WHERE id = $1`

	room := &model.Room{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&room.ID, &room.Slug, &room.IsPublic, &room.CreatorID,
		&room.CreatedAt, &room.ArchivedAt, &room.PurgedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения комнаты: %w", err)
	}
	return room, nil
}

func (r *identityRepo) GetMembership(ctx context.Context, roomID, userID string) (*model.RoomMembership, error) {
	query := `
		SELECT room_id, user_id, role, joined_at
		FROM room_memberships
		WHERE room_id = $1 AND user_id = $2`

	m := &model.RoomMembership{}
	err := r.db.QueryRow(ctx, query, roomID, userID).Scan(&m.RoomID, &m.UserID, &m.Role, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения членства: %w", err)
	}
	return m, nil
}

func (r *identityRepo) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM room_memberships WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки членства: %w", err)
	}
	return exists, nil
}

func (r *identityRepo) AddMembership(ctx context.Context, m *model.RoomMembership) error {
	query := `
		INSERT INTO room_memberships (room_id, user_id, role)
		VALUES ($1, $2, $3)
		RETURNING joined_at`

	err := r.db.QueryRow(ctx, query, m.RoomID, m.UserID, m.Role).Scan(&m.JoinedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка добавления участника: %w", err)
	}
	return nil
}

func (r *identityRepo) RemoveMembership(ctx context.Context, roomID, userID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM room_memberships WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("ошибка удаления участника: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *identityRepo) ArchiveRoom(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE rooms SET archived_at = NOW() WHERE id = $1 AND archived_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("ошибка архивации комнаты: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *identityRepo) PurgeRoom(ctx context.Context, id string) (bool, error) {
	// Модифицирующие CTE выполняются один раз в рамках одного оператора.
	query := `
		WITH purged_messages AS (
			DELETE FROM messages WHERE room_id = $1
		), purged_members AS (
			DELETE FROM room_memberships WHERE room_id = $1
		)
		UPDATE rooms
		SET purged_at = NOW(), archived_at = COALESCE(archived_at, NOW())
		WHERE id = $1 AND purged_at IS NULL`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("ошибка очистки комнаты: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности или условного обновления.
	ErrConflict = errors.New("конфликт — запись уже существует или изменена")
	// ErrImmutable — хранилище отвергло изменение неизменяемых данных.
	ErrImmutable = errors.New("изменение неизменяемых данных запрещено")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	return hasCode(err, pgerrcode.UniqueViolation)
}

// isImmutableViolation — отказ триггера неизменяемости (restrict_violation).
func isImmutableViolation(err error) bool {
	return hasCode(err, pgerrcode.RestrictViolation)
}

// IsTransient сообщает, что ошибку можно повторить: таймаут контекста,
// отмена запроса сервером, конфликт сериализации или deadlock.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	return hasCode(err,
		pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected,
		pgerrcode.QueryCanceled,
		pgerrcode.LockNotAvailable,
		pgerrcode.TooManyConnections,
	)
}

func hasCode(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, c := range codes {
		if pgErr.Code == c {
			return true
		}
	}
	return false
}

// wrapWrite классифицирует ошибку записи.
func wrapWrite(err error) error {
	switch {
	case isUniqueViolation(err):
		return ErrConflict
	case isImmutableViolation(err):
		return ErrImmutable
	}
	return err
}

// nullable возвращает nil для пустой строки (для колонок UUID NULL).
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// deref возвращает значение или пустую строку.
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// toUUIDs разбирает идентификаторы для параметров uuid[].
func toUUIDs(ids []string) ([]uuid.UUID, error) {
	result := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		u, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("некорректный UUID %q: %w", id, err)
		}
		result = append(result, u)
	}
	return result, nil
}

// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"

	"github.com/bigkaa/roomguard/internal/repository"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт состояния (ресурс уже существует или изменён).
	ErrConflict = errors.New("конфликт состояния ресурса")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrAuthorizationDenied — действие запрещено политикой.
	// Наружу отдаётся без подробностей.
	ErrAuthorizationDenied = errors.New("not permitted")
	// ErrIntegrityViolation — цепочка аудита повреждена.
	ErrIntegrityViolation = errors.New("нарушена целостность цепочки аудита")
	// ErrTransientStore — таймаут или конфликт хранилища, операцию можно повторить.
	ErrTransientStore = errors.New("хранилище временно недоступно")
	// ErrLifecycleConflict — недопустимый переход статуса записи retention.
	ErrLifecycleConflict = errors.New("конфликт жизненного цикла")
	// ErrConfiguration — некорректная конфигурация компонента.
	ErrConfiguration = errors.New("ошибка конфигурации")
)

// storeErr классифицирует ошибку репозитория: таймауты и конфликты
// сериализации становятся ErrTransientStore, отсутствие записи — ErrNotFound.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case repository.IsTransient(err):
		return fmt.Errorf("%s: %w: %v", op, ErrTransientStore, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

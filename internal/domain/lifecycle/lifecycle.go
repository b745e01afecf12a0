// Пакет lifecycle — конечный автомат записи расписания retention.
//
//	pending → in_progress → completed | failed | blocked
//	in_progress → pending   (отмена или зависание, возврат захвата)
//	blocked → pending       (legal hold снят)
//	failed → pending        (повтор, только пока attempts < max_attempts)
//
// completed — конечное состояние; failed с исчерпанными попытками тоже.
package lifecycle

import (
	"errors"
	"fmt"
)

// Status — статус записи расписания.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// ErrInvalidTransition — переход не разрешён матрицей.
var ErrInvalidTransition = errors.New("недопустимый переход статуса")

// ErrRetriesExhausted — попытки исчерпаны, повтор невозможен.
var ErrRetriesExhausted = errors.New("попытки выполнения исчерпаны")

// validTransitions — матрица допустимых переходов.
var validTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusInProgress: true},
	StatusInProgress: {StatusCompleted: true, StatusFailed: true, StatusBlocked: true, StatusPending: true},
	StatusBlocked:    {StatusPending: true},
	StatusFailed:     {StatusPending: true},
	StatusCompleted:  {},
}

// ParseStatus преобразует строку в Status.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	_, ok := validTransitions[st]
	return st, ok
}

// CanTransition проверяет, допустим ли переход from → to по матрице.
// Ограничение числа попыток не проверяется, см. Check.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// Check проверяет переход с учётом счётчика попыток.
func Check(from, to Status, attempts, maxAttempts int) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	if from == StatusFailed && to == StatusPending && attempts >= maxAttempts {
		return fmt.Errorf("%w: %d из %d", ErrRetriesExhausted, attempts, maxAttempts)
	}
	return nil
}

// IsTerminal возвращает true, если из состояния больше нет переходов.
func IsTerminal(s Status, attempts, maxAttempts int) bool {
	switch s {
	case StatusCompleted:
		return true
	case StatusFailed:
		return attempts >= maxAttempts
	}
	return false
}

// Outcome — результат, который внешний драйвер сообщает через complete.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeBlocked   Outcome = "blocked"
)

// ParseOutcome преобразует строку в Outcome.
func ParseOutcome(s string) (Outcome, bool) {
	switch o := Outcome(s); o {
	case OutcomeCompleted, OutcomeFailed, OutcomeBlocked:
		return o, true
	}
	return "", false
}

// Status возвращает статус, в который переводит исход.
func (o Outcome) Status() Status {
	return Status(o)
}

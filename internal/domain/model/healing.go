package model

import "time"

// Типы записей журнала восстановления.
const (
	HealingLoopFailure        = "loop_failure"
	HealingMalformedRequest   = "malformed_request"
	HealingIntegrityViolation = "integrity_violation"
	HealingStaleRequeue       = "stale_requeue"
)

// HealingEntry — диагностическая запись для операторов.
// Только добавление; путь авторизации её не читает.
type HealingEntry struct {
	ID        string
	Type      string
	RoomID    string
	Details   string
	Metadata  map[string]any
	CreatedAt time.Time
}

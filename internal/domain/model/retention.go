package model

import "time"

// Типы ресурсов, подлежащих retention и legal hold.
const (
	ResourceMessage = "message"
	ResourceRoom    = "room"
)

// Действия retention.
const (
	RetentionArchive = "archive"
	RetentionPurge   = "purge"
)

// RetentionEntry — запись расписания retention.
// Переходами статуса владеет только планировщик retention.
type RetentionEntry struct {
	ID           string
	ResourceType string
	ResourceID   string
	Action       string
	ScheduledFor time.Time
	// Status — pending, in_progress, completed, failed, blocked
	Status      string
	Attempts    int
	MaxAttempts int
	LastError   *string
	// ClaimedBy — идентификатор экземпляра, захватившего запись
	ClaimedBy   *string
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RetentionCycleResult — итог одного цикла планировщика.
type RetentionCycleResult struct {
	Requeued  int
	Released  int
	Retried   int
	Claimed   int
	Completed int
	Blocked   int
	Failed    int
	// Reverted — захваченные, но не выполненные из-за отмены
	Reverted  int
	StartedAt time.Time
	Duration  time.Duration
}

// LegalHold — юридическая блокировка ресурса.
type LegalHold struct {
	ID           string
	ResourceType string
	ResourceID   string
	// HoldUntil — nil означает бессрочную блокировку
	HoldUntil  *time.Time
	Active     bool
	Reason     string
	CreatedBy  string
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

// InEffect возвращает true, если блокировка действует в момент now.
func (h *LegalHold) InEffect(now time.Time) bool {
	if !h.Active {
		return false
	}
	return h.HoldUntil == nil || h.HoldUntil.After(now)
}

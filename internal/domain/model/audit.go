package model

import (
	"encoding/json"
	"time"
)

// Типы событий журнала аудита.
const (
	AuditMessageSent       = "message.sent"
	AuditMessageDeleted    = "message.deleted"
	AuditMessageModerated  = "message.moderated"
	AuditMembershipJoined  = "membership.joined"
	AuditMembershipLeft    = "membership.left"
	AuditMembershipKicked  = "membership.kicked"
	AuditRetentionArchived = "retention.archived"
	AuditRetentionPurged   = "retention.purged"
	AuditLegalHoldPlaced   = "legal_hold.placed"
	AuditLegalHoldReleased = "legal_hold.released"
)

// AuditEvent — событие, которое требуется записать в журнал.
type AuditEvent struct {
	// EventType — тип события (message.sent, membership.kicked, ...)
	EventType string
	// ActorID — кто выполнил действие; пустой для системных задач
	ActorID string
	// RoomID — комната, к которой относится событие (поле полезной нагрузки цепочки)
	RoomID string
	// Payload — произвольный JSON-объект
	Payload json.RawMessage
}

// AuditEntry — запись глобальной hash-цепочки.
// Хранится в таблице audit_log, изменение и удаление запрещены триггерами.
type AuditEntry struct {
	ID        string
	Seq       int64
	PrevHash  string
	Hash      string
	EventType string
	ActorID   string
	RoomID    string
	// Payload — каноническая сериализация полезной нагрузки
	Payload   json.RawMessage
	CreatedAt time.Time
}

// ChainVerification — результат проверки диапазона цепочки.
type ChainVerification struct {
	// Valid — true, если все хэши в диапазоне совпали
	Valid bool
	// From, To — проверенный диапазон seq (включительно)
	From int64
	To   int64
	// Checked — сколько записей проверено
	Checked int
	// BrokenEntryID, BrokenSeq — первая несовпавшая запись
	BrokenEntryID string
	BrokenSeq     int64
	// Reason — причина несовпадения
	Reason string
}

package model

import "time"

// Message — сообщение в комнате.
// Содержимое, хэши и время создания неизменяемы (триггер в БД),
// меняются только флаги удаления и архивации.
type Message struct {
	ID             string
	RoomID         string
	SenderID       string
	ContentPreview string
	// ContentHash — SHA-256 содержимого (hex)
	ContentHash string
	// ChainHash — хэш записи журнала аудита, зафиксировавшей отправку
	ChainHash  string
	CreatedAt  time.Time
	DeletedAt  *time.Time
	ArchivedAt *time.Time
}

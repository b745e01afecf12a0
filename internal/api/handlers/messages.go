// messages.go — POST /api/v1/messages/batch, последние сообщения
// по набору комнат одним запросом.
package handlers

import (
	"net/http"
	"time"

	"github.com/bigkaa/roomguard/internal/domain/model"
)

type messagesBatchRequest struct {
	RoomIDs []string   `json:"room_ids"`
	Since   *time.Time `json:"since,omitempty"`
}

type messageResponse struct {
	ID             string `json:"id"`
	RoomID         string `json:"room_id"`
	SenderID       string `json:"sender_id"`
	ContentPreview string `json:"content_preview"`
	ContentHash    string `json:"content_hash"`
	ChainHash      string `json:"chain_hash,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type messagesBatchResponse struct {
	Items []messageResponse `json:"items"`
}

// FetchMessages — POST /api/v1/messages/batch.
// Политику доступа не применяет: вызывающий сервис фильтрует комнаты сам.
// Доступ: SA с scope messages:read.
func (h *APIHandler) FetchMessages(w http.ResponseWriter, r *http.Request) {
	var req messagesBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	msgs, err := h.Messages.Fetch(r.Context(), req.RoomIDs, req.Since)
	if err != nil {
		h.writeServiceError(w, "Ошибка выборки сообщений", err)
		return
	}
	resp := messagesBatchResponse{Items: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Items = append(resp.Items, mapMessage(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func mapMessage(m *model.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		RoomID:         m.RoomID,
		SenderID:       m.SenderID,
		ContentPreview: m.ContentPreview,
		ContentHash:    m.ContentHash,
		ChainHash:      m.ChainHash,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// healing.go — GET /api/v1/healing-log, просмотр журнала восстановления.
package handlers

import (
	"net/http"
	"time"

	apierrors "github.com/bigkaa/roomguard/internal/api/errors"
	"github.com/bigkaa/roomguard/internal/domain/model"
)

var healingTypes = map[string]bool{
	model.HealingLoopFailure:        true,
	model.HealingMalformedRequest:   true,
	model.HealingIntegrityViolation: true,
	model.HealingStaleRequeue:       true,
}

type healingEntryResponse struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	RoomID    string         `json:"room_id,omitempty"`
	Details   string         `json:"details"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type healingListResponse struct {
	Items  []healingEntryResponse `json:"items"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

// ListHealingLog — GET /api/v1/healing-log?type=&limit=&offset=.
// Доступ: admin.
func (h *APIHandler) ListHealingLog(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(r)
	if !ok {
		apierrors.ValidationError(w, "limit и offset должны быть целыми числами")
		return
	}
	entryType := r.URL.Query().Get("type")
	if entryType != "" && !healingTypes[entryType] {
		apierrors.ValidationError(w, "Неизвестный тип записи: "+entryType)
		return
	}

	entries, err := h.Healing.List(r.Context(), entryType, limit, offset)
	if err != nil {
		h.writeServiceError(w, "Ошибка чтения журнала восстановления", err)
		return
	}
	resp := healingListResponse{Items: make([]healingEntryResponse, 0, len(entries)), Limit: limit, Offset: offset}
	for _, e := range entries {
		resp.Items = append(resp.Items, healingEntryResponse{
			ID:        e.ID,
			Type:      e.Type,
			RoomID:    e.RoomID,
			Details:   e.Details,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

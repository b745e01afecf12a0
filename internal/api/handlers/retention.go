// retention.go — обработчики /api/v1/retention: внешнее управление
// расписанием retention (постановка, захват, завершение, просмотр).
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/roomguard/internal/api/errors"
	"github.com/bigkaa/roomguard/internal/domain/lifecycle"
	"github.com/bigkaa/roomguard/internal/domain/model"
)

type retentionScheduleRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Action       string `json:"action"`
	// ScheduledFor — RFC 3339; пусто — немедленно
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

type retentionClaimRequest struct {
	BatchSize int `json:"batch_size"`
}

type retentionCompleteRequest struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

type retentionEntryResponse struct {
	ID           string  `json:"id"`
	ResourceType string  `json:"resource_type"`
	ResourceID   string  `json:"resource_id"`
	Action       string  `json:"action"`
	ScheduledFor string  `json:"scheduled_for"`
	Status       string  `json:"status"`
	Attempts     int     `json:"attempts"`
	MaxAttempts  int     `json:"max_attempts"`
	LastError    *string `json:"last_error,omitempty"`
	ClaimedBy    *string `json:"claimed_by,omitempty"`
	ClaimedAt    *string `json:"claimed_at,omitempty"`
	CompletedAt  *string `json:"completed_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

type retentionListResponse struct {
	Items []retentionEntryResponse `json:"items"`
}

// ScheduleRetention — POST /api/v1/retention/schedule.
// Доступ: admin или SA с scope retention:run.
func (h *APIHandler) ScheduleRetention(w http.ResponseWriter, r *http.Request) {
	var req retentionScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var at time.Time
	if req.ScheduledFor != nil {
		at = *req.ScheduledFor
	}

	e, err := h.Retention.Schedule(r.Context(), req.ResourceType, req.ResourceID, req.Action, at)
	if err != nil {
		h.writeServiceError(w, "Ошибка постановки в расписание", err)
		return
	}
	writeJSON(w, http.StatusCreated, mapRetentionEntry(e))
}

// ClaimRetention — POST /api/v1/retention/claim.
// Доступ: SA с scope retention:run.
func (h *APIHandler) ClaimRetention(w http.ResponseWriter, r *http.Request) {
	var req retentionClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	entries, err := h.Retention.Claim(r.Context(), req.BatchSize)
	if err != nil {
		h.writeServiceError(w, "Ошибка захвата записей расписания", err)
		return
	}
	resp := retentionListResponse{Items: make([]retentionEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Items = append(resp.Items, mapRetentionEntry(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CompleteRetention — POST /api/v1/retention/{id}/complete.
// Повторное завершение с тем же исходом — 200 без изменений.
// Доступ: SA с scope retention:run.
func (h *APIHandler) CompleteRetention(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !isUUID(id) {
		apierrors.ValidationError(w, "Некорректный id записи расписания")
		return
	}
	var req retentionCompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	e, err := h.Retention.Complete(r.Context(), id, lifecycle.Outcome(req.Outcome), req.Reason)
	if err != nil {
		h.writeServiceError(w, "Ошибка завершения записи расписания", err)
		return
	}
	writeJSON(w, http.StatusOK, mapRetentionEntry(e))
}

// GetRetention — GET /api/v1/retention/{id}.
// Доступ: admin или SA с scope retention:run.
func (h *APIHandler) GetRetention(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !isUUID(id) {
		apierrors.ValidationError(w, "Некорректный id записи расписания")
		return
	}

	e, err := h.Retention.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Ошибка получения записи расписания", err)
		return
	}
	writeJSON(w, http.StatusOK, mapRetentionEntry(e))
}

func mapRetentionEntry(e *model.RetentionEntry) retentionEntryResponse {
	return retentionEntryResponse{
		ID:           e.ID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Action:       e.Action,
		ScheduledFor: e.ScheduledFor.UTC().Format(time.RFC3339Nano),
		Status:       e.Status,
		Attempts:     e.Attempts,
		MaxAttempts:  e.MaxAttempts,
		LastError:    e.LastError,
		ClaimedBy:    e.ClaimedBy,
		ClaimedAt:    formatTime(e.ClaimedAt),
		CompletedAt:  formatTime(e.CompletedAt),
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
